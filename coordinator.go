package serialkit

import (
	"bytes"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OutcomeKind is the terminal state of a request.
type OutcomeKind int

const (
	// Success: a received chunk satisfied the request's response evaluator.
	Success OutcomeKind = iota
	// TimedOut: no valid response arrived within the timeout across the
	// initial send and every allowed retry.
	TimedOut
	// Cancelled: the client cancelled the request while it was in flight.
	Cancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TimedOut:
		return "timed out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome describes how a request resolved. Response is set only for
// Success, and holds the chunk that satisfied the evaluator.
type Outcome struct {
	Kind     OutcomeKind
	Response []byte
}

// RequestHandler receives exactly one completion per enqueued request.
type RequestHandler func(req *Request, outcome Outcome)

// pendingRequest is the coordinator-owned state for one enqueued request.
// Timeout and retry budget live here, not on the Request, so a Request value
// stays immutable.
type pendingRequest struct {
	req        *Request
	timeout    time.Duration
	maxRetries int
	retries    int
	sentAt     time.Time
	// attempt is bumped on every (re)send and on every transition out of
	// AwaitingResponse. A timer callback carrying a stale attempt number
	// lost the race against a response or a cancel and must do nothing.
	attempt int
}

// requestCoordinator serializes outbound requests: strict FIFO, at most one
// in flight. A request resolves exactly once, by valid response, exhausted
// retries, or cancellation. Enqueue, timer fire, data arrival, and cancel
// may come from different goroutines; one mutex serializes them all, and no
// lock is held across calls into the Transport.
type requestCoordinator struct {
	mu        sync.Mutex
	transport Transport
	queue     []*pendingRequest
	inflight  *pendingRequest
	timer     *time.Timer

	onCompleted RequestHandler
	log         *logrus.Entry
}

func newRequestCoordinator(t Transport, onCompleted RequestHandler, log *logrus.Entry) *requestCoordinator {
	return &requestCoordinator{transport: t, onCompleted: onCompleted, log: log}
}

// enqueue appends the request and sends it immediately when nothing is in
// flight. Returns the request UUID.
func (c *requestCoordinator) enqueue(req *Request, timeout time.Duration, maxRetries int) string {
	pr := &pendingRequest{req: req, timeout: timeout, maxRetries: maxRetries}
	c.mu.Lock()
	if c.inflight != nil {
		c.queue = append(c.queue, pr)
		c.mu.Unlock()
		return req.id
	}
	c.inflight = pr
	c.armLocked(pr)
	c.mu.Unlock()
	c.send(pr)
	return req.id
}

// handleData offers an arriving chunk to the in-flight request. A valid
// response wins the race against the timeout timer: the timer is stopped and
// its callback invalidated before the lock is released.
func (c *requestCoordinator) handleData(chunk []byte) {
	c.mu.Lock()
	pr := c.inflight
	// attempt == 0 means promoted by dequeueLocked but never armed and sent:
	// such a request is not awaiting a response, so a chunk arriving in that
	// window (e.g. a stale answer to the request that just resolved) must
	// not be offered to it.
	if pr == nil || pr.attempt == 0 || !pr.req.IsValidResponse(chunk) {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(pr)
	c.inflight = nil
	next := c.dequeueLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"request": pr.req.id,
		"elapsed": time.Since(pr.sentAt),
	}).Debug("request completed")
	c.complete(pr, Outcome{Kind: Success, Response: bytes.Clone(chunk)})
	c.startNext(next)
}

// cancel removes a request. Queued but unsent: silent removal, no send is
// ever issued and no completion is delivered. In flight: the timer is
// stopped and a Cancelled completion is delivered. Unknown or already
// resolved ids are a no-op.
func (c *requestCoordinator) cancel(id string) {
	c.mu.Lock()
	for i, pr := range c.queue {
		if pr.req.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.mu.Unlock()
			return
		}
	}
	pr := c.inflight
	if pr == nil || pr.req.id != id {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(pr)
	c.inflight = nil
	next := c.dequeueLocked()
	c.mu.Unlock()

	c.log.WithField("request", pr.req.id).Debug("request cancelled")
	c.complete(pr, Outcome{Kind: Cancelled})
	c.startNext(next)
}

// pendingCount returns the number of unresolved requests, in flight
// included.
func (c *requestCoordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.inflight != nil {
		n++
	}
	return n
}

// timedOut is the timer callback for a given send attempt. A stale attempt
// number means a response or a cancel already advanced the state machine.
func (c *requestCoordinator) timedOut(pr *pendingRequest, attempt int) {
	c.mu.Lock()
	if c.inflight != pr || pr.attempt != attempt {
		c.mu.Unlock()
		return
	}
	if pr.retries < pr.maxRetries {
		pr.retries++
		c.armLocked(pr)
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{
			"request": pr.req.id,
			"attempt": pr.retries + 1,
		}).Debug("response timeout, resending")
		c.send(pr)
		return
	}
	c.inflight = nil
	next := c.dequeueLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"request":  pr.req.id,
		"attempts": pr.retries + 1,
	}).Debug("request timed out")
	c.complete(pr, Outcome{Kind: TimedOut})
	c.startNext(next)
}

// armLocked records the send time and starts the timeout timer for the next
// attempt. Caller holds c.mu.
func (c *requestCoordinator) armLocked(pr *pendingRequest) {
	pr.attempt++
	pr.sentAt = time.Now()
	attempt := pr.attempt
	c.timer = time.AfterFunc(pr.timeout, func() { c.timedOut(pr, attempt) })
}

// stopTimerLocked stops the running timer and invalidates any callback that
// already fired but has not taken the lock yet. Caller holds c.mu.
func (c *requestCoordinator) stopTimerLocked(pr *pendingRequest) {
	if c.timer != nil {
		c.timer.Stop()
	}
	pr.attempt++
}

// dequeueLocked promotes the head of the queue to in-flight without arming
// or sending it; startNext does that outside the lock. Caller holds c.mu.
func (c *requestCoordinator) dequeueLocked() *pendingRequest {
	if len(c.queue) == 0 {
		return nil
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.inflight = next
	return next
}

// startNext arms and sends a request promoted by dequeueLocked. If it was
// cancelled in the meantime it is no longer in flight and nothing is sent.
func (c *requestCoordinator) startNext(next *pendingRequest) {
	if next == nil {
		return
	}
	c.mu.Lock()
	if c.inflight != next {
		c.mu.Unlock()
		return
	}
	c.armLocked(next)
	c.mu.Unlock()
	c.send(next)
}

// send hands the payload to the transport. A send error is not a terminal
// outcome: the timeout/retry machinery already covers a request whose bytes
// never made it out.
func (c *requestCoordinator) send(pr *pendingRequest) {
	if err := c.transport.Send(pr.req.data); err != nil {
		c.log.WithError(err).WithField("request", pr.req.id).Warn("transport send failed, awaiting timeout")
	}
}

func (c *requestCoordinator) complete(pr *pendingRequest, outcome Outcome) {
	if c.onCompleted != nil {
		c.onCompleted(pr.req, outcome)
	}
}
