package serialkit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PacketHandler receives one call per packet extracted from the stream. The
// descriptor that matched is passed along so its UserInfo can route the
// packet.
type PacketHandler func(d *PacketDescriptor, packet []byte)

// Config configures a Session. The zero value is usable: nil handlers drop
// their events, MaxBufferLength falls back to DefaultMaxBufferLength, and a
// nil Logger is replaced by one that only reports warnings.
type Config struct {
	// MaxBufferLength caps each descriptor's accumulation buffer. When a
	// buffer outgrows it (no matching packet for too long), the oldest bytes
	// are dropped and a warning is logged.
	MaxBufferLength int
	Logger          *logrus.Logger

	OnPacket           PacketHandler
	OnRequestCompleted RequestHandler
}

// Session is the engine between a byte-oriented Transport and application
// code. It packetizes the incoming stream against registered
// PacketDescriptors and correlates outgoing Requests with their responses,
// including timeout and retry.
//
// Feed arriving chunks to Receive in arrival order, typically from a single
// read loop. Handlers are invoked synchronously from Receive (and from timer
// goroutines for timeouts); long-running work belongs in the client's own
// goroutine.
type Session struct {
	transport Transport
	maxBuf    int
	log       *logrus.Entry

	mu          sync.Mutex
	descriptors []*descriptorState

	coord    *requestCoordinator
	onPacket PacketHandler
}

// descriptorState pairs a descriptor with its private accumulation buffer.
// Buffers are per-descriptor: extraction by one descriptor never hides bytes
// from another, so the same data may fire several descriptors.
type descriptorState struct {
	d   *PacketDescriptor
	buf *incomingBuffer
}

// NewSession creates a session sending through t.
func NewSession(t Transport, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	entry := logrus.NewEntry(logger)
	maxBuf := cfg.MaxBufferLength
	if maxBuf <= 0 {
		maxBuf = DefaultMaxBufferLength
	}
	return &Session{
		transport: t,
		maxBuf:    maxBuf,
		log:       entry,
		coord:     newRequestCoordinator(t, cfg.OnRequestCompleted, entry),
		onPacket:  cfg.OnPacket,
	}
}

// Receive processes one chunk received from the transport. Chunks must be
// fed in arrival order; processing of a chunk completes before the next
// one's begins. An empty chunk is a no-op.
//
// The chunk feeds every descriptor's buffer and is then offered to the
// in-flight request, independently: a response may simultaneously complete a
// packet, and both the packet handler and the request handler fire.
func (s *Session) Receive(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	type matched struct {
		d      *PacketDescriptor
		packet []byte
	}
	var hits []matched

	s.mu.Lock()
	for _, st := range s.descriptors {
		st.buf.appendChunk(chunk)
		for _, pkt := range st.buf.extract(st.d) {
			hits = append(hits, matched{d: st.d, packet: pkt})
		}
		if dropped := st.buf.enforceCap(); dropped > 0 {
			s.log.WithFields(logrus.Fields{
				"descriptor": st.d.id,
				"dropped":    dropped,
			}).Warn("buffer over limit, oldest bytes dropped")
		}
	}
	s.mu.Unlock()

	for _, h := range hits {
		s.log.WithFields(logrus.Fields{
			"descriptor": h.d.id,
			"len":        len(h.packet),
		}).Debug("packet matched")
		if s.onPacket != nil {
			s.onPacket(h.d, h.packet)
		}
	}
	s.coord.handleData(chunk)
}

// RegisterPacketDescriptor activates d. Registering a descriptor whose UUID
// is already registered replaces the previous registration and resets its
// buffer.
func (s *Session) RegisterPacketDescriptor(d *PacketDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.descriptors {
		if st.d.id == d.id {
			st.d = d
			st.buf.reset()
			return
		}
	}
	s.descriptors = append(s.descriptors, &descriptorState{
		d:   d,
		buf: newIncomingBuffer(s.maxBuf),
	})
}

// DeregisterPacketDescriptor removes the descriptor with the given UUID and
// discards its buffered bytes. Unknown ids are a no-op.
func (s *Session) DeregisterPacketDescriptor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.descriptors {
		if st.d.id == id {
			s.descriptors = append(s.descriptors[:i], s.descriptors[i+1:]...)
			return
		}
	}
}

// PacketDescriptors returns the currently registered descriptors in
// registration order.
func (s *Session) PacketDescriptors() []*PacketDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PacketDescriptor, len(s.descriptors))
	for i, st := range s.descriptors {
		out[i] = st.d
	}
	return out
}

// EnqueueRequest queues req for sending and returns its UUID. Requests are
// sent strictly one at a time in enqueue order; req goes out immediately if
// nothing is in flight. Each send attempt waits up to timeout for a chunk
// satisfying the request's evaluator, and the send is repeated up to
// maxRetries times before a TimedOut completion is delivered.
func (s *Session) EnqueueRequest(req *Request, timeout time.Duration, maxRetries int) string {
	return s.coord.enqueue(req, timeout, maxRetries)
}

// CancelRequest cancels a pending request by UUID. A queued, not yet sent
// request is removed without any send or completion; the in-flight request
// resolves with a Cancelled outcome. Unknown or already resolved ids are a
// no-op.
func (s *Session) CancelRequest(id string) {
	s.coord.cancel(id)
}

// PendingRequestCount returns the number of unresolved requests, the
// in-flight one included.
func (s *Session) PendingRequestCount() int {
	return s.coord.pendingCount()
}
