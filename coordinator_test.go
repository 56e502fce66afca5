package serialkit

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records sends and signals each one on a channel so tests can
// sequence against the coordinator without sleeping.
type fakeTransport struct {
	mu    sync.Mutex
	sends [][]byte
	sent  chan []byte
	err   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(data []byte) error {
	c := bytes.Clone(data)
	f.mu.Lock()
	f.sends = append(f.sends, c)
	f.mu.Unlock()
	f.sent <- c
	return f.err
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type completion struct {
	req     *Request
	outcome Outcome
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, chan completion) {
	t.Helper()
	ft := newFakeTransport()
	completions := make(chan completion, 16)
	s := NewSession(ft, Config{
		OnRequestCompleted: func(req *Request, outcome Outcome) {
			completions <- completion{req: req, outcome: outcome}
		},
	})
	return s, ft, completions
}

func waitSend(t *testing.T, ft *fakeTransport, want []byte) {
	t.Helper()
	select {
	case got := <-ft.sent:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for send of %q", want)
	}
}

func waitCompletion(t *testing.T, completions chan completion) completion {
	t.Helper()
	select {
	case c := <-completions:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for completion")
		return completion{}
	}
}

func TestRequests_FIFOWithTimeoutAndRetry(t *testing.T) {
	s, ft, completions := newTestSession(t)

	// R1's response never validates, one retry allowed: it must resolve
	// TimedOut after exactly two attempts before R2 is ever sent.
	r1, err := NewRequest([]byte("R1"), nil, func([]byte) bool { return false })
	require.NoError(t, err)
	r2, err := NewRequest([]byte("R2"), nil, nil)
	require.NoError(t, err)
	r3, err := NewRequest([]byte("R3"), nil, nil)
	require.NoError(t, err)

	s.EnqueueRequest(r1, 30*time.Millisecond, 1)
	s.EnqueueRequest(r2, 30*time.Millisecond, 0)
	s.EnqueueRequest(r3, 30*time.Millisecond, 0)
	require.Equal(t, 3, s.PendingRequestCount())

	waitSend(t, ft, []byte("R1")) // initial attempt
	waitSend(t, ft, []byte("R1")) // retry
	require.Equal(t, 2, ft.sendCount(), "R2 must not be sent while R1 is pending")

	c := waitCompletion(t, completions)
	require.Equal(t, r1.UUID(), c.req.UUID())
	require.Equal(t, TimedOut, c.outcome.Kind)

	waitSend(t, ft, []byte("R2"))
	s.Receive([]byte("ack"))
	c = waitCompletion(t, completions)
	require.Equal(t, r2.UUID(), c.req.UUID())
	require.Equal(t, Success, c.outcome.Kind)
	require.Equal(t, []byte("ack"), c.outcome.Response)

	waitSend(t, ft, []byte("R3"))
	s.Receive([]byte("ack"))
	c = waitCompletion(t, completions)
	require.Equal(t, r3.UUID(), c.req.UUID())
	require.Equal(t, Success, c.outcome.Kind)

	require.Zero(t, s.PendingRequestCount())
}

func TestCancelQueuedRequest_NeverSent(t *testing.T) {
	s, ft, completions := newTestSession(t)

	r1, err := NewRequest([]byte("R1"), nil, func([]byte) bool { return false })
	require.NoError(t, err)
	r2, err := NewRequest([]byte("R2"), nil, nil)
	require.NoError(t, err)

	s.EnqueueRequest(r1, 100*time.Millisecond, 0)
	id2 := s.EnqueueRequest(r2, 100*time.Millisecond, 0)
	waitSend(t, ft, []byte("R1"))

	// R2 is queued but unsent: cancellation removes it silently.
	s.CancelRequest(id2)
	require.Equal(t, 1, s.PendingRequestCount())

	c := waitCompletion(t, completions)
	require.Equal(t, r1.UUID(), c.req.UUID())
	require.Equal(t, TimedOut, c.outcome.Kind)

	// No send and no completion for R2, ever.
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, ft.sendCount())
	require.Empty(t, completions)
	require.Zero(t, s.PendingRequestCount())
}

func TestCancelInflightRequest(t *testing.T) {
	s, ft, completions := newTestSession(t)

	r1, err := NewRequest([]byte("R1"), nil, func([]byte) bool { return false })
	require.NoError(t, err)
	r2, err := NewRequest([]byte("R2"), nil, nil)
	require.NoError(t, err)

	id1 := s.EnqueueRequest(r1, time.Minute, 5)
	s.EnqueueRequest(r2, time.Minute, 0)
	waitSend(t, ft, []byte("R1"))

	s.CancelRequest(id1)
	c := waitCompletion(t, completions)
	require.Equal(t, r1.UUID(), c.req.UUID())
	require.Equal(t, Cancelled, c.outcome.Kind)

	// The queue advances to R2.
	waitSend(t, ft, []byte("R2"))
	s.Receive([]byte("ok"))
	c = waitCompletion(t, completions)
	require.Equal(t, r2.UUID(), c.req.UUID())
	require.Equal(t, Success, c.outcome.Kind)
}

func TestCancelUnknownOrResolved_NoOp(t *testing.T) {
	s, ft, completions := newTestSession(t)

	s.CancelRequest("no-such-id")

	r, err := NewRequest([]byte("R"), nil, nil)
	require.NoError(t, err)
	id := s.EnqueueRequest(r, time.Minute, 0)
	waitSend(t, ft, []byte("R"))
	s.Receive([]byte("ok"))
	c := waitCompletion(t, completions)
	require.Equal(t, Success, c.outcome.Kind)

	// Cancelling after completion delivers nothing further.
	s.CancelRequest(id)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, completions)
}

func TestNoSpuriousTimeoutAfterCompletion(t *testing.T) {
	s, ft, completions := newTestSession(t)

	r, err := NewRequest([]byte("R"), nil, nil)
	require.NoError(t, err)
	s.EnqueueRequest(r, 30*time.Millisecond, 3)
	waitSend(t, ft, []byte("R"))

	s.Receive([]byte("ok"))
	c := waitCompletion(t, completions)
	require.Equal(t, Success, c.outcome.Kind)

	// Wait well past the timeout: no retry send and no second completion.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, ft.sendCount())
	require.Empty(t, completions)
}

func TestStaleChunkDuringCompletionNotOfferedToNextRequest(t *testing.T) {
	ft := newFakeTransport()
	completions := make(chan completion, 4)

	r1, err := NewRequest([]byte("R1"), nil, func([]byte) bool { return false })
	require.NoError(t, err)
	r2, err := NewRequest([]byte("R2"), nil, nil) // any non-empty chunk validates
	require.NoError(t, err)

	// A stale answer to R1 arrives while the client is still handling R1's
	// completion. At that point R2 has been promoted to the head of the
	// queue but its payload has not been handed to the transport yet, so
	// the chunk must not complete it.
	var s *Session
	s = NewSession(ft, Config{
		OnRequestCompleted: func(req *Request, outcome Outcome) {
			if req.UUID() == r1.UUID() {
				s.Receive([]byte("stale"))
			}
			completions <- completion{req: req, outcome: outcome}
		},
	})

	s.EnqueueRequest(r1, 20*time.Millisecond, 0)
	s.EnqueueRequest(r2, time.Minute, 0)
	waitSend(t, ft, []byte("R1"))

	c := waitCompletion(t, completions)
	require.Equal(t, r1.UUID(), c.req.UUID())
	require.Equal(t, TimedOut, c.outcome.Kind)

	// R2 still goes out on the wire, and only then can a chunk resolve it.
	waitSend(t, ft, []byte("R2"))
	require.Empty(t, completions, "R2 must not complete before its send")

	s.Receive([]byte("ok"))
	c = waitCompletion(t, completions)
	require.Equal(t, r2.UUID(), c.req.UUID())
	require.Equal(t, Success, c.outcome.Kind)
	require.Equal(t, []byte("ok"), c.outcome.Response, "the stale chunk is not R2's response")
	require.Equal(t, 2, ft.sendCount())
}

func TestSendErrorFallsThroughToTimeout(t *testing.T) {
	s, ft, completions := newTestSession(t)
	ft.err = errSendFailed

	r, err := NewRequest([]byte("R"), nil, nil)
	require.NoError(t, err)
	s.EnqueueRequest(r, 20*time.Millisecond, 1)

	c := waitCompletion(t, completions)
	require.Equal(t, TimedOut, c.outcome.Kind)
	require.Equal(t, 2, ft.sendCount(), "failed sends still consume attempts")
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "wire gone" }
