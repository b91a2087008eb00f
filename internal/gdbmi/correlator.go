package gdbmi

import (
	"log"
	"strings"
	"sync"
	"time"
)

// pendingRequest tracks one in-flight command awaiting its result record.
// Single-use: resolved exactly once or retired by timeout, never both.
type pendingRequest struct {
	token    int
	issuedAt time.Time
	result   chan *ResultRecord // buffered 1
	capture  strings.Builder    // stream output attributed to this command
}

// subscription receives asynchronous records of the kinds it asked for.
type subscription struct {
	kinds map[AsyncKind]bool
	ch    chan *AsyncRecord
}

// Records returns the subscriber's delivery channel. It is closed when the
// subscription is cancelled or the transport reaches EOF.
func (s *subscription) Records() <-chan *AsyncRecord { return s.ch }

// correlator matches result records to pending commands by token and
// broadcasts async records to subscribers. It consumes the transport's record
// channel on a single dispatch goroutine and never reorders records.
// orphanLimit caps buffered output that arrived with no command in flight; a
// chatty debuggee keeps the newest tail.
const orphanLimit = 256 << 10

type correlator struct {
	mu         sync.Mutex
	nextTok    int
	pending    map[int]*pendingRequest
	subs       map[*subscription]bool
	inFlight   *pendingRequest
	orphan     []byte
	terminated bool
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[int]*pendingRequest),
		subs:    make(map[*subscription]bool),
	}
}

// run dispatches records until the channel closes, then fails every
// outstanding request with ProcessTerminated so no caller hangs.
func (c *correlator) run(records <-chan Record) {
	for rec := range records {
		switch r := rec.(type) {
		case *ResultRecord:
			c.resolve(r)
		case *AsyncRecord:
			c.broadcast(r)
		case *StreamRecord:
			c.appendStream(r)
		}
	}

	c.mu.Lock()
	c.terminated = true
	for tok, p := range c.pending {
		close(p.result)
		delete(c.pending, tok)
	}
	c.inFlight = nil
	for sub := range c.subs {
		close(sub.ch)
		delete(c.subs, sub)
	}
	c.mu.Unlock()
}

func (c *correlator) resolve(r *ResultRecord) {
	c.mu.Lock()
	p, ok := c.pending[r.Token]
	if ok {
		delete(c.pending, r.Token)
		if c.inFlight == p {
			c.inFlight = nil
		}
	}
	c.mu.Unlock()
	if !ok {
		// Late result for a token already retired by timeout, or a record we
		// never asked for. Discarding keeps tokens single-use.
		log.Printf("gdbmi: discarding unmatched result record (token %d, class %s)", r.Token, r.Class)
		return
	}
	p.result <- r
}

func (c *correlator) broadcast(r *AsyncRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A stop closes the window in which the debuggee owned the output
	// channels; hand whatever accumulated to every observer of the stop.
	if r.Kind == AsyncExec && r.Class == "stopped" && len(c.orphan) > 0 {
		r.Output = string(c.orphan)
		c.orphan = nil
	}
	for sub := range c.subs {
		if !sub.kinds[r.Kind] {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			// A stalled consumer must never block dispatch.
			log.Printf("gdbmi: dropping async record %q for slow subscriber", r.Class)
		}
	}
}

// appendStream attributes stream text to the command in flight. Commands are
// serialized by the façade, so stream output between a send and its result
// record belongs to that command. Text arriving with no command in flight is
// debuggee-time output (sanitizer reports, crash banners); it is buffered and
// attached to the next stop record.
func (c *correlator) appendStream(r *StreamRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight != nil {
		c.inFlight.capture.WriteString(r.Text)
		return
	}
	c.orphan = append(c.orphan, r.Text...)
	if len(c.orphan) > orphanLimit {
		c.orphan = c.orphan[len(c.orphan)-orphanLimit:]
	}
}

// expect allocates a fresh token and registers its pending request. Tokens
// are monotonically increasing and never reused while outstanding.
func (c *correlator) expect() (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil, errorf(KindProcessTerminated, "debugger process has exited")
	}
	c.nextTok++
	p := &pendingRequest{
		token:    c.nextTok,
		issuedAt: time.Now(),
		result:   make(chan *ResultRecord, 1),
	}
	c.pending[p.token] = p
	c.inFlight = p
	return p, nil
}

// await blocks for the result record. timeout <= 0 waits indefinitely (the
// caller is expected to hold an interrupt path). On timeout the token is
// retired so a late result is discarded rather than delivered stale.
func (c *correlator) await(p *pendingRequest, timeout time.Duration) (*ResultRecord, string, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case r, ok := <-p.result:
		captured := c.takeCapture(p)
		if !ok {
			return nil, captured, errorf(KindProcessTerminated, "debugger process exited before responding")
		}
		return r, captured, nil
	case <-timer:
		c.retire(p)
		return nil, c.takeCapture(p), errorf(KindCommandTimeout, "no result for token %d within %s", p.token, timeout)
	}
}

func (c *correlator) retire(p *pendingRequest) {
	c.mu.Lock()
	delete(c.pending, p.token)
	if c.inFlight == p {
		c.inFlight = nil
	}
	c.mu.Unlock()
}

func (c *correlator) takeCapture(p *pendingRequest) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == p {
		c.inFlight = nil
	}
	return p.capture.String()
}

// pendingCount reports outstanding requests; used to verify tokens are
// retired on timeout.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// subscribe registers for async records of the given kinds.
func (c *correlator) subscribe(kinds ...AsyncKind) *subscription {
	sub := &subscription{kinds: make(map[AsyncKind]bool), ch: make(chan *AsyncRecord, 64)}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	c.mu.Lock()
	if c.terminated {
		close(sub.ch)
	} else {
		c.subs[sub] = true
	}
	c.mu.Unlock()
	return sub
}

func (c *correlator) unsubscribe(sub *subscription) {
	c.mu.Lock()
	if c.subs[sub] {
		delete(c.subs, sub)
		close(sub.ch)
	}
	c.mu.Unlock()
}
