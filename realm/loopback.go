package realm

import (
	"context"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
)

// Bus is an in-process realm. Any number of loopback transports attach to
// one bus; each behaves as an independent node. A transport's own
// subscribers see its publishes synchronously, in publish order; other
// transports on the bus receive them asynchronously and unordered, which
// matches the delivery guarantees of a real mesh closely enough for
// single-process composition and protocol tests.
type Bus struct {
	mu    sync.RWMutex
	nodes []*LoopbackTransport
}

func NewBus() *Bus {
	return &Bus{}
}

// Attach creates a new loopback transport bound to this bus.
func (b *Bus) Attach(id zkidentity.ShortID, log slog.Logger) *LoopbackTransport {
	t := &LoopbackTransport{
		bus:   b,
		id:    id,
		log:   log,
		procs: make(map[string]CallHandler),
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, t)
	b.mu.Unlock()
	return t
}

func (b *Bus) peers() []*LoopbackTransport {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*LoopbackTransport(nil), b.nodes...)
}

func (b *Bus) detach(t *LoopbackTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.nodes {
		if n == t {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// LoopbackTransport is one node's view of a Bus.
type LoopbackTransport struct {
	bus *Bus
	id  zkidentity.ShortID
	log slog.Logger

	mu     sync.Mutex
	subs   []*loopbackSub
	procs  map[string]CallHandler
	closed bool
}

type loopbackSub struct {
	owner   *LoopbackTransport
	pattern string
	h       Handler
}

func (s *loopbackSub) Cancel() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	for i, sub := range s.owner.subs {
		if sub == s {
			s.owner.subs = append(s.owner.subs[:i], s.owner.subs[i+1:]...)
			return
		}
	}
}

func (t *LoopbackTransport) NodeID() zkidentity.ShortID { return t.id }

func (t *LoopbackTransport) Publish(_ context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	// Own subscribers first, synchronously, preserving publish order.
	t.deliver(topic, payload)

	for _, peer := range t.bus.peers() {
		if peer == t {
			continue
		}
		go peer.deliver(topic, payload)
	}
	return nil
}

func (t *LoopbackTransport) deliver(topic string, payload []byte) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	matched := make([]Handler, 0, 4)
	for _, sub := range t.subs {
		if TopicMatch(sub.pattern, topic) {
			matched = append(matched, sub.h)
		}
	}
	t.mu.Unlock()

	for _, h := range matched {
		h(topic, payload)
	}
}

func (t *LoopbackTransport) Subscribe(topic string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrNotConnected
	}
	sub := &loopbackSub{owner: t, pattern: topic, h: h}
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *LoopbackTransport) Advertise(proc string, h CallHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	t.procs[proc] = h
	return nil
}

// Call routes to a peer advertising proc, preferring a remote registrant
// over the caller's own, the way a mesh router would.
func (t *LoopbackTransport) Call(ctx context.Context, proc string, args []byte, timeout time.Duration) ([]byte, error) {
	var target *LoopbackTransport
	var handler CallHandler
	for _, peer := range t.bus.peers() {
		peer.mu.Lock()
		h, ok := peer.procs[proc]
		closed := peer.closed
		peer.mu.Unlock()
		if !ok || closed {
			continue
		}
		if peer != t {
			target, handler = peer, h
			break
		}
		if target == nil {
			target, handler = peer, h
		}
	}
	if target == nil {
		return nil, ErrUnreachable
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		reply []byte
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		reply, err := handler(cctx, args)
		done <- callResult{reply, err}
	}()
	select {
	case res := <-done:
		return res.reply, res.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = nil
	t.mu.Unlock()
	t.bus.detach(t)
	return nil
}
