package realm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsBackoffMin   = time.Second
	wsBackoffMax   = 30 * time.Second
)

// wsFrame is one message on the router link. The router (an external mesh
// collaborator) echoes published events back to every subscriber whose
// pattern matches, including the publisher itself, in publish order.
type wsFrame struct {
	Type    string          `json:"type"` // hello|sub|unsub|pub|adv|call|result|event
	ID      uint64          `json:"id,omitempty"`
	Node    string          `json:"node,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Proc    string          `json:"proc,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSTransport is the client half of a websocket mesh router link. It keeps
// reconnecting with capped backoff and replays subscriptions and
// advertisements after every reconnect; engine state above it never depends
// on the link staying up.
type WSTransport struct {
	url string
	id  zkidentity.ShortID
	log slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	subs    []*wsSub
	procs   map[string]CallHandler
	pending map[uint64]chan *wsFrame
	closed  bool
}

type wsSub struct {
	owner   *WSTransport
	pattern string
	h       Handler
}

func (s *wsSub) Cancel() {
	t := s.owner
	t.mu.Lock()
	for i, sub := range t.subs {
		if sub == s {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = t.write(&wsFrame{Type: "unsub", Topic: s.pattern})
	}
}

// DialWS connects to a mesh router. The returned transport is usable
// immediately; operations fail with ErrNotConnected until the first
// connect succeeds, and the dial loop keeps retrying in the background.
func DialWS(ctx context.Context, url string, id zkidentity.ShortID, log slog.Logger) *WSTransport {
	ctx, cancel := context.WithCancel(ctx)
	t := &WSTransport{
		url:     url,
		id:      id,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		procs:   make(map[string]CallHandler),
		pending: make(map[uint64]chan *wsFrame),
	}
	go t.run()
	return t
}

func (t *WSTransport) NodeID() zkidentity.ShortID { return t.id }

func (t *WSTransport) run() {
	backoff := wsBackoffMin
	for {
		if t.ctx.Err() != nil {
			return
		}
		conn, err := t.connect()
		if err != nil {
			t.log.Warnf("realm: connect %s failed: %v (retrying in %v)", t.url, err, backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsBackoffMax {
				backoff = wsBackoffMax
			}
			continue
		}
		backoff = wsBackoffMin
		t.log.Infof("realm: connected to %s as %s", t.url, t.id)

		t.readLoop(conn)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		// Orphan every in-flight call; callers get ErrUnreachable.
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
	}
}

func (t *WSTransport) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(t.ctx, t.url, nil)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conn = conn
	subs := append([]*wsSub(nil), t.subs...)
	procs := make([]string, 0, len(t.procs))
	for p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.Unlock()

	// Identify, then replay the standing subscriptions and advertisements.
	if err := t.write(&wsFrame{Type: "hello", Node: t.id.String()}); err != nil {
		conn.Close()
		return nil, err
	}
	for _, s := range subs {
		if err := t.write(&wsFrame{Type: "sub", Topic: s.pattern}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	for _, p := range procs {
		if err := t.write(&wsFrame{Type: "adv", Proc: p}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.log.Debugf("realm: read loop ended: %v", err)
			conn.Close()
			return
		}
		switch f.Type {
		case "event":
			t.dispatchEvent(f.Topic, f.Payload)
		case "result":
			t.mu.Lock()
			ch, ok := t.pending[f.ID]
			if ok {
				delete(t.pending, f.ID)
			}
			t.mu.Unlock()
			if ok {
				fc := f
				ch <- &fc
			}
		case "call":
			go t.answer(&f)
		}
	}
}

func (t *WSTransport) dispatchEvent(topic string, payload []byte) {
	t.mu.Lock()
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

func (t *WSTransport) answer(req *wsFrame) {
	t.mu.Lock()
	h, ok := t.procs[req.Proc]
	t.mu.Unlock()

	res := &wsFrame{Type: "result", ID: req.ID, Proc: req.Proc}
	if !ok {
		res.Error = fmt.Sprintf("no handler for %q", req.Proc)
	} else {
		reply, err := h(t.ctx, req.Payload)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Payload = reply
		}
	}
	if err := t.write(res); err != nil {
		t.log.Debugf("realm: dropping call result for %s: %v", req.Proc, err)
	}
}

// write serializes all writer access to the connection.
func (t *WSTransport) write(f *wsFrame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(f)
}

func (t *WSTransport) Publish(_ context.Context, topic string, payload []byte) error {
	return t.write(&wsFrame{Type: "pub", Topic: topic, Payload: payload})
}

func (t *WSTransport) Subscribe(topic string, h Handler) (Subscription, error) {
	sub := &wsSub{owner: t, pattern: topic, h: h}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.subs = append(t.subs, sub)
	connected := t.conn != nil
	t.mu.Unlock()
	if connected {
		if err := t.write(&wsFrame{Type: "sub", Topic: topic}); err != nil {
			return nil, err
		}
	}
	// If not connected yet the subscription is replayed on connect.
	return sub, nil
}

func (t *WSTransport) Advertise(proc string, h CallHandler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.procs[proc] = h
	connected := t.conn != nil
	t.mu.Unlock()
	if connected {
		return t.write(&wsFrame{Type: "adv", Proc: proc})
	}
	return nil
}

func (t *WSTransport) Call(ctx context.Context, proc string, args []byte, timeout time.Duration) ([]byte, error) {
	id := t.nextID.Add(1)
	ch := make(chan *wsFrame, 1)

	t.mu.Lock()
	if t.conn == nil || t.closed {
		t.mu.Unlock()
		return nil, ErrUnreachable
	}
	t.pending[id] = ch
	t.mu.Unlock()

	err := t.write(&wsFrame{Type: "call", ID: id, Proc: proc, Payload: args})
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ErrUnreachable
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrUnreachable
		}
		if res.Error != "" {
			return nil, fmt.Errorf("realm: call %s: %s", proc, res.Error)
		}
		return res.Payload, nil
	case <-timer.C:
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	t.cancel()
	if conn != nil {
		conn.Close()
	}
	return nil
}
