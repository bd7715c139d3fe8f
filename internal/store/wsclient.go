package store

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsOpTimeout = 15 * time.Second
)

// WSClient is the remote Client speaking the op/event frame protocol against
// the relay. A dropped connection is not retried here; every subscription's
// onErr fires and the owner decides (presence fails closed).
type WSClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[uint64]chan EventFrame
	subs    map[uint64]*wsSub
}

type wsSub struct {
	onValue func(Snapshot)
	onErr   func(error)
	// latest holds the most recent raw value; the delivery goroutine picks
	// it up when woken, so bursts collapse to the final snapshot.
	mu     sync.Mutex
	latest json.RawMessage
	has    bool
	wake   chan struct{}
	quit   chan struct{}
}

// Dial connects to the relay's store endpoint, e.g.
// ws://relay:8098/ws?token=...
func Dial(url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	c := &WSClient{
		conn:    conn,
		pending: make(map[uint64]chan EventFrame),
		subs:    make(map[uint64]*wsSub),
	}
	go c.readPump()
	return c, nil
}

var _ Client = (*WSClient)(nil)

func (c *WSClient) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrConnectivity, err))
			return
		}
		var ev EventFrame
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("[STORE] bad frame: %v", err)
			continue
		}
		switch ev.Type {
		case FrameAck:
			c.mu.Lock()
			ch := c.pending[ev.ID]
			delete(c.pending, ev.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- ev
			}
		case FrameValue:
			c.mu.Lock()
			sub := c.subs[ev.Sub]
			c.mu.Unlock()
			if sub == nil {
				continue
			}
			sub.mu.Lock()
			sub.latest = ev.Value
			sub.has = true
			sub.mu.Unlock()
			select {
			case sub.wake <- struct{}{}:
			default:
			}
		}
	}
}

// fail tears the client down after a socket error: pending ops and every
// live subscription observe the error.
func (c *WSClient) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- EventFrame{Type: FrameAck, Error: err.Error()}
	}
	for _, sub := range subs {
		close(sub.quit)
		if sub.onErr != nil {
			sub.onErr(err)
		}
	}
	_ = c.conn.Close()
}

func (c *WSClient) roundTrip(f OpFrame) (EventFrame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return EventFrame{}, ErrClosed
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan EventFrame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := c.conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return EventFrame{}, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	select {
	case ev := <-ch:
		if ev.Error != "" {
			return ev, fmt.Errorf("%w: %s", ErrConnectivity, ev.Error)
		}
		return ev, nil
	case <-time.After(wsOpTimeout):
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return EventFrame{}, fmt.Errorf("%w: op timeout", ErrConnectivity)
	}
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *WSClient) Write(path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(OpFrame{Op: OpWrite, Path: path, Value: raw})
	return err
}

func (c *WSClient) Patch(path string, partial map[string]any) error {
	raw, err := marshalValue(partial)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(OpFrame{Op: OpPatch, Path: path, Value: raw})
	return err
}

func (c *WSClient) Remove(path string) error {
	_, err := c.roundTrip(OpFrame{Op: OpRemove, Path: path})
	return err
}

func (c *WSClient) PushChild(path string) (string, error) {
	ev, err := c.roundTrip(OpFrame{Op: OpPush, Path: path})
	if err != nil {
		return "", err
	}
	return ev.Key, nil
}

func (c *WSClient) Subscribe(path string, onValue func(Snapshot), onErr func(error)) (func(), error) {
	sub := &wsSub{
		onValue: onValue,
		onErr:   onErr,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	subID := c.nextID
	c.subs[subID] = sub
	c.mu.Unlock()

	go sub.deliver()

	if _, err := c.roundTrip(OpFrame{Op: OpSubscribe, Path: path, Sub: subID}); err != nil {
		c.mu.Lock()
		if c.subs != nil {
			delete(c.subs, subID)
		}
		c.mu.Unlock()
		close(sub.quit)
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if c.subs != nil {
				delete(c.subs, subID)
			}
			closed := c.closed
			c.mu.Unlock()
			close(sub.quit)
			if !closed {
				_, _ = c.roundTrip(OpFrame{Op: OpUnsubscribe, Sub: subID})
			}
		})
	}
	return cancel, nil
}

func (s *wsSub) deliver() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
			s.mu.Lock()
			raw := s.latest
			has := s.has
			s.mu.Unlock()
			if !has {
				continue
			}
			var snap Snapshot
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &snap); err != nil {
					log.Printf("[STORE] bad snapshot: %v", err)
					continue
				}
			}
			s.onValue(snap)
		}
	}
}

func (c *WSClient) RegisterDisconnectWrite(path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(OpFrame{Op: OpOnDisconnect, Path: path, Value: raw})
	return err
}

func (c *WSClient) CancelDisconnectWrite(path string) error {
	_, err := c.roundTrip(OpFrame{Op: OpCancelDisconnect, Path: path})
	return err
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.pending = nil
	c.mu.Unlock()
	for _, sub := range subs {
		close(sub.quit)
	}
	return c.conn.Close()
}
