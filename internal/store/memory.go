package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process tree store. The relay hosts one instance and
// serves it over WebSocket; tests run engines against it directly. Semantics
// match the remote contract: subtree subscriptions with latest-value
// coalescing, timestamp-ordered push keys, server-timestamp resolution and
// per-session disconnect writes.
type MemoryStore struct {
	mu      sync.Mutex
	root    map[string]any
	subs    map[uint64]*memSub
	nextSub uint64

	lastPushMilli int64
	pushSeq       int

	now func() time.Time
}

type memSub struct {
	path    string
	onValue func(Snapshot)
	wake    chan struct{}
	quit    chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root: make(map[string]any),
		subs: make(map[uint64]*memSub),
		now:  time.Now,
	}
}

// NewSession opens an independent client session. Disconnect writes and
// subscriptions registered through it are released when it closes.
func (s *MemoryStore) NewSession() *Session {
	return &Session{
		store:      s,
		disconnect: make(map[string]any),
		unsubs:     make(map[uint64]func()),
	}
}

func (s *MemoryStore) write(path string, value any) error {
	norm, err := s.normalize(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	setNode(s.root, splitPath(path), norm)
	s.notifyLocked(path)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) patch(path string, partial map[string]any) error {
	norm, err := s.normalize(partial)
	if err != nil {
		return err
	}
	m, _ := norm.(map[string]any)
	s.mu.Lock()
	segs := splitPath(path)
	for k, v := range m {
		setNode(s.root, append(append([]string{}, segs...), k), v)
	}
	s.notifyLocked(path)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) remove(path string) error {
	s.mu.Lock()
	setNode(s.root, splitPath(path), nil)
	s.notifyLocked(path)
	s.mu.Unlock()
	return nil
}

// pushKey allocates a unique child key whose lexicographic order follows
// creation time, with a per-millisecond counter as tie-break.
func (s *MemoryStore) pushKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	milli := s.now().UnixMilli()
	if milli == s.lastPushMilli {
		s.pushSeq++
	} else {
		s.lastPushMilli = milli
		s.pushSeq = 0
	}
	return fmt.Sprintf("%013d-%04d", milli, s.pushSeq)
}

func (s *MemoryStore) subscribe(path string, onValue func(Snapshot)) (func(), error) {
	sub := &memSub{
		path:    path,
		onValue: onValue,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()

	go s.deliver(sub)
	sub.wake <- struct{}{} // initial snapshot

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.quit)
		})
	}
	return cancel, nil
}

// deliver reads the current value when woken, so rapid mutations collapse
// into the latest snapshot.
func (s *MemoryStore) deliver(sub *memSub) {
	for {
		select {
		case <-sub.quit:
			return
		case <-sub.wake:
			sub.onValue(s.SnapshotAt(sub.path))
		}
	}
}

func (s *MemoryStore) notifyLocked(changed string) {
	for _, sub := range s.subs {
		if pathsOverlap(sub.path, changed) {
			select {
			case sub.wake <- struct{}{}:
			default:
			}
		}
	}
}

// pathsOverlap reports whether a change at b is visible to a subscription
// rooted at a (one is a prefix of the other, segment-wise).
func pathsOverlap(a, b string) bool {
	as, bs := splitPath(a), splitPath(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// SnapshotAt returns a deep copy of the value at path, nil when absent.
func (s *MemoryStore) SnapshotAt(path string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(getNode(s.root, splitPath(path)))
}

// normalize round-trips value through JSON so stored nodes are plain maps,
// slices and scalars, then resolves server-timestamp sentinels.
func (s *MemoryStore) normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return resolveTimestamps(out, s.now().UnixMilli()), nil
}

func resolveTimestamps(v any, milli int64) any {
	if isServerTimestamp(v) {
		return float64(milli)
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = resolveTimestamps(child, milli)
		}
	case []any:
		for i, child := range t {
			t[i] = resolveTimestamps(child, milli)
		}
	}
	return v
}

func setNode(root map[string]any, segs []string, value any) {
	if len(segs) == 0 {
		return
	}
	if len(segs) == 1 {
		if value == nil {
			delete(root, segs[0])
		} else {
			root[segs[0]] = value
		}
		return
	}
	child, ok := root[segs[0]].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = make(map[string]any)
		root[segs[0]] = child
	}
	setNode(child, segs[1:], value)
	if len(child) == 0 {
		delete(root, segs[0])
	}
}

func getNode(root map[string]any, segs []string) any {
	var cur any = root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}

// Session binds a single client to the store, tracking its subscriptions and
// disconnect writes. It implements Client.
type Session struct {
	store      *MemoryStore
	mu         sync.Mutex
	closed     bool
	disconnect map[string]any
	unsubs     map[uint64]func()
	nextUnsub  uint64
}

var _ Client = (*Session)(nil)

func (c *Session) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Session) Write(path string, value any) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.store.write(path, value)
}

func (c *Session) Patch(path string, partial map[string]any) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.store.patch(path, partial)
}

func (c *Session) Remove(path string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.store.remove(path)
}

func (c *Session) PushChild(path string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	return c.store.pushKey(), nil
}

func (c *Session) Subscribe(path string, onValue func(Snapshot), onErr func(error)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextUnsub++
	id := c.nextUnsub
	c.mu.Unlock()

	cancel, err := c.store.subscribe(path, onValue)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	c.unsubs[id] = cancel
	c.mu.Unlock()
	return func() {
		cancel()
		c.mu.Lock()
		delete(c.unsubs, id)
		c.mu.Unlock()
	}, nil
}

func (c *Session) RegisterDisconnectWrite(path string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.disconnect[path] = value
	return nil
}

func (c *Session) CancelDisconnectWrite(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	delete(c.disconnect, path)
	return nil
}

// Close cancels the session's subscriptions and applies its disconnect
// writes, exactly as the store would on a dropped connection.
func (c *Session) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := make([]func(), 0, len(c.unsubs))
	for _, u := range c.unsubs {
		unsubs = append(unsubs, u)
	}
	pending := c.disconnect
	c.disconnect = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		_ = c.store.write(p, pending[p])
	}
	return nil
}
