package chat

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"teleconsulta/internal/call"
	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
)

// Message types on the global operator channel.
const (
	TypeText        = "text"
	TypeCallRequest = "call_request"
	TypeCallQueue   = "call_queue"
	TypeSystem      = "system"
)

// Request statuses for actionable messages.
const (
	RequestPending = "pending"
	RequestCalled  = "called"
)

// Request is the embedded call action of a call_request or call_queue
// message. It is the only part of a message ever patched after creation.
type Request struct {
	FromStationID     stations.ID `json:"fromStationId"`
	ToStationID       stations.ID `json:"toStationId"`
	Status            string      `json:"status"`
	CalledByStationID stations.ID `json:"calledByStationId,omitempty"`
	CalledAt          int64       `json:"calledAt,omitempty"`
	CallID            string      `json:"callId,omitempty"`
}

// Message is one entry of the append-only log. Keyed by store push id,
// ordered by server timestamp.
type Message struct {
	ID          string      `json:"-"`
	StationID   stations.ID `json:"stationId"`
	StationName string      `json:"stationName"`
	AuthorName  string      `json:"authorName"`
	Type        string      `json:"type"`
	Text        string      `json:"text"`
	Ts          int64       `json:"ts"`
	Request     *Request    `json:"request,omitempty"`
}

// Caller is the slice of the engine the relay drives for actionable
// messages.
type Caller interface {
	StartOutgoingCall(target stations.ID) error
	AttendQueued(callID string) error
	ActiveCallID() string
}

// ErrDebounced rejects a send arriving inside the double-submit window.
var ErrDebounced = fmt.Errorf("chat: send debounced")

// ErrAlreadyClaimed means another operator already acted on the message.
var ErrAlreadyClaimed = fmt.Errorf("chat: request already taken")

// Relay publishes to and mirrors the global append-only chat log.
type Relay struct {
	st       store.Client
	caller   Caller
	window   int
	debounce time.Duration

	mu       sync.Mutex
	self     stations.Station
	messages []Message
	lastSend time.Time
	unsub    func()

	// OnMessages, when set, fires with the windowed stream after every
	// snapshot.
	OnMessages func([]Message)
}

func NewRelay(st store.Client, window int, debounce time.Duration) *Relay {
	if window <= 0 {
		window = 50
	}
	return &Relay{st: st, window: window, debounce: debounce}
}

// SetCaller wires the engine actions; done late to break the construction
// cycle with the engine's queue announcer.
func (r *Relay) SetCaller(c Caller) {
	r.mu.Lock()
	r.caller = c
	r.mu.Unlock()
}

// Start adopts the station identity and subscribes to the message log.
func (r *Relay) Start(self stations.Station) error {
	if r.st == nil {
		return store.ErrNotConfigured
	}
	r.mu.Lock()
	r.self = self
	r.mu.Unlock()
	unsub, err := r.st.Subscribe(store.ChatMessages, r.onSnapshot, func(err error) {
		log.Printf("[CHAT] subscription lost: %v", err)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
	return nil
}

// SetStation adopts a new station identity mid-session. The global log
// subscription is shared by all stations, so it stays untouched.
func (r *Relay) SetStation(self stations.Station) {
	r.mu.Lock()
	r.self = self
	r.mu.Unlock()
}

// Stop cancels the log subscription.
func (r *Relay) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (r *Relay) onSnapshot(snap store.Snapshot) {
	msgs := make([]Message, 0)
	if snap != nil {
		var raw map[string]Message
		if err := store.Decode(snap, &raw); err != nil {
			log.Printf("[CHAT] bad snapshot: %v", err)
			return
		}
		for id, m := range raw {
			m.ID = id
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Ts != msgs[j].Ts {
			return msgs[i].Ts < msgs[j].Ts
		}
		return msgs[i].ID < msgs[j].ID
	})
	// Display-side windowing only; the log itself is never truncated here.
	if len(msgs) > r.window {
		msgs = msgs[len(msgs)-r.window:]
	}
	r.mu.Lock()
	r.messages = msgs
	cb := r.OnMessages
	r.mu.Unlock()
	if cb != nil {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		cb(out)
	}
}

// Messages returns the current display window.
func (r *Relay) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Publish appends a plain text message. Sends inside the debounce window
// are rejected to absorb accidental double-submits.
func (r *Relay) Publish(authorName, text string) error {
	r.mu.Lock()
	if time.Since(r.lastSend) < r.debounce {
		r.mu.Unlock()
		return ErrDebounced
	}
	r.lastSend = time.Now()
	self := r.self
	r.mu.Unlock()
	return r.push(map[string]any{
		"stationId":   string(self.ID),
		"stationName": self.DisplayName,
		"authorName":  authorName,
		"type":        TypeText,
		"text":        text,
		"ts":          store.ServerTimestamp(),
	})
}

// PublishCallRequest asks the target station to call us back. The same
// debounce window as Publish applies.
func (r *Relay) PublishCallRequest(authorName string, target stations.ID) error {
	r.mu.Lock()
	if time.Since(r.lastSend) < r.debounce {
		r.mu.Unlock()
		return ErrDebounced
	}
	r.lastSend = time.Now()
	self := r.self
	r.mu.Unlock()
	to, ok := stations.Get(target)
	if !ok {
		return fmt.Errorf("chat: unknown station %q", target)
	}
	return r.push(map[string]any{
		"stationId":   string(self.ID),
		"stationName": self.DisplayName,
		"authorName":  authorName,
		"type":        TypeCallRequest,
		"text":        fmt.Sprintf("%s solicita una llamada de %s", self.DisplayName, to.DisplayName),
		"ts":          store.ServerTimestamp(),
		"request": map[string]any{
			"fromStationId": string(self.ID),
			"toStationId":   string(to.ID),
			"status":        RequestPending,
		},
	})
}

// AnnounceQueued publishes the one-time backlog notice for a demoted call.
// Implements the engine's QueueAnnouncer.
func (r *Relay) AnnounceQueued(rec call.Record) {
	r.mu.Lock()
	self := r.self
	r.mu.Unlock()
	err := r.push(map[string]any{
		"stationId":   string(self.ID),
		"stationName": self.DisplayName,
		"authorName":  self.DisplayName,
		"type":        TypeCallQueue,
		"text":        fmt.Sprintf("%s quedó en cola llamando a %s", rec.FromName, rec.ToName),
		"ts":          store.ServerTimestamp(),
		"request": map[string]any{
			"fromStationId": string(rec.FromID),
			"toStationId":   string(rec.ToID),
			"status":        RequestPending,
			"callId":        rec.CallID,
		},
	})
	if err != nil {
		log.Printf("[CHAT] queue notice failed: %v", err)
	}
}

// PublishSystem appends an operator-less system line.
func (r *Relay) PublishSystem(text string) error {
	r.mu.Lock()
	self := r.self
	r.mu.Unlock()
	return r.push(map[string]any{
		"stationId":   string(self.ID),
		"stationName": self.DisplayName,
		"authorName":  "sistema",
		"type":        TypeSystem,
		"text":        text,
		"ts":          store.ServerTimestamp(),
	})
}

func (r *Relay) push(value map[string]any) error {
	if r.st == nil {
		return store.ErrNotConfigured
	}
	key, err := r.st.PushChild(store.ChatMessages)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrConnectivity, err)
	}
	if err := r.st.Write(store.Join(store.ChatMessages, key), value); err != nil {
		return fmt.Errorf("%w: %v", store.ErrConnectivity, err)
	}
	return nil
}

// CallFromRequest acts on a message's embedded request: a call_request
// triggers an outgoing call to the requester, a call_queue attends that
// specific queued call. The claim is best-effort only — first store write
// wins, a racing duplicate dials twice but never corrupts state.
func (r *Relay) CallFromRequest(messageID string) error {
	r.mu.Lock()
	var msg *Message
	for i := range r.messages {
		if r.messages[i].ID == messageID {
			msg = &r.messages[i]
			break
		}
	}
	caller := r.caller
	self := r.self
	r.mu.Unlock()

	if msg == nil || msg.Request == nil {
		return fmt.Errorf("chat: message %s has no request", messageID)
	}
	if msg.Request.Status != RequestPending {
		return ErrAlreadyClaimed
	}
	if caller == nil {
		return store.ErrNotConfigured
	}

	var callID string
	switch msg.Type {
	case TypeCallRequest:
		if err := caller.StartOutgoingCall(msg.Request.FromStationID); err != nil {
			return err
		}
		callID = caller.ActiveCallID()
	case TypeCallQueue:
		callID = msg.Request.CallID
		if err := caller.AttendQueued(callID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("chat: message %s is not actionable", messageID)
	}

	err := r.st.Patch(store.Join(store.ChatMessages, messageID, "request"), map[string]any{
		"status":            RequestCalled,
		"calledByStationId": string(self.ID),
		"calledAt":          store.ServerTimestamp(),
		"callId":            callID,
	})
	if err != nil {
		log.Printf("[CHAT] claim patch failed: %v", err)
	}
	return nil
}
