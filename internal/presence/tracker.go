package presence

import (
	"fmt"
	"log"
	"sync"

	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
)

// Record is one station's broadcast presence. It is owned exclusively by the
// station it describes; every other station only reads it.
type Record struct {
	Online    bool   `json:"online"`
	Busy      bool   `json:"busy"`
	Name      string `json:"name"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Availability is what the engine sees when it decides whether a target can
// be called.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// Tracker publishes this station's presence and mirrors every station's
// record from the shared subtree. Without a working store connection the
// whole network reads as offline: calling fails closed, never open.
type Tracker struct {
	st store.Client

	mu       sync.Mutex
	self     *stations.Station
	lastBusy *bool
	records  map[stations.ID]Record
	ready    bool
	unsub    func()

	// OnChange, when set, fires after each snapshot with a copy of all
	// known records.
	OnChange func(map[stations.ID]Record)
}

func NewTracker(st store.Client) *Tracker {
	return &Tracker{
		st:      st,
		records: make(map[stations.ID]Record),
	}
}

// Start subscribes to the entire presence subtree once.
func (t *Tracker) Start() error {
	if t.st == nil {
		return store.ErrNotConfigured
	}
	unsub, err := t.st.Subscribe(store.PresenceRoot, t.onSnapshot, t.onError)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()
	return nil
}

func (t *Tracker) onSnapshot(snap store.Snapshot) {
	records := make(map[stations.ID]Record)
	if snap != nil {
		var raw map[string]Record
		if err := store.Decode(snap, &raw); err != nil {
			log.Printf("[PRESENCE] bad snapshot: %v", err)
			return
		}
		for id, rec := range raw {
			records[stations.ID(id)] = rec
		}
	}
	t.mu.Lock()
	t.records = records
	t.ready = true
	cb := t.OnChange
	t.mu.Unlock()
	if cb != nil {
		copied := make(map[stations.ID]Record, len(records))
		for id, rec := range records {
			copied[id] = rec
		}
		cb(copied)
	}
}

func (t *Tracker) onError(err error) {
	log.Printf("[PRESENCE] subscription lost: %v", err)
	t.mu.Lock()
	t.ready = false
	t.records = make(map[stations.ID]Record)
	cb := t.OnChange
	t.mu.Unlock()
	if cb != nil {
		cb(map[stations.ID]Record{})
	}
}

// Activate announces this station as online and idle, and arms the store's
// disconnect hook so an unexpected drop still marks it offline — the client
// may have crashed and cannot be trusted to do it.
func (t *Tracker) Activate(st stations.Station) error {
	if t.st == nil {
		return store.ErrNotConfigured
	}
	t.mu.Lock()
	prev := t.self
	t.mu.Unlock()

	if prev != nil && prev.ID != st.ID {
		if err := t.st.CancelDisconnectWrite(store.PresencePath(string(prev.ID))); err != nil {
			log.Printf("[PRESENCE] cancel disconnect write for %s: %v", prev.ID, err)
		}
	}
	path := store.PresencePath(string(st.ID))
	online := map[string]any{
		"online":    true,
		"busy":      false,
		"name":      st.DisplayName,
		"updatedAt": store.ServerTimestamp(),
	}
	if err := t.st.Write(path, online); err != nil {
		return fmt.Errorf("activate %s: %w", st.ID, err)
	}
	offline := map[string]any{
		"online":    false,
		"busy":      false,
		"name":      st.DisplayName,
		"updatedAt": store.ServerTimestamp(),
	}
	if err := t.st.RegisterDisconnectWrite(path, offline); err != nil {
		log.Printf("[PRESENCE] register disconnect write: %v", err)
	}

	t.mu.Lock()
	self := st
	t.self = &self
	f := false
	t.lastBusy = &f
	t.mu.Unlock()
	return nil
}

// Deactivate is the graceful exit path: disarm the disconnect hook and write
// the offline record explicitly.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	self := t.self
	t.self = nil
	t.lastBusy = nil
	t.mu.Unlock()
	if self == nil || t.st == nil {
		return
	}
	path := store.PresencePath(string(self.ID))
	if err := t.st.CancelDisconnectWrite(path); err != nil {
		log.Printf("[PRESENCE] cancel disconnect write: %v", err)
	}
	err := t.st.Write(path, map[string]any{
		"online":    false,
		"busy":      false,
		"name":      self.DisplayName,
		"updatedAt": store.ServerTimestamp(),
	})
	if err != nil {
		log.Printf("[PRESENCE] deactivate write: %v", err)
	}
}

// PatchBusy mirrors "this station is in a call" onto the wire. Idempotent:
// a repeat of the last sent value is skipped. Rapid flips just send the
// latest desired value, no queueing.
func (t *Tracker) PatchBusy(busy bool) error {
	t.mu.Lock()
	self := t.self
	if self == nil {
		t.mu.Unlock()
		return store.ErrNotConfigured
	}
	if t.lastBusy != nil && *t.lastBusy == busy {
		t.mu.Unlock()
		return nil
	}
	b := busy
	t.lastBusy = &b
	t.mu.Unlock()

	err := t.st.Patch(store.PresencePath(string(self.ID)), map[string]any{
		"busy":      busy,
		"updatedAt": store.ServerTimestamp(),
	})
	if err != nil {
		// Forget the optimistic value so the next attempt retries.
		t.mu.Lock()
		t.lastBusy = nil
		t.mu.Unlock()
		return err
	}
	return nil
}

// Availability classifies a target station for call admission.
func (t *Tracker) Availability(id stations.ID) Availability {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return Offline
	}
	rec, ok := t.records[id]
	switch {
	case !ok || !rec.Online:
		return Offline
	case rec.Busy:
		return Busy
	default:
		return Available
	}
}

// Ready reports whether the presence subtree has been observed at least once
// on a live connection.
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Records returns a copy of the last-known presence map.
func (t *Tracker) Records() map[stations.ID]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[stations.ID]Record, len(t.records))
	for id, rec := range t.records {
		out[id] = rec
	}
	return out
}

// Stop cancels the subtree subscription.
func (t *Tracker) Stop() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
