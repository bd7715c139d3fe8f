package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"teleconsulta/internal/meeting"
	"teleconsulta/internal/presence"
	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
	"teleconsulta/internal/tone"
)

// State is the local machine's phase. Exactly one call is tracked at a time;
// everything else addressed to this station waits in the queue.
type State string

const (
	StateIdle     State = "idle"
	StateOutgoing State = "outgoing"
	StateIncoming State = "incoming"
	StateInCall   State = "in-call"
	StateEnding   State = "ending"
)

// Snapshot is the UI-facing view of the engine.
type Snapshot struct {
	Station    stations.Station `json:"station"`
	State      State            `json:"state"`
	PeerID     stations.ID      `json:"peerId,omitempty"`
	PeerName   string           `json:"peerName,omitempty"`
	CallID     string           `json:"callId,omitempty"`
	Room       string           `json:"room,omitempty"`
	Queued     bool             `json:"queued,omitempty"` // our outgoing call is parked in the callee's queue
	QueueDepth int              `json:"queueDepth"`
	AudioMuted bool             `json:"audioMuted"`
	VideoMuted bool             `json:"videoMuted"`
}

// Events is the engine's UI sink. Implementations must not call back into
// the engine.
type Events interface {
	StateChanged(Snapshot)
	StatusLine(msg string)
}

// QueueAnnouncer publishes the one-time chat notice when a call is demoted
// to the queue, so operators can see the backlog.
type QueueAnnouncer interface {
	AnnounceQueued(rec Record)
}

// PushNotifier delivers out-of-band pushes for calls nobody answered or
// that had to wait in the queue.
type PushNotifier interface {
	MissedCall(callerName string)
	QueuedCall(callerName string)
}

// ErrSuperseded is not a failure: a newer operation started while this one
// was in flight, so it backed out without touching shared state.
var ErrSuperseded = fmt.Errorf("call: superseded")

// Engine runs one station's call state machine over the shared store. The
// store is the only channel between stations before the room join; there is
// no locking there, so every async continuation captures the operation
// sequence number at entry and aborts if a newer operation has started.
type Engine struct {
	st     store.Client
	pres   *presence.Tracker
	meet   *meeting.Controller
	tones  tone.Player
	cfg    Config
	opts   meeting.Options
	events Events

	announcer QueueAnnouncer
	pusher    PushNotifier

	mu         sync.Mutex
	self       stations.Station
	seq        uint64
	state      State
	active     *Record
	outgoing   bool // active lives in the peer's inbox, we created it
	sawQueued  bool // one-shot notify already played for this outgoing call
	inbox      map[string]Record
	inboxUnsub func()
	watchUnsub func()
	ringTimer  *time.Timer
	notified   map[string]bool
	cleanups   map[string]*time.Timer
	audioMuted bool
	videoMuted bool
	closed     bool
}

func NewEngine(st store.Client, pres *presence.Tracker, meet *meeting.Controller, tones tone.Player, cfg Config, opts meeting.Options, events Events) *Engine {
	return &Engine{
		st:       st,
		pres:     pres,
		meet:     meet,
		tones:    tones,
		cfg:      cfg,
		opts:     opts,
		events:   events,
		state:    StateIdle,
		inbox:    make(map[string]Record),
		notified: make(map[string]bool),
		cleanups: make(map[string]*time.Timer),
	}
}

// SetAnnouncer wires the chat relay's queue-notice publisher.
func (e *Engine) SetAnnouncer(a QueueAnnouncer) {
	e.mu.Lock()
	e.announcer = a
	e.mu.Unlock()
}

// SetPushNotifier wires the out-of-band push service, which may be nil.
func (e *Engine) SetPushNotifier(p PushNotifier) {
	e.mu.Lock()
	e.pusher = p
	e.mu.Unlock()
}

// Start adopts the station identity and subscribes to its inbox.
func (e *Engine) Start(self stations.Station) error {
	if e.st == nil {
		return store.ErrNotConfigured
	}
	e.mu.Lock()
	e.self = self
	e.mu.Unlock()
	unsub, err := e.st.Subscribe(store.InboxPath(string(self.ID)), e.onInboxSnapshot, e.onSignalError)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.inboxUnsub = unsub
	e.mu.Unlock()
	return nil
}

// SwitchStation ends whatever is in flight and re-homes the engine onto a
// new identity. Callers confirm with the operator first when a call is live.
func (e *Engine) SwitchStation(self stations.Station) error {
	e.mu.Lock()
	e.bumpLocked()
	if e.active != nil {
		e.abandonActiveLocked(StatusCancelled, ReasonStationSwitch)
	}
	old := e.inboxUnsub
	e.inboxUnsub = nil
	e.inbox = make(map[string]Record)
	e.notified = make(map[string]bool)
	e.mu.Unlock()
	if old != nil {
		old()
	}
	return e.Start(self)
}

// Busy reports whether a call is in flight, for the identity-switch
// confirmation prompt.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != StateIdle
}

// ActiveCallID returns the id of the call in flight, empty when idle. Used
// by the chat relay to stamp claimed request cards.
func (e *Engine) ActiveCallID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.CallID
}

// Snapshot returns the current UI-facing state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// StartOutgoingCall writes a ringing record into the target's inbox and
// starts watching it. A previous outgoing call is soft-cancelled first: at
// most one live outgoing call exists per caller. Calling a merely-busy
// target is allowed and lands in its queue.
func (e *Engine) StartOutgoingCall(target stations.ID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return store.ErrClosed
	}
	if target == e.self.ID {
		e.mu.Unlock()
		return fmt.Errorf("call: cannot call own station")
	}
	peer, ok := stations.Get(target)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("call: unknown station %q", target)
	}
	if e.st == nil || e.pres == nil || !e.pres.Ready() {
		e.mu.Unlock()
		e.statusLine("Señal no disponible, no se puede llamar")
		return store.ErrNotConfigured
	}
	switch e.state {
	case StateIncoming, StateInCall, StateEnding:
		e.mu.Unlock()
		return fmt.Errorf("call: busy in state %s", e.state)
	case StateOutgoing:
		// Soft-cancel the previous outgoing call before creating a new one.
		prev := *e.active
		e.teardownWatchLocked()
		e.patchRemoteAsync(store.CallPath(string(prev.ToID), prev.CallID), map[string]any{
			"status":    string(StatusCancelled),
			"reason":    ReasonSuperseded,
			"updatedAt": store.ServerTimestamp(),
			"endedAt":   store.ServerTimestamp(),
		})
		e.scheduleCleanupLocked(store.CallPath(string(prev.ToID), prev.CallID))
	}
	if e.pres.Availability(target) == presence.Offline {
		e.mu.Unlock()
		e.statusLine(fmt.Sprintf("%s está desconectado", peer.DisplayName))
		return fmt.Errorf("call: target %s offline", target)
	}

	seq := e.bumpLocked()
	now := time.Now()
	rec := Record{
		CallID:    NewID(now),
		FromID:    e.self.ID,
		FromName:  e.self.DisplayName,
		ToID:      peer.ID,
		ToName:    peer.DisplayName,
		Status:    StatusRinging,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	rec.Room = RoomName(rec.CallID, rec.FromID, rec.ToID)
	e.state = StateOutgoing
	e.active = &rec
	e.outgoing = true
	e.sawQueued = false
	e.tones.PlayLoop(tone.Outgoing)
	e.emitLocked()
	self := e.self
	e.mu.Unlock()

	go e.mirrorBusy(true)
	e.statusLine(fmt.Sprintf("Llamando a %s…", peer.DisplayName))

	path := store.CallPath(string(peer.ID), rec.CallID)
	err := e.st.Write(path, map[string]any{
		"callId":    rec.CallID,
		"room":      rec.Room,
		"fromId":    string(rec.FromID),
		"fromName":  rec.FromName,
		"toId":      string(rec.ToID),
		"toName":    rec.ToName,
		"status":    string(StatusRinging),
		"createdAt": store.ServerTimestamp(),
		"updatedAt": store.ServerTimestamp(),
	})

	e.mu.Lock()
	if !e.currentLocked(seq) {
		e.mu.Unlock()
		// Superseded mid-write: clean up our own partial work.
		if err == nil {
			go func() { _ = e.st.Remove(path) }()
		}
		return ErrSuperseded
	}
	if err != nil {
		log.Printf("[ENGINE] call write failed: %v", err)
		e.resetLocked()
		e.reconcileLocked()
		e.mu.Unlock()
		e.statusLine("No se pudo iniciar la llamada, reintentá")
		return fmt.Errorf("%w: %v", store.ErrConnectivity, err)
	}
	e.armRingTimerLocked(seq)
	e.mu.Unlock()

	unsub, err := e.st.Subscribe(path, func(snap store.Snapshot) {
		e.onOutgoingSnapshot(seq, snap)
	}, e.onSignalError)

	e.mu.Lock()
	if !e.currentLocked(seq) {
		e.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return ErrSuperseded
	}
	if err != nil {
		log.Printf("[ENGINE] call watch failed: %v", err)
		e.resetLocked()
		e.reconcileLocked()
		e.mu.Unlock()
		go func() { _ = e.st.Remove(path) }()
		e.statusLine("Señal perdida durante la llamada")
		return fmt.Errorf("%w: %v", store.ErrConnectivity, err)
	}
	e.watchUnsub = unsub
	host := self.Host
	e.mu.Unlock()

	// A host station creates the room eagerly so it exists before the
	// callee joins.
	if host {
		e.mountRoom(seq, rec)
	}
	return nil
}

// AcceptIncomingCall patches the active call to accepted and joins the room.
// A no-op outside the incoming state.
func (e *Engine) AcceptIncomingCall() error {
	e.mu.Lock()
	if e.state != StateIncoming || e.active == nil {
		e.mu.Unlock()
		return nil
	}
	seq := e.bumpLocked()
	e.stopRingTimerLocked()
	rec := *e.active
	e.mu.Unlock()

	path := store.CallPath(string(e.selfID()), rec.CallID)
	err := e.st.Patch(path, map[string]any{
		"status":     string(StatusAccepted),
		"acceptedAt": store.ServerTimestamp(),
		"updatedAt":  store.ServerTimestamp(),
	})

	e.mu.Lock()
	if !e.currentLocked(seq) {
		e.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		// Do not transition on a failed write; surface and stay incoming.
		e.armRingTimerLocked(seq)
		e.mu.Unlock()
		log.Printf("[ENGINE] accept patch failed: %v", err)
		e.statusLine("No se pudo aceptar la llamada")
		return fmt.Errorf("%w: %v", store.ErrConnectivity, err)
	}
	e.tones.StopAll()
	e.active.Status = StatusAccepted
	e.emitLocked()
	e.mu.Unlock()

	e.statusLine(fmt.Sprintf("Conectando con %s…", rec.FromName))
	e.mountRoom(seq, rec)
	return nil
}

// DeclineIncomingCall rejects the active incoming call and frees the
// machine for the next queued one.
func (e *Engine) DeclineIncomingCall() error {
	e.mu.Lock()
	if e.state != StateIncoming || e.active == nil {
		e.mu.Unlock()
		return nil
	}
	e.bumpLocked()
	rec := *e.active
	e.patchRemoteAsync(store.CallPath(string(e.self.ID), rec.CallID), map[string]any{
		"status":    string(StatusDeclined),
		"reason":    ReasonReceiverDeclined,
		"updatedAt": store.ServerTimestamp(),
		"endedAt":   store.ServerTimestamp(),
	})
	e.scheduleCleanupLocked(store.CallPath(string(e.self.ID), rec.CallID))
	e.resetLocked()
	e.reconcileLocked()
	e.mu.Unlock()

	go e.mirrorBusy(false)
	e.statusLine("Llamada rechazada")
	return nil
}

// Hangup ends the active call from any live state, passing through the
// ending guard so a re-entrant call cannot slip in.
func (e *Engine) Hangup(reason string) error {
	if reason == "" {
		reason = ReasonHangup
	}
	e.mu.Lock()
	switch e.state {
	case StateOutgoing, StateIncoming, StateInCall:
	default:
		e.mu.Unlock()
		return nil
	}
	wasInCall := e.state == StateInCall
	e.state = StateEnding
	e.emitLocked()
	e.bumpLocked()
	rec := *e.active
	wasOutgoing := e.outgoing
	e.teardownWatchLocked()

	inboxOwner := string(e.self.ID)
	if wasOutgoing {
		inboxOwner = string(rec.ToID)
	}
	path := store.CallPath(inboxOwner, rec.CallID)
	status := StatusEnded
	if wasOutgoing && (rec.Status == StatusRinging || rec.Status == StatusQueued) {
		// Never answered: cancel rather than end.
		status = StatusCancelled
		if reason == ReasonHangup {
			reason = ReasonCallerCancelled
		}
	}
	e.patchRemoteAsync(path, map[string]any{
		"status":    string(status),
		"reason":    reason,
		"updatedAt": store.ServerTimestamp(),
		"endedAt":   store.ServerTimestamp(),
	})
	e.scheduleCleanupLocked(path)
	if wasInCall {
		// The widget leaves the room first so the peer sees a clean exit
		// before the mount is torn down.
		_ = e.meet.Hangup()
	}
	e.resetLocked()
	e.reconcileLocked()
	e.mu.Unlock()

	go e.mirrorBusy(false)
	e.statusLine("Llamada finalizada")
	return nil
}

// AttendQueued promotes one specific queued call ahead of the FIFO wait, the
// chat "attend queue" action.
func (e *Engine) AttendQueued(callID string) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("call: busy in state %s", e.state)
	}
	rec, ok := e.inbox[callID]
	if !ok || rec.Status != StatusQueued {
		e.mu.Unlock()
		return fmt.Errorf("call: queued call %s is gone", callID)
	}
	e.mu.Unlock()

	err := e.st.Patch(store.CallPath(string(e.selfID()), callID), map[string]any{
		"status":    string(StatusRinging),
		"updatedAt": store.ServerTimestamp(),
	})
	if err != nil {
		e.statusLine("No se pudo atender la llamada en cola")
		return fmt.Errorf("%w: %v", store.ErrConnectivity, err)
	}
	// The inbox snapshot echo turns it into the active incoming call.
	return nil
}

// ToggleAudio forwards the mute command to the mounted room.
func (e *Engine) ToggleAudio() error { return e.meet.ToggleAudio() }

// ToggleVideo forwards the camera command to the mounted room.
func (e *Engine) ToggleVideo() error { return e.meet.ToggleVideo() }

// QueueSnapshot lists the calls currently parked for this station, in
// promotion order.
func (e *Engine) QueueSnapshot() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.inbox))
	for _, rec := range e.inbox {
		if rec.Status == StatusQueued {
			out = append(out, rec)
		}
	}
	SortByID(out)
	return out
}

// Shutdown cancels everything in flight: bump the sequence, best-effort
// terminal patch, dispose the mount, clear all timers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.bumpLocked()
	if e.active != nil {
		e.abandonActiveLocked(StatusCancelled, ReasonStationSwitch)
	}
	e.closed = true
	inboxUnsub := e.inboxUnsub
	e.inboxUnsub = nil
	for _, t := range e.cleanups {
		t.Stop()
	}
	e.cleanups = make(map[string]*time.Timer)
	e.mu.Unlock()
	if inboxUnsub != nil {
		inboxUnsub()
	}
	e.tones.StopAll()
	e.meet.Dispose()
}

// --- internal machinery ---

func (e *Engine) bumpLocked() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) currentLocked(seq uint64) bool {
	return e.seq == seq && !e.closed
}

func (e *Engine) selfID() stations.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self.ID
}

// abandonActiveLocked best-effort patches the active record to a terminal
// status and tears local state down, without the ending ceremony.
func (e *Engine) abandonActiveLocked(status Status, reason string) {
	rec := *e.active
	owner := string(e.self.ID)
	if e.outgoing {
		owner = string(rec.ToID)
	}
	path := store.CallPath(owner, rec.CallID)
	e.patchRemoteAsync(path, map[string]any{
		"status":    string(status),
		"reason":    reason,
		"updatedAt": store.ServerTimestamp(),
		"endedAt":   store.ServerTimestamp(),
	})
	e.teardownWatchLocked()
	e.resetLocked()
}

// resetLocked returns the machine to idle: tones off, timers cleared,
// meeting disposed, no active call. The sequence bump supersedes every
// continuation still in flight; without it a remote terminal landing during
// an unlocked store write would leave the continuation touching a call that
// no longer exists.
func (e *Engine) resetLocked() {
	e.bumpLocked()
	e.stopRingTimerLocked()
	e.teardownWatchLocked()
	e.tones.StopAll()
	e.meet.Dispose()
	e.active = nil
	e.outgoing = false
	e.sawQueued = false
	e.audioMuted = false
	e.videoMuted = false
	e.state = StateIdle
	e.emitLocked()
}

func (e *Engine) teardownWatchLocked() {
	if e.watchUnsub != nil {
		unsub := e.watchUnsub
		e.watchUnsub = nil
		go unsub()
	}
	e.stopRingTimerLocked()
}

func (e *Engine) armRingTimerLocked(seq uint64) {
	e.stopRingTimerLocked()
	e.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.onRingTimeout(seq) })
}

func (e *Engine) stopRingTimerLocked() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

// onRingTimeout fires when nobody answered within the window, on either
// side of the call.
func (e *Engine) onRingTimeout(seq uint64) {
	e.mu.Lock()
	if !e.currentLocked(seq) || e.active == nil {
		e.mu.Unlock()
		return
	}
	rec := *e.active
	wasOutgoing := e.outgoing
	owner := string(e.self.ID)
	if wasOutgoing {
		owner = string(rec.ToID)
	}
	path := store.CallPath(owner, rec.CallID)
	e.patchRemoteAsync(path, map[string]any{
		"status":    string(StatusMissed),
		"reason":    ReasonNoAnswer,
		"updatedAt": store.ServerTimestamp(),
		"endedAt":   store.ServerTimestamp(),
	})
	e.scheduleCleanupLocked(path)
	pusher := e.pusher
	e.resetLocked()
	e.reconcileLocked()
	e.mu.Unlock()

	go e.mirrorBusy(false)
	if wasOutgoing {
		e.statusLine(fmt.Sprintf("%s no responde", rec.ToName))
	} else {
		e.statusLine(fmt.Sprintf("Llamada perdida de %s", rec.FromName))
		if pusher != nil {
			pusher.MissedCall(rec.FromName)
		}
	}
}

// onInboxSnapshot is the inbox reconciliation entry point, fired on every
// snapshot of this station's own call subtree.
func (e *Engine) onInboxSnapshot(snap store.Snapshot) {
	inbox := make(map[string]Record)
	if snap != nil {
		var raw map[string]Record
		if err := store.Decode(snap, &raw); err != nil {
			log.Printf("[ENGINE] bad inbox snapshot: %v", err)
			return
		}
		inbox = raw
	}
	e.mu.Lock()
	e.inbox = inbox
	e.reconcileLocked()
	e.mu.Unlock()
}

// reconcileLocked replays the whole inbox against the local machine:
// terminal detection for the active incoming call, demotion of ringing
// calls while busy, promotion of the queue head when idle, and deferred
// cleanup of terminal records.
func (e *Engine) reconcileLocked() {
	if e.closed {
		return
	}
	// The active incoming call's record disappeared or was terminated by
	// the remote side.
	if e.active != nil && !e.outgoing {
		rec, ok := e.inbox[e.active.CallID]
		switch {
		case !ok:
			e.remoteTerminalLocked(*e.active, StatusEnded, "")
			return
		case rec.Status.Terminal():
			e.remoteTerminalLocked(rec, rec.Status, rec.Reason)
			return
		default:
			copied := rec
			e.active = &copied
		}
	}

	recs := make([]Record, 0, len(e.inbox))
	for _, rec := range e.inbox {
		recs = append(recs, rec)
	}
	SortByID(recs)

	// Promotion first: when idle, a ringing record (freshly arrived or
	// explicitly promoted) beats the queue; otherwise the earliest queued
	// call is rung again. Both sides compute this order identically.
	if e.state == StateIdle {
		var head *Record
		for i := range recs {
			if recs[i].Status == StatusRinging {
				head = &recs[i]
				break
			}
		}
		if head == nil {
			for i := range recs {
				if recs[i].Status == StatusQueued {
					head = &recs[i]
					break
				}
			}
		}
		if head != nil {
			if head.Status == StatusQueued {
				e.patchRemoteAsync(store.CallPath(string(e.self.ID), head.CallID), map[string]any{
					"status":    string(StatusRinging),
					"updatedAt": store.ServerTimestamp(),
				})
				// The echo snapshot completes the promotion.
			} else {
				e.becomeIncomingLocked(*head)
			}
		}
	}

	// Demotion: while occupied, every other ringing call parks in the
	// queue, each announced on chat exactly once.
	busy := e.state != StateIdle
	for _, rec := range recs {
		if e.active != nil && rec.CallID == e.active.CallID {
			continue
		}
		switch {
		case rec.Status.Terminal():
			e.scheduleCleanupLocked(store.CallPath(string(e.self.ID), rec.CallID))
		case rec.Status == StatusRinging && busy:
			e.patchRemoteAsync(store.CallPath(string(e.self.ID), rec.CallID), map[string]any{
				"status":    string(StatusQueued),
				"updatedAt": store.ServerTimestamp(),
			})
			if !e.notified[rec.CallID] {
				e.notified[rec.CallID] = true
				e.tones.PlayOnce(tone.Notify)
				if e.announcer != nil {
					go e.announcer.AnnounceQueued(rec)
				}
				if e.pusher != nil {
					go e.pusher.QueuedCall(rec.FromName)
				}
			}
		}
	}
	e.emitLocked()
}

func (e *Engine) becomeIncomingLocked(rec Record) {
	seq := e.bumpLocked()
	copied := rec
	e.active = &copied
	e.outgoing = false
	e.state = StateIncoming
	e.tones.PlayLoop(tone.Incoming)
	e.armRingTimerLocked(seq)
	e.emitLocked()
	go e.mirrorBusy(true)
	e.statusLineAsync(fmt.Sprintf("Llamada entrante de %s", rec.FromName))
}

// remoteTerminalLocked handles the active call reaching a terminal value by
// the remote party's hand.
func (e *Engine) remoteTerminalLocked(rec Record, status Status, reason string) {
	e.scheduleCleanupLocked(store.CallPath(string(e.self.ID), rec.CallID))
	e.resetLocked()
	e.reconcileLocked()
	go e.mirrorBusy(false)
	e.statusLineAsync(terminalMessage(rec, status, reason))
}

// onOutgoingSnapshot watches the record we wrote into the callee's inbox.
func (e *Engine) onOutgoingSnapshot(seq uint64, snap store.Snapshot) {
	e.mu.Lock()
	if !e.currentLocked(seq) || e.active == nil || !e.outgoing {
		e.mu.Unlock()
		return
	}
	if snap == nil {
		// Record vanished before we saw a terminal status.
		rec := *e.active
		e.resetLocked()
		e.reconcileLocked()
		e.mu.Unlock()
		go e.mirrorBusy(false)
		e.statusLine(terminalMessage(rec, StatusEnded, ""))
		return
	}
	var rec Record
	if err := store.Decode(snap, &rec); err != nil {
		e.mu.Unlock()
		log.Printf("[ENGINE] bad call snapshot: %v", err)
		return
	}
	copied := rec
	e.active = &copied

	switch rec.Status {
	case StatusRinging:
		e.armRingTimerLocked(seq)
		e.emitLocked()
		e.mu.Unlock()
	case StatusQueued:
		e.stopRingTimerLocked()
		e.tones.Stop(tone.Outgoing)
		first := !e.sawQueued
		e.sawQueued = true
		e.emitLocked()
		e.mu.Unlock()
		if first {
			e.tones.PlayOnce(tone.Notify)
			e.statusLine(fmt.Sprintf("%s está ocupado, llamada en cola", rec.ToName))
		}
	case StatusAccepted, StatusInCall:
		e.stopRingTimerLocked()
		e.tones.Stop(tone.Outgoing)
		mounted := e.meet.Mounted()
		e.emitLocked()
		e.mu.Unlock()
		if !mounted {
			e.mountRoom(seq, rec)
		}
	default:
		if rec.Status.Terminal() {
			e.resetLocked()
			e.reconcileLocked()
			e.mu.Unlock()
			go e.mirrorBusy(false)
			e.statusLine(terminalMessage(rec, rec.Status, rec.Reason))
			return
		}
		e.emitLocked()
		e.mu.Unlock()
	}
}

// mountRoom joins the meeting for the given call. Runs outside the engine
// lock; every side effect re-checks the sequence number.
func (e *Engine) mountRoom(seq uint64, rec Record) {
	e.mu.Lock()
	if !e.currentLocked(seq) {
		e.mu.Unlock()
		return
	}
	display := e.self.DisplayName
	e.mu.Unlock()

	err := e.meet.Mount(rec.Room, display, e.opts, meeting.Callbacks{
		ConferenceJoined:  func() { e.onConferenceJoined(seq) },
		ReadyToClose:      func() { e.onReadyToClose(seq) },
		ParticipantJoined: func() { log.Printf("[ENGINE] participant joined %s", rec.Room) },
		AudioMuteChanged:  func(m bool) { e.onMuteChanged(seq, true, m) },
		VideoMuteChanged:  func(m bool) { e.onMuteChanged(seq, false, m) },
	})
	if err != nil {
		log.Printf("[ENGINE] room mount failed: %v", err)
		e.statusLine("No se pudo abrir la sala de video")
		return
	}
	e.mu.Lock()
	if !e.currentLocked(seq) {
		// A newer operation won while we were mounting: undo our work.
		e.mu.Unlock()
		e.meet.Dispose()
		return
	}
	e.mu.Unlock()
}

func (e *Engine) onConferenceJoined(seq uint64) {
	e.mu.Lock()
	if !e.currentLocked(seq) || e.active == nil {
		e.mu.Unlock()
		return
	}
	rec := *e.active
	callee := !e.outgoing
	if e.state != StateInCall {
		e.state = StateInCall
		e.tones.StopAll()
		e.emitLocked()
	}
	e.mu.Unlock()

	if callee {
		// The callee stamps the record once it is actually in the room.
		e.patchRemoteAsync(store.CallPath(string(e.selfID()), rec.CallID), map[string]any{
			"status":    string(StatusInCall),
			"updatedAt": store.ServerTimestamp(),
		})
	}
	e.statusLine(fmt.Sprintf("En llamada con %s", peerName(rec, callee)))
}

func (e *Engine) onReadyToClose(seq uint64) {
	e.mu.Lock()
	current := e.currentLocked(seq)
	e.mu.Unlock()
	if current {
		_ = e.Hangup(ReasonRoomClosed)
	}
}

func (e *Engine) onMuteChanged(seq uint64, audio, muted bool) {
	e.mu.Lock()
	if !e.currentLocked(seq) {
		e.mu.Unlock()
		return
	}
	if audio {
		e.audioMuted = muted
	} else {
		e.videoMuted = muted
	}
	e.emitLocked()
	e.mu.Unlock()
}

func (e *Engine) onSignalError(err error) {
	log.Printf("[ENGINE] signaling error: %v", err)
	e.statusLine("Conexión de señal perdida")
}

// scheduleCleanupLocked defers deletion of a terminal record so the other
// side's listener can still observe the final value before the node goes.
func (e *Engine) scheduleCleanupLocked(path string) {
	if _, ok := e.cleanups[path]; ok {
		return
	}
	e.cleanups[path] = time.AfterFunc(e.cfg.CleanupDelay, func() {
		if err := e.st.Remove(path); err != nil {
			log.Printf("[ENGINE] cleanup %s: %v", path, err)
		}
		e.mu.Lock()
		delete(e.cleanups, path)
		e.mu.Unlock()
	})
}

// patchRemoteAsync fires a best-effort patch without blocking the state
// machine; a lost write is tolerated, the peer's own timeout converges.
func (e *Engine) patchRemoteAsync(path string, partial map[string]any) {
	st := e.st
	go func() {
		if err := st.Patch(path, partial); err != nil {
			log.Printf("[ENGINE] patch %s failed: %v", path, err)
		}
	}()
}

func (e *Engine) mirrorBusy(busy bool) {
	if e.pres == nil {
		return
	}
	if err := e.pres.PatchBusy(busy); err != nil {
		log.Printf("[ENGINE] busy mirror: %v", err)
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Station:    e.self,
		State:      e.state,
		AudioMuted: e.audioMuted,
		VideoMuted: e.videoMuted,
	}
	if e.active != nil {
		snap.CallID = e.active.CallID
		snap.Room = e.active.Room
		if e.outgoing {
			snap.PeerID = e.active.ToID
			snap.PeerName = e.active.ToName
			snap.Queued = e.active.Status == StatusQueued
		} else {
			snap.PeerID = e.active.FromID
			snap.PeerName = e.active.FromName
		}
	}
	for _, rec := range e.inbox {
		if rec.Status == StatusQueued {
			snap.QueueDepth++
		}
	}
	return snap
}

func (e *Engine) emitLocked() {
	if e.events == nil {
		return
	}
	snap := e.snapshotLocked()
	e.events.StateChanged(snap)
}

func (e *Engine) statusLine(msg string) {
	if e.events != nil {
		e.events.StatusLine(msg)
	}
}

func (e *Engine) statusLineAsync(msg string) {
	if e.events != nil {
		go e.events.StatusLine(msg)
	}
}

func peerName(rec Record, callee bool) string {
	if callee {
		return rec.FromName
	}
	return rec.ToName
}

func terminalMessage(rec Record, status Status, reason string) string {
	switch status {
	case StatusDeclined:
		return fmt.Sprintf("%s rechazó la llamada", rec.ToName)
	case StatusMissed, StatusTimeout:
		return "Sin respuesta"
	case StatusCancelled:
		if reason == ReasonSuperseded {
			return "Llamada reemplazada"
		}
		return "Llamada cancelada"
	default:
		return "Llamada finalizada"
	}
}
