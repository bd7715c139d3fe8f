package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client is the typed wrapper over the remote tree-structured key-value
// store. All operations may fail on a network partition; callers catch the
// error, log it and degrade to a visible status message. The store offers no
// transactions; the signaling protocol tolerates last-write-wins races
// through status-field semantics.
type Client interface {
	// Write overwrites the subtree at path with value.
	Write(path string, value any) error
	// Patch shallow-merges partial into the node at path.
	Patch(path string, partial map[string]any) error
	// Remove deletes the subtree at path.
	Remove(path string) error
	// PushChild reserves a unique, timestamp-ordered child key under path.
	PushChild(path string) (string, error)
	// Subscribe delivers the current value at path and every later change.
	// Snapshots are coalesced: only convergence to the latest value is
	// guaranteed, never every intermediate transition. The returned
	// function cancels the subscription.
	Subscribe(path string, onValue func(Snapshot), onErr func(error)) (func(), error)
	// RegisterDisconnectWrite arms a pending write that the store applies
	// by itself if this client's connection drops.
	RegisterDisconnectWrite(path string, value any) error
	// CancelDisconnectWrite disarms a previously registered disconnect write.
	CancelDisconnectWrite(path string) error
	// Close releases the session. Disconnect writes registered on it fire.
	Close() error
}

// Snapshot is a decoded JSON value: map[string]any, []any, string, float64,
// bool or nil when the node is absent.
type Snapshot any

var (
	// ErrNotConfigured means the signaling backend is absent; calling is
	// disabled entirely (fail closed).
	ErrNotConfigured = errors.New("store: not configured")
	// ErrConnectivity wraps a failed store operation.
	ErrConnectivity = errors.New("store: connectivity")
	// ErrClosed is returned on operations against a closed session.
	ErrClosed = errors.New("store: session closed")
)

// ServerTimestamp is a placeholder resolved to the store's own clock at
// write time, in unix milliseconds.
func ServerTimestamp() any {
	return map[string]any{".sv": "timestamp"}
}

func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	sv, ok := m[".sv"]
	return ok && sv == "timestamp"
}

// Decode unmarshals a snapshot into out through its JSON form.
func Decode(snap Snapshot, out any) error {
	if snap == nil {
		return fmt.Errorf("store: decode of absent node")
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Join builds a slash-separated store path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Logical path layout shared by every station and the relay.
const (
	PresenceRoot = "presence"
	CallsRoot    = "calls"
	ChatMessages = "chat/global/messages"
)

// PresencePath is presence/{stationId}.
func PresencePath(stationID string) string {
	return Join(PresenceRoot, stationID)
}

// InboxPath is calls/{stationId}, the subtree of calls addressed to a station.
func InboxPath(stationID string) string {
	return Join(CallsRoot, stationID)
}

// CallPath is calls/{stationId}/{callId}.
func CallPath(stationID, callID string) string {
	return Join(CallsRoot, stationID, callID)
}
