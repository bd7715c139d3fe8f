package store

import "encoding/json"

// Wire protocol between a station's store client and the relay. One JSON
// frame per WebSocket text message.

// Op names, client to relay.
const (
	OpWrite            = "write"
	OpPatch            = "patch"
	OpRemove           = "remove"
	OpPush             = "push"
	OpSubscribe        = "subscribe"
	OpUnsubscribe      = "unsubscribe"
	OpOnDisconnect     = "ondisconnect"
	OpCancelDisconnect = "cancel_disconnect"
)

// Frame types, relay to client.
const (
	FrameAck   = "ack"
	FrameValue = "value"
)

// OpFrame is a client request. ID correlates the relay's ack. Sub carries
// the client-chosen subscription id for subscribe/unsubscribe.
type OpFrame struct {
	Op    string          `json:"op"`
	ID    uint64          `json:"id"`
	Path  string          `json:"path,omitempty"`
	Sub   uint64          `json:"sub,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// EventFrame is a relay response: either the ack for an op (Key set for
// push) or a coalesced value snapshot for a subscription.
type EventFrame struct {
	Type  string          `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	Sub   uint64          `json:"sub,omitempty"`
	Key   string          `json:"key,omitempty"`
	Error string          `json:"error,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}
