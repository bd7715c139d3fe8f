package call

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"teleconsulta/internal/stations"
)

// Status is the closed lifecycle enum of a call record. Values are part of
// the wire format shared by every station; keep them stable.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusQueued    Status = "queued"
	StatusAccepted  Status = "accepted"
	StatusInCall    Status = "in-call"
	StatusEnded     Status = "ended"
	StatusDeclined  Status = "declined"
	StatusMissed    Status = "missed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is a final state: the record will be garbage
// collected a fixed delay after reaching it.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusMissed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// End reasons carried on terminal records.
const (
	ReasonReceiverDeclined = "receiver_declined"
	ReasonNoAnswer         = "no_answer"
	ReasonCallerCancelled  = "caller_cancelled"
	ReasonSuperseded       = "superseded"
	ReasonHangup           = "hangup"
	ReasonRoomClosed       = "room_closed"
	ReasonStationSwitch    = "station_switch"
)

// Record is the signaling document for one call attempt. It lives under the
// callee's inbox, is created by the caller and mutated by whichever party's
// action applies.
type Record struct {
	CallID     string       `json:"callId"`
	Room       string       `json:"room"`
	FromID     stations.ID  `json:"fromId"`
	FromName   string       `json:"fromName"`
	ToID       stations.ID  `json:"toId"`
	ToName     string       `json:"toName"`
	Status     Status       `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  int64        `json:"createdAt"`
	UpdatedAt  int64        `json:"updatedAt"`
	AcceptedAt int64        `json:"acceptedAt,omitempty"`
	EndedAt    int64        `json:"endedAt,omitempty"`
}

// NewID builds a globally unique call id. The millisecond prefix makes
// lexicographic order follow creation time, which is the queue's FIFO
// tie-break; the uuid suffix keeps ids from colliding within a millisecond.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), suffix)
}

// RoomName derives the unique video-room name for a call.
func RoomName(callID string, from, to stations.ID) string {
	return fmt.Sprintf("teleconsulta-%s-%s-%s", from, to, callID)
}

// SortByID orders records by callId, the deterministic queue order that
// caller and callee must compute identically.
func SortByID(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CallID < recs[j].CallID })
}

// Config carries the engine's timing knobs.
type Config struct {
	// RingTimeout auto-fails an unanswered call to missed.
	RingTimeout time.Duration
	// CleanupDelay defers deletion of terminal records so the losing
	// side's listener can still observe the final value.
	CleanupDelay time.Duration
}

// DefaultConfig matches production timings.
func DefaultConfig() Config {
	return Config{
		RingTimeout:  35 * time.Second,
		CleanupDelay: 6 * time.Second,
	}
}
