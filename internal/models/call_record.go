package models

import (
	"time"
)

// CallRecord is the archived history row for a call that reached a terminal
// status. The live signaling document lives in the realtime store and is
// garbage-collected; this is what the history endpoints serve.
type CallRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CallID     string    `gorm:"size:64;uniqueIndex;not null" json:"call_id"`
	Room       string    `gorm:"size:128" json:"room"`
	FromID     string    `gorm:"size:32;index" json:"from_id"`
	FromName   string    `gorm:"size:64" json:"from_name"`
	ToID       string    `gorm:"size:32;index" json:"to_id"`
	ToName     string    `gorm:"size:64" json:"to_name"`
	Status     string    `gorm:"size:16;index" json:"status"`
	Reason     string    `gorm:"size:32" json:"reason"`
	StartedAt  int64     `json:"started_at"`  // unix millis, store clock
	AcceptedAt int64     `json:"accepted_at"` // zero when never answered
	EndedAt    int64     `json:"ended_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}
