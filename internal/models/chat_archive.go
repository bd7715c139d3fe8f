package models

import "time"

// ChatArchive mirrors the append-only chat log into MySQL. The realtime
// store keeps only a display window; this table keeps everything.
type ChatArchive struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PushID      string    `gorm:"size:64;uniqueIndex;not null" json:"push_id"`
	StationID   string    `gorm:"size:32;index" json:"station_id"`
	StationName string    `gorm:"size:64" json:"station_name"`
	AuthorName  string    `gorm:"size:64" json:"author_name"`
	Type        string    `gorm:"size:16;index" json:"type"`
	Text        string    `gorm:"type:text" json:"text"`
	Ts          int64     `gorm:"index" json:"ts"` // unix millis, store clock
	CreatedAt   time.Time `json:"created_at"`
}

func (ChatArchive) TableName() string {
	return "chat_archive"
}
