package relay

import (
	"log"

	"teleconsulta/internal/call"
	"teleconsulta/internal/chat"
	"teleconsulta/internal/models"
	"teleconsulta/internal/repository"
	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
)

// Archiver mirrors terminal call records and chat messages from the live
// store into MySQL before the store garbage-collects them. Duplicate
// snapshots are absorbed by the repositories' insert-once semantics.
type Archiver struct {
	session  *store.Session
	callRepo *repository.CallLogRepository
	chatRepo *repository.ChatLogRepository
	unsubs   []func()
}

func NewArchiver(st *store.MemoryStore, callRepo *repository.CallLogRepository, chatRepo *repository.ChatLogRepository) *Archiver {
	return &Archiver{
		session:  st.NewSession(),
		callRepo: callRepo,
		chatRepo: chatRepo,
	}
}

// Start subscribes to the call and chat subtrees.
func (a *Archiver) Start() error {
	if a.callRepo != nil {
		unsub, err := a.session.Subscribe(store.CallsRoot, a.onCalls, nil)
		if err != nil {
			return err
		}
		a.unsubs = append(a.unsubs, unsub)
	}
	if a.chatRepo != nil {
		unsub, err := a.session.Subscribe(store.ChatMessages, a.onChat, nil)
		if err != nil {
			return err
		}
		a.unsubs = append(a.unsubs, unsub)
	}
	return nil
}

func (a *Archiver) Stop() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	_ = a.session.Close()
}

func (a *Archiver) onCalls(snap store.Snapshot) {
	if snap == nil {
		return
	}
	var inboxes map[stations.ID]map[string]call.Record
	if err := store.Decode(snap, &inboxes); err != nil {
		log.Printf("[ARCHIVE] bad calls snapshot: %v", err)
		return
	}
	for _, inbox := range inboxes {
		for _, rec := range inbox {
			if !rec.Status.Terminal() {
				continue
			}
			err := a.callRepo.Record(&models.CallRecord{
				CallID:     rec.CallID,
				Room:       rec.Room,
				FromID:     string(rec.FromID),
				FromName:   rec.FromName,
				ToID:       string(rec.ToID),
				ToName:     rec.ToName,
				Status:     string(rec.Status),
				Reason:     rec.Reason,
				StartedAt:  rec.CreatedAt,
				AcceptedAt: rec.AcceptedAt,
				EndedAt:    rec.EndedAt,
			})
			if err != nil {
				log.Printf("[ARCHIVE] call %s: %v", rec.CallID, err)
			}
		}
	}
}

func (a *Archiver) onChat(snap store.Snapshot) {
	if snap == nil {
		return
	}
	var msgs map[string]chat.Message
	if err := store.Decode(snap, &msgs); err != nil {
		log.Printf("[ARCHIVE] bad chat snapshot: %v", err)
		return
	}
	for id, msg := range msgs {
		err := a.chatRepo.Archive(&models.ChatArchive{
			PushID:      id,
			StationID:   string(msg.StationID),
			StationName: msg.StationName,
			AuthorName:  msg.AuthorName,
			Type:        msg.Type,
			Text:        msg.Text,
			Ts:          msg.Ts,
		})
		if err != nil {
			log.Printf("[ARCHIVE] chat %s: %v", id, err)
		}
	}
}
