package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"teleconsulta/internal/call"
	"teleconsulta/internal/chat"
	"teleconsulta/internal/presence"
	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
)

// StationHandler exposes the local operator API: engine actions, chat, and
// presence. It runs on the station agent only and is consumed by the
// operator UI on the same machine.
type StationHandler struct {
	engine *call.Engine
	relay  *chat.Relay
	pres   *presence.Tracker

	// switchTo re-registers the whole agent under a new identity; wired by
	// the composition root because it spans engine, presence and chat.
	switchTo func(stations.Station) error
}

func NewStationHandler(engine *call.Engine, relay *chat.Relay, pres *presence.Tracker, switchTo func(stations.Station) error) *StationHandler {
	return &StationHandler{engine: engine, relay: relay, pres: pres, switchTo: switchTo}
}

type presenceEntry struct {
	ID           stations.ID           `json:"id"`
	DisplayName  string                `json:"displayName"`
	Host         bool                  `json:"host"`
	Availability presence.Availability `json:"availability"`
}

// State returns everything the UI needs to render: engine snapshot, the
// presence board and the chat window.
func (h *StationHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"call":     h.engine.Snapshot(),
		"queue":    h.engine.QueueSnapshot(),
		"presence": h.presenceBoard(),
		"chat":     h.relay.Messages(),
	})
}

func (h *StationHandler) Presence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stations": h.presenceBoard()})
}

func (h *StationHandler) presenceBoard() []presenceEntry {
	self := h.engine.Snapshot().Station.ID
	var board []presenceEntry
	for _, st := range stations.All() {
		if st.ID == self {
			continue
		}
		board = append(board, presenceEntry{
			ID:           st.ID,
			DisplayName:  st.DisplayName,
			Host:         st.Host,
			Availability: h.pres.Availability(st.ID),
		})
	}
	return board
}

// StartCall rings the target station, replacing any outgoing call already
// in flight.
func (h *StationHandler) StartCall(c *gin.Context) {
	target, ok := stations.Normalize(c.Param("target"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown station"})
		return
	}
	if err := h.engine.StartOutgoingCall(target); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

func (h *StationHandler) Accept(c *gin.Context) {
	if err := h.engine.AcceptIncomingCall(); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

func (h *StationHandler) Decline(c *gin.Context) {
	if err := h.engine.DeclineIncomingCall(); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

func (h *StationHandler) Hangup(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = call.ReasonHangup
	}
	if err := h.engine.Hangup(req.Reason); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

// Attend promotes a parked call to ringing so its caller retries us.
func (h *StationHandler) Attend(c *gin.Context) {
	var req struct {
		CallID string `json:"callId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callId is required"})
		return
	}
	if err := h.engine.AttendQueued(req.CallID); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": h.engine.QueueSnapshot()})
}

func (h *StationHandler) ToggleAudio(c *gin.Context) {
	if err := h.engine.ToggleAudio(); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

func (h *StationHandler) ToggleVideo(c *gin.Context) {
	if err := h.engine.ToggleVideo(); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

// PublishChat appends a plain text line to the global log.
func (h *StationHandler) PublishChat(c *gin.Context) {
	var req struct {
		Author string `json:"author" binding:"required"`
		Text   string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "author and text are required"})
		return
	}
	if err := h.relay.Publish(req.Author, req.Text); err != nil {
		if errors.Is(err, chat.ErrDebounced) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.relay.Messages()})
}

// PublishCallRequest posts an actionable "please call me" card addressed to
// the target station.
func (h *StationHandler) PublishCallRequest(c *gin.Context) {
	var req struct {
		Author string `json:"author" binding:"required"`
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "author and target are required"})
		return
	}
	target, ok := stations.Normalize(req.Target)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown station"})
		return
	}
	if err := h.relay.PublishCallRequest(req.Author, target); err != nil {
		if errors.Is(err, chat.ErrDebounced) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.relay.Messages()})
}

// CallFromChat acts on a pending request card: returns the call or attends
// the queued entry it refers to.
func (h *StationHandler) CallFromChat(c *gin.Context) {
	if err := h.relay.CallFromRequest(c.Param("id")); err != nil {
		if errors.Is(err, chat.ErrAlreadyClaimed) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

// SwitchStation re-homes the agent under another identity. A switch while a
// call is live abandons it, so those need confirm=true.
func (h *StationHandler) SwitchStation(c *gin.Context) {
	var req struct {
		Station string `json:"station" binding:"required"`
		Confirm bool   `json:"confirm"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "station is required"})
		return
	}
	id, ok := stations.Normalize(req.Station)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown station"})
		return
	}
	if h.engine.Busy() && !req.Confirm {
		c.JSON(http.StatusConflict, gin.H{"error": "a call is in progress; confirm to abandon it"})
		return
	}
	st, _ := stations.Get(id)
	if err := h.switchTo(st); err != nil {
		log.Printf("[STATION] switch to %s failed: %v", id, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": h.engine.Snapshot()})
}

// callErrStatus maps engine errors onto HTTP codes. Superseded operations
// and state no-ops are client errors, connectivity is upstream.
func callErrStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotConfigured), errors.Is(err, store.ErrConnectivity), errors.Is(err, store.ErrClosed):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrSuperseded):
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}
