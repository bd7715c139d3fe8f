package relay

import (
	"net/http"
	"strconv"

	"teleconsulta/config"
	"teleconsulta/internal/auth"
	"teleconsulta/internal/repository"
	"teleconsulta/internal/stations"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler issues station tokens for the store socket. The access code
// is shared by all stations; this gate is plumbing, not a security boundary.
type AuthHandler struct {
	cfg *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req struct {
		Station    string `json:"station" binding:"required"`
		AccessCode string `json:"access_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := stations.Normalize(req.Station)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown station"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.Relay.AccessCodeHash), []byte(req.AccessCode)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid access code"})
		return
	}
	st, _ := stations.Get(id)
	token, err := auth.GenerateStationToken(&h.cfg.JWT, string(st.ID), st.DisplayName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "station": st.ID, "display_name": st.DisplayName})
}

// HistoryHandler serves archived calls and chat from MySQL.
type HistoryHandler struct {
	callRepo *repository.CallLogRepository
	chatRepo *repository.ChatLogRepository
}

func NewHistoryHandler(callRepo *repository.CallLogRepository, chatRepo *repository.ChatLogRepository) *HistoryHandler {
	return &HistoryHandler{callRepo: callRepo, chatRepo: chatRepo}
}

func (h *HistoryHandler) ListCalls(c *gin.Context) {
	if h.callRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if stationID := c.Query("station"); stationID != "" {
		id, ok := stations.Normalize(stationID)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown station"})
			return
		}
		recs, err := h.callRepo.ListByStation(string(id), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, recs)
		return
	}
	recs, err := h.callRepo.ListRecent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *HistoryHandler) ListChat(c *gin.Context) {
	if h.chatRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	msgs, err := h.chatRepo.ListRecent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}
