package relay

import (
	"log"
	"time"

	"teleconsulta/config"
	"teleconsulta/internal/middleware"
	"teleconsulta/internal/repository"
	"teleconsulta/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Setup wires the relay: token issuance, the store socket and the history
// API. db may be nil, which disables the archive and history endpoints.
func Setup(cfg *config.Config, st *store.MemoryStore, db *gorm.DB) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RateLimit(middleware.NewInMemoryRateLimiter(300, 60*time.Second)))

	var callRepo *repository.CallLogRepository
	var chatRepo *repository.ChatLogRepository
	if db != nil {
		callRepo = repository.NewCallLogRepository(db)
		chatRepo = repository.NewChatLogRepository(db)
		archiver := NewArchiver(st, callRepo, chatRepo)
		if err := archiver.Start(); err != nil {
			log.Printf("[RELAY] archive disabled: %v", err)
		}
	} else {
		log.Printf("[RELAY] archive disabled: no database configured")
	}

	authHandler := NewAuthHandler(cfg)
	historyHandler := NewHistoryHandler(callRepo, chatRepo)

	api := r.Group("/api/v1")
	{
		api.POST("/auth/token", authHandler.IssueToken)
		api.GET("/history/calls", historyHandler.ListCalls)
		api.GET("/history/chat", historyHandler.ListChat)
	}
	r.GET("/ws", UpgradeStoreWS(&cfg.JWT, st))
	return r
}
