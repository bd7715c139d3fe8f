package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"teleconsulta/internal/handler"
	"teleconsulta/internal/middleware"
)

// Setup builds the station agent's local API. It is bound to loopback in
// practice; the rate limit is a guard against a misbehaving UI, not the
// internet.
func Setup(station *handler.StationHandler, ui *handler.UIHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RateLimit(middleware.NewInMemoryRateLimiter(600, 60*time.Second)))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/state", station.State)
		api.GET("/presence", station.Presence)
		api.POST("/station", station.SwitchStation)

		callGroup := api.Group("/call")
		{
			callGroup.POST("/start/:target", station.StartCall)
			callGroup.POST("/accept", station.Accept)
			callGroup.POST("/decline", station.Decline)
			callGroup.POST("/hangup", station.Hangup)
			callGroup.POST("/attend", station.Attend)
			callGroup.POST("/audio", station.ToggleAudio)
			callGroup.POST("/video", station.ToggleVideo)
		}

		chatGroup := api.Group("/chat")
		{
			chatGroup.POST("", station.PublishChat)
			chatGroup.POST("/request", station.PublishCallRequest)
			chatGroup.POST("/:id/call", station.CallFromChat)
		}
	}

	r.GET("/ws", ui.Upgrade)

	return r
}
