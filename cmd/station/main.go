package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teleconsulta/config"
	"teleconsulta/internal/auth"
	"teleconsulta/internal/call"
	"teleconsulta/internal/chat"
	"teleconsulta/internal/handler"
	"teleconsulta/internal/meeting"
	"teleconsulta/internal/notify"
	"teleconsulta/internal/presence"
	"teleconsulta/internal/router"
	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
	"teleconsulta/internal/tone"
	"teleconsulta/internal/ws"
)

// uiEvents forwards engine output to every connected operator UI.
type uiEvents struct {
	hub *ws.Hub
}

func (u uiEvents) StateChanged(snap call.Snapshot) { u.hub.Broadcast("call_state", snap) }
func (u uiEvents) StatusLine(msg string)           { u.hub.Broadcast("status", msg) }

func main() {
	cfg := config.Load()

	station, ok := stations.Normalize(cfg.Station.ID)
	if !ok {
		log.Fatalf("STATION_ID %q is not a known station", cfg.Station.ID)
	}
	self, _ := stations.Get(station)

	// The relay and the stations share the signing secret, so the agent
	// mints its own session token. Losing the relay disables calling but
	// never kills the agent.
	var st store.Client
	token, err := auth.GenerateStationToken(&cfg.JWT, string(self.ID), self.DisplayName)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	client, err := store.Dial(cfg.Relay.URL + "?token=" + url.QueryEscape(token))
	if err != nil {
		log.Printf("relay unreachable, calling disabled: %v", err)
	} else {
		st = client
	}

	hub := ws.NewHub()
	tones := tone.NewService(hub)
	bridge := meeting.NewBridgeProvider(hub)
	controller := meeting.NewController(bridge)
	pres := presence.NewTracker(st)
	pres.OnChange = func(records map[stations.ID]presence.Record) {
		hub.Broadcast("presence", records)
	}

	engine := call.NewEngine(st, pres, controller, tones,
		call.Config{RingTimeout: cfg.Call.RingTimeout, CleanupDelay: cfg.Call.CleanupDelay},
		meeting.Options{
			StartAudioMuted: cfg.Meeting.StartAudioMuted,
			StartVideoMuted: cfg.Meeting.StartVideoMuted,
			DisableSelfView: cfg.Meeting.DisableSelfView,
		},
		uiEvents{hub: hub})

	relayChat := chat.NewRelay(st, cfg.Chat.Window, cfg.Chat.SendDebounce)
	relayChat.SetCaller(engine)
	relayChat.OnMessages = func(msgs []chat.Message) { hub.Broadcast("chat", msgs) }
	engine.SetAnnouncer(relayChat)

	if fcm := notify.NewFCMService(cfg.Firebase.ServiceAccountPath); fcm != nil {
		engine.SetPushNotifier(notify.NewCallNotifier(fcm, cfg.Station.DeviceToken))
	}

	// Each of these degrades independently when the relay is down.
	if err := pres.Start(); err != nil {
		log.Printf("presence: %v", err)
	}
	if err := pres.Activate(self); err != nil {
		log.Printf("presence activate: %v", err)
	}
	if err := engine.Start(self); err != nil {
		log.Printf("call engine: %v", err)
	}
	if err := relayChat.Start(self); err != nil {
		log.Printf("chat: %v", err)
	}

	switchTo := func(next stations.Station) error {
		if err := engine.SwitchStation(next); err != nil {
			return err
		}
		if err := pres.Activate(next); err != nil {
			return err
		}
		relayChat.SetStation(next)
		if err := relayChat.PublishSystem(fmt.Sprintf("Este puesto ahora atiende como %s", next.DisplayName)); err != nil {
			log.Printf("chat: %v", err)
		}
		return nil
	}

	stationHandler := handler.NewStationHandler(engine, relayChat, pres, switchTo)
	uiHandler := handler.NewUIHandler(hub, bridge, engine)

	srv := &http.Server{
		Addr:         ":" + cfg.Station.Port,
		Handler:      router.Setup(stationHandler, uiHandler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Printf("station %s listening on :%s", self.ID, cfg.Station.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	engine.Shutdown()
	relayChat.Stop()
	pres.Deactivate()
	pres.Stop()
	if client != nil {
		client.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server shutdown:", err)
	}
	fmt.Println("station stopped")
}
