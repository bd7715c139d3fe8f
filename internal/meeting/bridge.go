package meeting

import (
	"fmt"
	"sync"
)

// CommandSink carries widget commands to the operator UI, which embeds the
// actual room iframe. Typically the station's local ws hub.
type CommandSink interface {
	MeetingCommand(action string, payload any)
}

// BridgeProvider implements Provider by forwarding the mount lifecycle to
// the operator UI and routing the widget's events back through HandleEvent.
// The UI answers "loaded" exactly once per library load.
type BridgeProvider struct {
	mu      sync.Mutex
	sink    CommandSink
	session *bridgeSession
	loadCh  chan error
}

func NewBridgeProvider(sink CommandSink) *BridgeProvider {
	return &BridgeProvider{sink: sink}
}

func (p *BridgeProvider) Load() error {
	p.mu.Lock()
	ch := make(chan error, 1)
	p.loadCh = ch
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("no UI connected")
	}
	sink.MeetingCommand("load", nil)
	return <-ch
}

func (p *BridgeProvider) CreateSession(roomName, displayName string, opts Options, cb Callbacks) (Session, error) {
	p.mu.Lock()
	sess := &bridgeSession{provider: p, cb: cb}
	p.session = sess
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return nil, fmt.Errorf("no UI connected")
	}
	sink.MeetingCommand("mount", map[string]any{
		"room":        roomName,
		"displayName": displayName,
		"options":     opts,
	})
	return sess, nil
}

// HandleEvent is called by the UI websocket handler for every widget event
// the browser reports back.
func (p *BridgeProvider) HandleEvent(name string, muted bool, loadErr string) {
	p.mu.Lock()
	sess := p.session
	loadCh := p.loadCh
	if name == "loaded" || name == "load_failed" {
		p.loadCh = nil
	}
	p.mu.Unlock()

	switch name {
	case "loaded":
		if loadCh != nil {
			loadCh <- nil
		}
		return
	case "load_failed":
		if loadCh != nil {
			if loadErr == "" {
				loadErr = "widget load failed"
			}
			loadCh <- fmt.Errorf("%s", loadErr)
		}
		return
	}
	if sess == nil {
		return
	}
	switch name {
	case "videoConferenceJoined":
		if sess.cb.ConferenceJoined != nil {
			sess.cb.ConferenceJoined()
		}
	case "participantJoined":
		if sess.cb.ParticipantJoined != nil {
			sess.cb.ParticipantJoined()
		}
	case "readyToClose":
		if sess.cb.ReadyToClose != nil {
			sess.cb.ReadyToClose()
		}
	case "audioMuteStatusChanged":
		if sess.cb.AudioMuteChanged != nil {
			sess.cb.AudioMuteChanged(muted)
		}
	case "videoMuteStatusChanged":
		if sess.cb.VideoMuteChanged != nil {
			sess.cb.VideoMuteChanged(muted)
		}
	}
}

type bridgeSession struct {
	provider *BridgeProvider
	cb       Callbacks
}

func (s *bridgeSession) command(action string) error {
	s.provider.mu.Lock()
	sink := s.provider.sink
	current := s.provider.session == s
	s.provider.mu.Unlock()
	if sink == nil || !current {
		return nil
	}
	sink.MeetingCommand(action, nil)
	return nil
}

func (s *bridgeSession) ToggleAudio() error { return s.command("toggleAudio") }
func (s *bridgeSession) ToggleVideo() error { return s.command("toggleVideo") }
func (s *bridgeSession) Hangup() error      { return s.command("hangup") }

func (s *bridgeSession) Dispose() {
	s.provider.mu.Lock()
	if s.provider.session == s {
		s.provider.session = nil
	}
	sink := s.provider.sink
	s.provider.mu.Unlock()
	if sink != nil {
		sink.MeetingCommand("dispose", nil)
	}
}
