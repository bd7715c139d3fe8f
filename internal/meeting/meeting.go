package meeting

import "errors"

// Options are the widget config flags the engine cares about.
type Options struct {
	StartAudioMuted bool     `json:"startAudioMuted"`
	StartVideoMuted bool     `json:"startVideoMuted"`
	DisableSelfView bool     `json:"disableSelfView"`
	Toolbar         []string `json:"toolbar,omitempty"`
}

// Callbacks are the widget events the engine binds per mount. Any of them
// may be nil.
type Callbacks struct {
	// ReadyToClose fires when the peer hung up from inside the room UI.
	ReadyToClose func()
	// ConferenceJoined fires once this side is actually in the room.
	ConferenceJoined  func()
	ParticipantJoined func()
	AudioMuteChanged  func(muted bool)
	VideoMuteChanged  func(muted bool)
}

// Session is one live room binding.
type Session interface {
	ToggleAudio() error
	ToggleVideo() error
	Hangup() error
	Dispose()
}

// Provider is the opaque external video-room widget: load its client
// library, create sessions. The transport behind it is not our concern.
type Provider interface {
	// Load fetches the widget's client library. Called through the
	// controller's shared single-flight future, never concurrently.
	Load() error
	CreateSession(roomName, displayName string, opts Options, cb Callbacks) (Session, error)
}

// ErrRoomLoad wraps a failed widget library load. The failed attempt is
// discarded; the next mount retries with a fresh load.
var ErrRoomLoad = errors.New("meeting: room library load failed")
