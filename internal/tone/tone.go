package tone

import (
	"log"
	"sync"
)

// Cue identifies a local audio cue. Playback itself happens in the operator
// UI; this service only tracks state and forwards commands.
type Cue string

const (
	Incoming Cue = "incoming" // looping ring for an incoming call
	Outgoing Cue = "outgoing" // looping ringback while calling out
	Notify   Cue = "notify"   // one-shot chime (queued, chat, backlog)
)

// Player is what the call engine drives. Implementations must be safe for
// use from subscription callbacks and timers.
type Player interface {
	PlayLoop(Cue)
	PlayOnce(Cue)
	Stop(Cue)
	StopAll()
}

// Sink receives cue commands, typically the operator-UI hub.
type Sink interface {
	ToneCommand(action string, cue string)
}

// Service forwards cue commands to the UI and remembers which loops are
// active so redundant commands are dropped.
type Service struct {
	mu      sync.Mutex
	sink    Sink
	looping map[Cue]bool
}

func NewService(sink Sink) *Service {
	return &Service{sink: sink, looping: make(map[Cue]bool)}
}

var _ Player = (*Service)(nil)

func (s *Service) PlayLoop(c Cue) {
	s.mu.Lock()
	if s.looping[c] {
		s.mu.Unlock()
		return
	}
	s.looping[c] = true
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.ToneCommand("loop", string(c))
	}
}

func (s *Service) PlayOnce(c Cue) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.ToneCommand("once", string(c))
	}
}

func (s *Service) Stop(c Cue) {
	s.mu.Lock()
	if !s.looping[c] {
		s.mu.Unlock()
		return
	}
	delete(s.looping, c)
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.ToneCommand("stop", string(c))
	}
}

func (s *Service) StopAll() {
	s.mu.Lock()
	active := make([]Cue, 0, len(s.looping))
	for c := range s.looping {
		active = append(active, c)
	}
	s.looping = make(map[Cue]bool)
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	for _, c := range active {
		sink.ToneCommand("stop", string(c))
	}
}

// LogSink is the fallback sink when no UI is connected yet.
type LogSink struct{}

func (LogSink) ToneCommand(action, cue string) {
	log.Printf("[TONE] %s %s", action, cue)
}
