package tone

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu   sync.Mutex
	cmds []string
}

func (s *captureSink) ToneCommand(action, cue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, action+":"+cue)
}

func (s *captureSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cmds))
	copy(out, s.cmds)
	return out
}

func TestLoopCommandsDeduplicated(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(sink)

	svc.PlayLoop(Incoming)
	svc.PlayLoop(Incoming)
	svc.Stop(Incoming)
	svc.Stop(Incoming)

	require.Equal(t, []string{"loop:incoming", "stop:incoming"}, sink.all())
}

func TestPlayOnceAlwaysForwards(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(sink)

	svc.PlayOnce(Notify)
	svc.PlayOnce(Notify)
	require.Equal(t, []string{"once:notify", "once:notify"}, sink.all())
}

func TestStopAllStopsEveryLoop(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(sink)

	svc.PlayLoop(Incoming)
	svc.PlayLoop(Outgoing)
	svc.StopAll()

	cmds := sink.all()
	require.Len(t, cmds, 4)
	require.Contains(t, cmds[2:], "stop:incoming")
	require.Contains(t, cmds[2:], "stop:outgoing")

	// Everything is stopped; a new loop command goes through again.
	svc.PlayLoop(Incoming)
	require.Equal(t, "loop:incoming", sink.all()[4])
}

func TestNilSinkIsSafe(t *testing.T) {
	svc := NewService(nil)
	svc.PlayLoop(Incoming)
	svc.PlayOnce(Notify)
	svc.Stop(Incoming)
	svc.StopAll()
}
