package meeting

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu       sync.Mutex
	room     string
	cb       Callbacks
	disposed bool
	audio    int
	video    int
	hangups  int
}

func (s *fakeSession) ToggleAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio++
	return nil
}

func (s *fakeSession) ToggleVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video++
	return nil
}

func (s *fakeSession) Hangup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups++
	return nil
}

func (s *fakeSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}

func (s *fakeSession) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

type fakeProvider struct {
	mu       sync.Mutex
	loadErr  error
	loads    int
	sessions []*fakeSession
}

func (p *fakeProvider) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	return p.loadErr
}

func (p *fakeProvider) CreateSession(roomName, displayName string, opts Options, cb Callbacks) (Session, error) {
	sess := &fakeSession{room: roomName, cb: cb}
	p.mu.Lock()
	p.sessions = append(p.sessions, sess)
	p.mu.Unlock()
	return sess, nil
}

func (p *fakeProvider) last() *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[len(p.sessions)-1]
}

func TestMountLoadsLibraryOnce(t *testing.T) {
	prov := &fakeProvider{}
	c := NewController(prov)

	require.NoError(t, c.Mount("room-a", "Admin", Options{}, Callbacks{}))
	require.NoError(t, c.Mount("room-b", "Admin", Options{}, Callbacks{}))

	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Equal(t, 1, prov.loads)
	require.Len(t, prov.sessions, 2)
}

func TestFailedLoadIsRetried(t *testing.T) {
	prov := &fakeProvider{loadErr: errors.New("cdn down")}
	c := NewController(prov)

	err := c.Mount("room-a", "Admin", Options{}, Callbacks{})
	require.ErrorIs(t, err, ErrRoomLoad)
	require.False(t, c.Mounted())

	prov.mu.Lock()
	prov.loadErr = nil
	prov.mu.Unlock()

	require.NoError(t, c.Mount("room-a", "Admin", Options{}, Callbacks{}))
	require.True(t, c.Mounted())
	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Equal(t, 2, prov.loads)
}

func TestMountDisposesPreviousSession(t *testing.T) {
	prov := &fakeProvider{}
	c := NewController(prov)

	require.NoError(t, c.Mount("room-a", "Admin", Options{}, Callbacks{}))
	first := prov.last()
	require.NoError(t, c.Mount("room-b", "Admin", Options{}, Callbacks{}))

	require.True(t, first.isDisposed())
	require.False(t, prov.last().isDisposed())
	require.True(t, c.Mounted())
}

func TestDisposedSessionEventsAreDropped(t *testing.T) {
	prov := &fakeProvider{}
	c := NewController(prov)

	joined := 0
	require.NoError(t, c.Mount("room-a", "Admin", Options{}, Callbacks{
		ConferenceJoined: func() { joined++ },
	}))
	sess := prov.last()

	sess.cb.ConferenceJoined()
	require.Equal(t, 1, joined)

	c.Dispose()
	require.False(t, c.Mounted())

	// The widget may still fire after dispose; the gate swallows it.
	sess.cb.ConferenceJoined()
	require.Equal(t, 1, joined)
}

func TestStaleMountFromPreviousGate(t *testing.T) {
	prov := &fakeProvider{}
	c := NewController(prov)

	require.NoError(t, c.Mount("room-a", "Admin", Options{}, Callbacks{}))
	closeEvents := 0
	require.NoError(t, c.Mount("room-b", "Admin", Options{}, Callbacks{
		ReadyToClose: func() { closeEvents++ },
	}))

	prov.mu.Lock()
	first, second := prov.sessions[0], prov.sessions[1]
	prov.mu.Unlock()

	// The replaced session's callbacks were unbound when the new mount
	// disposed it.
	if first.cb.ReadyToClose != nil {
		first.cb.ReadyToClose()
	}
	second.cb.ReadyToClose()
	require.Equal(t, 1, closeEvents)
}

func TestCommandsForwardToMountedSession(t *testing.T) {
	prov := &fakeProvider{}
	c := NewController(prov)

	// No session mounted: commands are silent no-ops.
	require.NoError(t, c.ToggleAudio())
	require.NoError(t, c.ToggleVideo())
	require.NoError(t, c.Hangup())

	require.NoError(t, c.Mount("room-a", "Admin", Options{}, Callbacks{}))
	sess := prov.last()
	require.NoError(t, c.ToggleAudio())
	require.NoError(t, c.ToggleVideo())
	require.NoError(t, c.Hangup())

	sess.mu.Lock()
	defer sess.mu.Unlock()
	require.Equal(t, 1, sess.audio)
	require.Equal(t, 1, sess.video)
	require.Equal(t, 1, sess.hangups)
}

func TestMountWithoutProvider(t *testing.T) {
	c := NewController(nil)
	require.ErrorIs(t, c.Mount("room-a", "Admin", Options{}, Callbacks{}), ErrRoomLoad)
}
