package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
)

func station(t *testing.T, id stations.ID) stations.Station {
	t.Helper()
	st, ok := stations.Get(id)
	require.True(t, ok)
	return st
}

func newTracker(t *testing.T, ms *store.MemoryStore) (*Tracker, *store.Session) {
	t.Helper()
	sess := ms.NewSession()
	tr := NewTracker(sess)
	require.NoError(t, tr.Start())
	t.Cleanup(func() {
		tr.Stop()
		sess.Close()
	})
	return tr, sess
}

func TestAvailabilityFailsClosedBeforeFirstSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	require.Equal(t, Offline, tr.Availability(stations.Admin))
	require.ErrorIs(t, tr.Start(), store.ErrNotConfigured)
	require.ErrorIs(t, tr.Activate(station(t, stations.Admin)), store.ErrNotConfigured)
}

func TestActivateMarksOnline(t *testing.T) {
	ms := store.NewMemoryStore()
	a, _ := newTracker(t, ms)
	b, _ := newTracker(t, ms)

	require.NoError(t, a.Activate(station(t, stations.Admin)))

	require.Eventually(t, func() bool {
		return b.Availability(stations.Admin) == Available
	}, time.Second, 5*time.Millisecond)

	rec := b.Records()[stations.Admin]
	require.Equal(t, "Administrador", rec.Name)
	require.NotZero(t, rec.UpdatedAt)

	// A station never announced stays offline.
	require.Equal(t, Offline, b.Availability(stations.Chacabuco))
}

func TestBusyMirror(t *testing.T) {
	ms := store.NewMemoryStore()
	a, _ := newTracker(t, ms)
	b, _ := newTracker(t, ms)

	require.NoError(t, a.Activate(station(t, stations.Saavedra)))
	require.NoError(t, a.PatchBusy(true))
	// Repeat of the last sent value is a no-op, not a second write.
	require.NoError(t, a.PatchBusy(true))

	require.Eventually(t, func() bool {
		return b.Availability(stations.Saavedra) == Busy
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.PatchBusy(false))
	require.Eventually(t, func() bool {
		return b.Availability(stations.Saavedra) == Available
	}, time.Second, 5*time.Millisecond)
}

func TestPatchBusyWithoutActivation(t *testing.T) {
	ms := store.NewMemoryStore()
	a, _ := newTracker(t, ms)
	require.ErrorIs(t, a.PatchBusy(true), store.ErrNotConfigured)
}

func TestDeactivateWritesOffline(t *testing.T) {
	ms := store.NewMemoryStore()
	a, _ := newTracker(t, ms)
	b, _ := newTracker(t, ms)

	require.NoError(t, a.Activate(station(t, stations.Rivadavia)))
	require.Eventually(t, func() bool {
		return b.Availability(stations.Rivadavia) == Available
	}, time.Second, 5*time.Millisecond)

	a.Deactivate()
	require.Eventually(t, func() bool {
		return b.Availability(stations.Rivadavia) == Offline
	}, time.Second, 5*time.Millisecond)
}

func TestSessionDropMarksOffline(t *testing.T) {
	ms := store.NewMemoryStore()
	a, aSess := newTracker(t, ms)
	b, _ := newTracker(t, ms)

	require.NoError(t, a.Activate(station(t, stations.Chacabuco)))
	require.Eventually(t, func() bool {
		return b.Availability(stations.Chacabuco) == Available
	}, time.Second, 5*time.Millisecond)

	// A dropped connection applies the registered disconnect write.
	require.NoError(t, aSess.Close())
	require.Eventually(t, func() bool {
		return b.Availability(stations.Chacabuco) == Offline
	}, time.Second, 5*time.Millisecond)
}

func TestReactivateUnderNewIdentity(t *testing.T) {
	ms := store.NewMemoryStore()
	a, aSess := newTracker(t, ms)
	b, _ := newTracker(t, ms)

	require.NoError(t, a.Activate(station(t, stations.Saavedra)))
	require.NoError(t, a.Activate(station(t, stations.Rivadavia)))

	require.Eventually(t, func() bool {
		return b.Availability(stations.Rivadavia) == Available
	}, time.Second, 5*time.Millisecond)

	// The old identity's disconnect hook was cancelled: closing the session
	// only downs the current one.
	require.NoError(t, aSess.Close())
	require.Eventually(t, func() bool {
		return b.Availability(stations.Rivadavia) == Offline
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, Available, b.Availability(stations.Saavedra))
}

func TestOnChangeFires(t *testing.T) {
	ms := store.NewMemoryStore()
	sess := ms.NewSession()
	defer sess.Close()
	tr := NewTracker(sess)
	updates := make(chan map[stations.ID]Record, 16)
	tr.OnChange = func(m map[stations.ID]Record) { updates <- m }
	require.NoError(t, tr.Start())
	defer tr.Stop()

	require.NoError(t, tr.Activate(station(t, stations.Admin)))
	require.Eventually(t, func() bool {
		select {
		case m := <-updates:
			rec, ok := m[stations.Admin]
			return ok && rec.Online
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
