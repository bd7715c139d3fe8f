package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteAndSnapshot(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()
	defer sess.Close()

	err := sess.Write("presence/admin", map[string]any{"online": true, "name": "Administrador"})
	require.NoError(t, err)

	snap := ms.SnapshotAt("presence/admin")
	m, ok := snap.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, m["online"])
	require.Equal(t, "Administrador", m["name"])

	require.Nil(t, ms.SnapshotAt("presence/saavedra"))
}

func TestPatchMergesSiblings(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Write("calls/admin/c1", map[string]any{"status": "ringing", "fromId": "saavedra"}))
	require.NoError(t, sess.Patch("calls/admin/c1", map[string]any{"status": "accepted"}))

	m := ms.SnapshotAt("calls/admin/c1").(map[string]any)
	require.Equal(t, "accepted", m["status"])
	require.Equal(t, "saavedra", m["fromId"])
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Write("calls/admin/c1", map[string]any{"status": "ended"}))
	require.NoError(t, sess.Remove("calls/admin/c1"))

	require.Nil(t, ms.SnapshotAt("calls/admin/c1"))
	require.Nil(t, ms.SnapshotAt("calls/admin"))
	require.Nil(t, ms.SnapshotAt("calls"))
}

func TestPushKeysOrderByCreation(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()
	defer sess.Close()

	var keys []string
	for i := 0; i < 50; i++ {
		k, err := sess.PushChild(ChatMessages)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i], "push keys must sort by creation order")
	}
}

func TestServerTimestampResolved(t *testing.T) {
	ms := NewMemoryStore()
	fixed := time.UnixMilli(1700000000123)
	ms.now = func() time.Time { return fixed }
	sess := ms.NewSession()
	defer sess.Close()

	err := sess.Write("presence/admin", map[string]any{
		"online":    true,
		"updatedAt": ServerTimestamp(),
	})
	require.NoError(t, err)

	m := ms.SnapshotAt("presence/admin").(map[string]any)
	require.Equal(t, float64(1700000000123), m["updatedAt"])
}

func TestSubscribeDeliversInitialAndLatest(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()
	defer sess.Close()

	var mu sync.Mutex
	var last Snapshot
	seen := 0
	unsub, err := sess.Subscribe("presence", func(snap Snapshot) {
		mu.Lock()
		last = snap
		seen++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer unsub()

	// Initial snapshot of an absent subtree is nil.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen >= 1 && last == nil
	}, time.Second, 5*time.Millisecond)

	// Rapid writes may coalesce; the final delivery always carries the
	// latest value.
	for i := 0; i < 20; i++ {
		require.NoError(t, sess.Write("presence/admin", map[string]any{"seq": i}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		m, ok := last.(map[string]any)
		if !ok {
			return false
		}
		rec, ok := m["admin"].(map[string]any)
		return ok && rec["seq"] == float64(19)
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeSeesOverlappingPathsOnly(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()
	defer sess.Close()

	var mu sync.Mutex
	deliveries := 0
	unsub, err := sess.Subscribe("calls/admin", func(Snapshot) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, time.Second, 5*time.Millisecond)

	// A write outside the subtree must not wake the subscription.
	require.NoError(t, sess.Write("chat/global/messages/m1", map[string]any{"text": "hola"}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, deliveries)
	mu.Unlock()
}

func TestDisconnectWritesAppliedOnClose(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()

	require.NoError(t, sess.Write("presence/saavedra", map[string]any{"online": true}))
	require.NoError(t, sess.RegisterDisconnectWrite("presence/saavedra", map[string]any{"online": false}))
	require.NoError(t, sess.Close())

	m := ms.SnapshotAt("presence/saavedra").(map[string]any)
	require.Equal(t, false, m["online"])
}

func TestCancelledDisconnectWriteNotApplied(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()

	require.NoError(t, sess.Write("presence/saavedra", map[string]any{"online": true}))
	require.NoError(t, sess.RegisterDisconnectWrite("presence/saavedra", map[string]any{"online": false}))
	require.NoError(t, sess.CancelDisconnectWrite("presence/saavedra"))
	require.NoError(t, sess.Close())

	m := ms.SnapshotAt("presence/saavedra").(map[string]any)
	require.Equal(t, true, m["online"])
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()
	require.NoError(t, sess.Close())

	require.ErrorIs(t, sess.Write("x", 1), ErrClosed)
	require.ErrorIs(t, sess.Patch("x", map[string]any{"a": 1}), ErrClosed)
	require.ErrorIs(t, sess.Remove("x"), ErrClosed)
	_, err := sess.PushChild("x")
	require.ErrorIs(t, err, ErrClosed)
	_, err = sess.Subscribe("x", func(Snapshot) {}, nil)
	require.ErrorIs(t, err, ErrClosed)
	// Closing twice is a no-op.
	require.NoError(t, sess.Close())
}

func TestCloseCancelsSubscriptions(t *testing.T) {
	ms := NewMemoryStore()
	sess := ms.NewSession()

	var mu sync.Mutex
	deliveries := 0
	_, err := sess.Subscribe("presence", func(Snapshot) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, sess.Close())

	other := ms.NewSession()
	defer other.Close()
	require.NoError(t, other.Write("presence/admin", map[string]any{"online": true}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, deliveries)
	mu.Unlock()
}

func TestDecode(t *testing.T) {
	var rec struct {
		Status string `json:"status"`
		FromID string `json:"fromId"`
	}
	snap := Snapshot(map[string]any{"status": "ringing", "fromId": "admin"})
	require.NoError(t, Decode(snap, &rec))
	require.Equal(t, "ringing", rec.Status)
	require.Equal(t, "admin", rec.FromID)
}
