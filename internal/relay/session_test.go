package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"teleconsulta/config"
	"teleconsulta/internal/auth"
	"teleconsulta/internal/stations"
	"teleconsulta/internal/store"
)

func newTestRelay(t *testing.T) (*httptest.Server, *config.Config, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Load()
	hash, err := bcrypt.GenerateFromPassword([]byte("clave-de-prueba"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Relay.AccessCodeHash = string(hash)

	ms := store.NewMemoryStore()
	srv := httptest.NewServer(Setup(cfg, ms, nil))
	t.Cleanup(srv.Close)
	return srv, cfg, ms
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + url.QueryEscape(token)
}

func dialStation(t *testing.T, srv *httptest.Server, cfg *config.Config, id stations.ID) *store.WSClient {
	t.Helper()
	st, ok := stations.Get(id)
	require.True(t, ok)
	token, err := auth.GenerateStationToken(&cfg.JWT, string(st.ID), st.DisplayName)
	require.NoError(t, err)
	client, err := store.Dial(wsURL(srv, token))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStoreRoundTripOverSocket(t *testing.T) {
	srv, cfg, ms := newTestRelay(t)
	a := dialStation(t, srv, cfg, stations.Saavedra)
	b := dialStation(t, srv, cfg, stations.Rivadavia)

	type presRec struct {
		Online    bool   `json:"online"`
		Name      string `json:"name"`
		UpdatedAt int64  `json:"updatedAt"`
	}
	seen := make(chan map[string]presRec, 16)
	unsub, err := b.Subscribe(store.PresenceRoot, func(snap store.Snapshot) {
		out := make(map[string]presRec)
		if snap != nil {
			require.NoError(t, store.Decode(snap, &out))
		}
		seen <- out
	}, nil)
	require.NoError(t, err)
	defer unsub()

	err = a.Write(store.PresencePath("saavedra"), map[string]any{
		"online":    true,
		"name":      "Saavedra",
		"updatedAt": store.ServerTimestamp(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case m := <-seen:
			rec, ok := m["saavedra"]
			return ok && rec.Online && rec.Name == "Saavedra" && rec.UpdatedAt > 0
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	// Patch and remove flow through the same session.
	require.NoError(t, a.Patch(store.PresencePath("saavedra"), map[string]any{"online": false}))
	require.Eventually(t, func() bool {
		m := ms.SnapshotAt(store.PresencePath("saavedra")).(map[string]any)
		return m["online"] == false && m["name"] == "Saavedra"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Remove(store.PresencePath("saavedra")))
	require.Eventually(t, func() bool {
		return ms.SnapshotAt(store.PresencePath("saavedra")) == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPushChildOverSocket(t *testing.T) {
	srv, cfg, _ := newTestRelay(t)
	a := dialStation(t, srv, cfg, stations.Saavedra)

	k1, err := a.PushChild(store.ChatMessages)
	require.NoError(t, err)
	k2, err := a.PushChild(store.ChatMessages)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
	require.Less(t, k1, k2)
}

func TestDisconnectWriteAppliedOnDrop(t *testing.T) {
	srv, cfg, ms := newTestRelay(t)
	a := dialStation(t, srv, cfg, stations.Chacabuco)

	path := store.PresencePath("chacabuco")
	require.NoError(t, a.Write(path, map[string]any{"online": true, "name": "Chacabuco"}))
	require.NoError(t, a.RegisterDisconnectWrite(path, map[string]any{"online": false, "name": "Chacabuco"}))

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		snap := ms.SnapshotAt(path)
		m, ok := snap.(map[string]any)
		return ok && m["online"] == false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelledDisconnectWriteSkippedOnDrop(t *testing.T) {
	srv, cfg, ms := newTestRelay(t)
	a := dialStation(t, srv, cfg, stations.Chacabuco)

	path := store.PresencePath("chacabuco")
	require.NoError(t, a.Write(path, map[string]any{"online": true}))
	require.NoError(t, a.RegisterDisconnectWrite(path, map[string]any{"online": false}))
	require.NoError(t, a.CancelDisconnectWrite(path))

	require.NoError(t, a.Close())
	time.Sleep(100 * time.Millisecond)
	m := ms.SnapshotAt(path).(map[string]any)
	require.Equal(t, true, m["online"])
}

func TestSocketRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestRelay(t)
	_, err := store.Dial(wsURL(srv, "garbage"))
	require.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	srv, cfg, _ := newTestRelay(t)

	body, _ := json.Marshal(map[string]string{"station": "Saavedra", "access_code": "clave-de-prueba"})
	resp, err := http.Post(srv.URL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token   string `json:"token"`
		Station string `json:"station"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "saavedra", out.Station)

	claims, err := auth.ParseStationToken(&cfg.JWT, out.Token)
	require.NoError(t, err)
	require.Equal(t, "saavedra", claims.StationID)
}

func TestIssueTokenRejectsWrongCode(t *testing.T) {
	srv, _, _ := newTestRelay(t)

	body, _ := json.Marshal(map[string]string{"station": "saavedra", "access_code": "incorrecta"})
	resp, err := http.Post(srv.URL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, _ = json.Marshal(map[string]string{"station": "cordoba", "access_code": "clave-de-prueba"})
	resp, err = http.Post(srv.URL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryDisabledWithoutDatabase(t *testing.T) {
	srv, _, _ := newTestRelay(t)

	resp, err := http.Get(srv.URL + "/api/v1/history/calls")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/history/chat")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
