package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
)

// wsPair returns a server-side connection registered for userID and the
// client end reading from it.
func wsPair(t *testing.T, reg *WSRegistry, userID string) (*WSSession, *websocket.Conn) {
	t.Helper()
	sessions := make(chan *WSSession, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessions <- reg.Add(userID, conn)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	select {
	case s := <-sessions:
		return s, client
	case <-time.After(2 * time.Second):
		t.Fatal("no server session")
	}
	return nil, nil
}

func TestWSRegistry_SessionsPerUser(t *testing.T) {
	reg := NewWSRegistry()
	s1, c1 := wsPair(t, reg, "u1")
	s2, c2 := wsPair(t, reg, "u1")
	assert.True(t, reg.Connected("u1"))
	assert.False(t, reg.Connected("u2"))

	u := models.RideUpdate{Type: models.EventRideCreated, RideID: "r1", Timestamp: time.Unix(0, 0).UTC()}
	require.NoError(t, s1.Send(u))
	require.NoError(t, s2.Send(u))

	reg.Remove(s1)
	assert.True(t, reg.Connected("u1"))

	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got models.RideUpdate
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, models.EventRideCreated, got.Type)
		assert.Equal(t, "r1", got.RideID)
	}
}

func TestWSRegistry_Remove(t *testing.T) {
	reg := NewWSRegistry()
	s, _ := wsPair(t, reg, "u1")
	reg.Remove(s)
	reg.Remove(s)
	assert.False(t, reg.Connected("u1"))
}

func TestPushNotifier(t *testing.T) {
	var got pushMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "secret")
	err := p.Notify(context.Background(), "s1", models.RideUpdate{Type: models.EventRideAccepted, RideID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "user-s1", got.Message.Topic)
	assert.Equal(t, "ride_accepted", got.Message.Data["type"])
	assert.Equal(t, "r1", got.Message.Data["ride_id"])
}

func TestPushNotifier_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewPushNotifier(srv.URL, "").Notify(context.Background(), "s1", models.RideUpdate{})
	assert.ErrorContains(t, err, "502")
}

type recordingPusher struct{ users []string }

func (r *recordingPusher) Notify(ctx context.Context, userID string, u models.RideUpdate) error {
	r.users = append(r.users, userID)
	return nil
}

func TestDispatcher_SkipsConnectedUsers(t *testing.T) {
	reg := NewWSRegistry()
	wsPair(t, reg, "online")
	push := &recordingPusher{}
	d := &Dispatcher{WS: reg, Push: push, Logger: logging.Discard()}

	sent, err := d.NotifyOffline(context.Background(), "online", models.RideUpdate{})
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = d.NotifyOffline(context.Background(), "offline", models.RideUpdate{})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, []string{"offline"}, push.users)
}
