package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-rides/internal/bus"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/models"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks happen at the gateway that sets the identity headers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRideUpdatesWS streams every RideUpdate visible to the caller until
// the socket closes.
func (s *Server) handleRideUpdatesWS(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws_upgrade_failed", "error", err)
		return
	}
	session := s.deps.WS.Add(c.ID, conn)
	defer s.deps.WS.Remove(session)

	ctx, cancel := context.WithCancel(s.streams)
	defer cancel()
	id, err := s.deps.Bus.Subscribe(ctx, c.ID, c.Role, sessionListener(session))
	if err != nil {
		s.log(r).Error("ride_updates_subscribe_failed", "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		_ = conn.Close()
		return
	}
	defer s.deps.Bus.Unsubscribe(c.ID, id)

	s.log(r).Info("ws_connected", "stream", "rides")
	s.pump(ctx, session, conn)
	s.log(r).Info("ws_disconnected", "stream", "rides")
}

// handleLocationWS streams driver_location_update events for one ride to its
// student, its driver or an admin.
func (s *Server) handleLocationWS(w http.ResponseWriter, r *http.Request) {
	c, ride, err := s.loadRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride.DriverID == nil {
		http.Error(w, "no driver assigned", http.StatusConflict)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws_upgrade_failed", "error", err)
		return
	}
	session := s.deps.WS.Add(c.ID, conn)
	defer s.deps.WS.Remove(session)

	ctx, cancel := context.WithCancel(s.streams)
	defer cancel()
	driverID := ride.Driver()
	id, err := s.deps.Bus.SubscribeToDriverLocation(ctx, driverID, ride.ID, sessionListener(session))
	if err != nil {
		s.log(r).Error("location_subscribe_failed", "ride_id", ride.ID, "error", err)
		_ = conn.Close()
		return
	}
	defer s.deps.Bus.UnsubscribeFromDriverLocation(driverID, ride.ID, id)

	if loc, err := s.deps.Store.LatestLocation(ctx, driverID, ride.ID); err == nil {
		_ = session.Send(models.RideUpdate{
			Type:      models.EventDriverLocationUpdate,
			RideID:    ride.ID,
			Data:      models.LocationData{Location: loc},
			Timestamp: time.Now().UTC(),
		})
	}
	s.pump(ctx, session, conn)
}

func sessionListener(session *dispatch.WSSession) bus.Listener {
	return func(ctx context.Context, u models.RideUpdate) error {
		return session.Send(u)
	}
}

// pump reads until the client goes away and keeps the socket alive with
// pings. Incoming messages are ignored.
func (s *Server) pump(ctx context.Context, session *dispatch.WSSession, conn *websocket.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Ping(); err != nil {
				return
			}
		}
	}
}
