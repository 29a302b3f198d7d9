// Package dispatch delivers ride updates to people: live websocket sessions
// first, a push gateway for everyone else.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/campus-rides/internal/models"
)

type Pusher interface {
	Notify(ctx context.Context, userID string, u models.RideUpdate) error
}

// Dispatcher covers users without a live socket. Connected users already get
// every update through their bus subscription, so they are skipped here.
type Dispatcher struct {
	WS     *WSRegistry
	Push   Pusher
	Logger *slog.Logger
}

// NotifyOffline pushes u to userID unless they have a websocket open. It
// reports whether a push was sent.
func (d *Dispatcher) NotifyOffline(ctx context.Context, userID string, u models.RideUpdate) (bool, error) {
	if userID == "" || d.Push == nil {
		return false, nil
	}
	if d.WS != nil && d.WS.Connected(userID) {
		return false, nil
	}
	if err := d.Push.Notify(ctx, userID, u); err != nil {
		if d.Logger != nil {
			d.Logger.Warn("push_failed", "user_id", userID, "type", u.Type, "ride_id", u.RideID, "error", err)
		}
		return false, err
	}
	return true, nil
}
