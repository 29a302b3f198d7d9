// Package ridestate holds the ride request status transitions and the event
// each permitted transition produces.
package ridestate

import (
	"sort"

	"github.com/example/campus-rides/internal/models"
)

type Transition struct {
	From models.RideStatus
	To   models.RideStatus
}

// table is the complete set of permitted transitions. Anything not listed is
// ignored by consumers of change notifications and refused by writers.
var table = map[Transition]models.EventType{
	{models.StatusPending, models.StatusAccepted}:   models.EventRideAccepted,
	{models.StatusPending, models.StatusRejected}:   models.EventRideRejected,
	{models.StatusAccepted, models.StatusCompleted}: models.EventRideCompleted,
}

// Initial is the only status a ride request is created with.
const Initial = models.StatusPending

// EventFor returns the event emitted for a status change, or false when the
// change is not a meaningful transition.
func EventFor(from, to models.RideStatus) (models.EventType, bool) {
	ev, ok := table[Transition{From: from, To: to}]
	return ev, ok
}

func CanTransition(from, to models.RideStatus) bool {
	_, ok := table[Transition{From: from, To: to}]
	return ok
}

func IsTerminal(s models.RideStatus) bool {
	return s == models.StatusRejected || s == models.StatusCompleted
}

// Valid reports whether s is a known status.
func Valid(s models.RideStatus) bool {
	switch s {
	case models.StatusPending, models.StatusAccepted, models.StatusRejected, models.StatusCompleted:
		return true
	}
	return false
}

// Transitions lists the permitted transitions in a stable order.
func Transitions() []Transition {
	out := make([]Transition, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
