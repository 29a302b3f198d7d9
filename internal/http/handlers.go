package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/campus-rides/internal/ingest"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/rating"
	"github.com/example/campus-rides/internal/rides"
	"github.com/example/campus-rides/internal/ridestate"
	"github.com/example/campus-rides/internal/storage"
	"github.com/example/campus-rides/internal/tracking"
)

var (
	errUnauthenticated = errors.New("missing caller identity")
	errForbidden       = errors.New("not allowed for this caller")
)

type caller struct {
	ID   string
	Role models.Role
}

func callerFrom(r *http.Request) (caller, error) {
	c := caller{
		ID:   strings.TrimSpace(r.Header.Get("X-User-ID")),
		Role: models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role")))),
	}
	if c.ID == "" {
		return caller{}, errUnauthenticated
	}
	switch c.Role {
	case models.RoleStudent, models.RoleDriver, models.RoleAdmin:
		return c, nil
	}
	return caller{}, errUnauthenticated
}

// canView mirrors the bus filters: students see their own requests, drivers
// see the open pool and rides assigned to them.
func (c caller) canView(ride models.RideRequest) bool {
	switch c.Role {
	case models.RoleAdmin:
		return true
	case models.RoleStudent:
		return ride.StudentID == c.ID
	case models.RoleDriver:
		return ride.Driver() == c.ID || (ride.Status == models.StatusPending && ride.DriverID == nil)
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	case errors.Is(err, rides.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rides.ErrInvalidRequest), errors.Is(err, ingest.ErrInvalidLocation),
		errors.Is(err, rating.ErrNoRating), errors.Is(err, rating.ErrInvalidRating), errors.Is(err, rating.ErrMissingIDs):
		status = http.StatusBadRequest
	case errors.Is(err, rides.ErrInvalidTransition), errors.Is(err, rides.ErrConflict), errors.Is(err, rating.ErrAlreadySubmitted):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log(r).Error("request_failed", "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(rides.ErrInvalidRequest, err)
	}
	return nil
}

type createRideRequest struct {
	PickupLocation string        `json:"pickup_location"`
	Destination    string        `json:"destination"`
	Pickup         *models.Coord `json:"pickup,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.Role != models.RoleStudent {
		s.writeError(w, r, errForbidden)
		return
	}
	var req createRideRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.deps.Rides.Create(r.Context(), c.ID, req.PickupLocation, req.Destination, req.Pickup)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

// loadRide fetches the path ride and checks the caller may see it.
func (s *Server) loadRide(r *http.Request) (caller, models.RideRequest, error) {
	c, err := callerFrom(r)
	if err != nil {
		return caller{}, models.RideRequest{}, err
	}
	ride, err := s.deps.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return caller{}, models.RideRequest{}, err
	}
	if !c.canView(ride) {
		// indistinguishable from a missing ride
		return caller{}, models.RideRequest{}, rides.ErrNotFound
	}
	return c, ride, nil
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	_, ride, err := s.loadRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.deps.Rides.Accept)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.deps.Rides.Reject)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	c, ride, err := s.loadRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.Role != models.RoleAdmin && (c.Role != models.RoleDriver || ride.Driver() != c.ID) {
		s.writeError(w, r, errForbidden)
		return
	}
	done, err := s.deps.Rides.Complete(r.Context(), ride.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifyStudent(r, ride.Status, done)
	writeJSON(w, http.StatusOK, done)
}

func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, rideID, driverID string) (models.RideRequest, error)) {
	c, ride, err := s.loadRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.Role != models.RoleDriver {
		s.writeError(w, r, errForbidden)
		return
	}
	updated, err := apply(r.Context(), ride.ID, c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifyStudent(r, ride.Status, updated)
	writeJSON(w, http.StatusOK, updated)
}

// notifyStudent pushes the transition to the ride's student when they have
// no live socket; connected students get it from the bus.
func (s *Server) notifyStudent(r *http.Request, from models.RideStatus, ride models.RideRequest) {
	if s.deps.Dispatch == nil {
		return
	}
	kind, ok := ridestate.EventFor(from, ride.Status)
	if !ok {
		return
	}
	u := models.RideUpdate{Type: kind, RideID: ride.ID, Data: ride, Timestamp: time.Now().UTC()}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, _ = s.deps.Dispatch.NotifyOffline(ctx, ride.StudentID, u)
	}()
}

type locationReport struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	c, ride, err := s.loadRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.Role != models.RoleDriver || ride.Driver() != c.ID {
		s.writeError(w, r, errForbidden)
		return
	}
	if ride.Status != models.StatusAccepted {
		http.Error(w, "ride is not active", http.StatusConflict)
		return
	}
	var rep locationReport
	if err := decode(w, r, &rep); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := models.DriverLocation{
		DriverID:  c.ID,
		RideID:    ride.ID,
		Latitude:  rep.Latitude,
		Longitude: rep.Longitude,
		UpdatedAt: time.Now().UTC(),
	}
	if err := ingest.Validate(loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Locations.UpsertLocation(r.Context(), loc); err != nil {
		observability.LocationUpsertErrors.Inc()
		s.writeError(w, r, err)
		return
	}
	observability.LocationUpserts.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleGetLocation returns the driver's latest location for the ride. With
// ?wait=<duration> it holds the request until the next report arrives or the
// wait elapses, then answers with whatever is current.
func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	_, ride, err := s.loadRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride.DriverID == nil {
		http.Error(w, "no driver assigned", http.StatusNotFound)
		return
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		if wait, err = time.ParseDuration(v); err != nil || wait < 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		if wait > s.LongPollMax {
			wait = s.LongPollMax
		}
	}

	sub := tracking.NewSubscriber(s.deps.Store, s.log(r))
	defer sub.Close()
	if err := sub.Start(r.Context(), ride.Driver(), ride.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if wait > 0 {
		// drop the seed so only a newer report ends the wait
		select {
		case <-sub.Updates():
		default:
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-sub.Updates():
		case <-t.C:
		case <-r.Context().Done():
			return
		}
	}
	loc, ok := sub.Current()
	if !ok {
		http.Error(w, "no location reported yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

type rateRequest struct {
	Rating int `json:"rating"`
}

type ratingResponse struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
	Display string  `json:"display"`
}

func toRatingResponse(sum rating.Summary) ratingResponse {
	return ratingResponse{Average: sum.Average, Count: sum.Count, Display: sum.Display()}
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	c, ride, err := s.loadRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.Role != models.RoleStudent || ride.StudentID != c.ID {
		s.writeError(w, r, errForbidden)
		return
	}
	if ride.Status != models.StatusCompleted {
		http.Error(w, "ride is not completed", http.StatusConflict)
		return
	}
	var req rateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := rating.NewForm(s.deps.Ratings, ride.Driver(), ride.ID).Submit(r.Context(), req.Rating); err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.deps.Ratings.Summary(r.Context(), ride.Driver())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRatingResponse(sum))
}

func (s *Server) handleDriverRating(w http.ResponseWriter, r *http.Request) {
	if _, err := callerFrom(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.deps.Ratings.Summary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRatingResponse(sum))
}

func (s *Server) handleDriverProfile(w http.ResponseWriter, r *http.Request) {
	if _, err := callerFrom(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.deps.Drivers.DriverProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDriverPool(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	driverID := mux.Vars(r)["id"]
	if c.Role != models.RoleAdmin && (c.Role != models.RoleDriver || c.ID != driverID) {
		s.writeError(w, r, errForbidden)
		return
	}
	if s.deps.Pool == nil {
		writeJSON(w, http.StatusOK, []models.PoolEntry{})
		return
	}
	pool, err := s.deps.Pool.Pool(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}
