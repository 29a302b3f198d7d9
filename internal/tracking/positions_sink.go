package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
)

// PositionsSink mirrors reports into the driver position index used for pool
// ranking and profile enrichment.
type PositionsSink struct {
	Positions geo.Positions
}

func (p PositionsSink) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	if err := p.Positions.Update(ctx, l.DriverID, l.Coord()); err != nil {
		return fmt.Errorf("update position %s: %w", l.DriverID, err)
	}
	return nil
}

// APISink reports through the ride API the way a driver's device does:
// POST /api/v1/rides/{id}/location with the gateway identity headers.
type APISink struct {
	BaseURL string
	Client  *http.Client
}

func NewAPISink(baseURL string) *APISink {
	return &APISink{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

func (a *APISink) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	body, err := json.Marshal(map[string]float64{"latitude": l.Latitude, "longitude": l.Longitude})
	if err != nil {
		return err
	}
	u := a.BaseURL + "/api/v1/rides/" + url.PathEscape(l.RideID) + "/location"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", l.DriverID)
	req.Header.Set("X-User-Role", string(models.RoleDriver))
	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("report location: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("report location: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
