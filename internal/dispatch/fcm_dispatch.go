package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/campus-rides/internal/models"
)

// PushNotifier posts ride updates to a push gateway webhook (an FCM HTTP v1
// relay or similar) for users who are not connected.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message pushBody `json:"message"`
}

type pushBody struct {
	Topic string            `json:"topic"`
	Data  map[string]string `json:"data"`
}

func (p *PushNotifier) Notify(ctx context.Context, userID string, u models.RideUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	body, err := json.Marshal(pushMessage{Message: pushBody{
		Topic: "user-" + userID,
		Data: map[string]string{
			"type":    string(u.Type),
			"ride_id": u.RideID,
			"update":  string(payload),
		},
	}})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", userID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push to %s: gateway returned %d", userID, resp.StatusCode)
	}
	return nil
}
