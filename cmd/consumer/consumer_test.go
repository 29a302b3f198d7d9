package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

// fakeSink fails a fixed number of times before succeeding.
type fakeSink struct {
	fail  int
	calls int
}

func (f *fakeSink) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("sink fail")
	}
	return nil
}

var loc = models.DriverLocation{DriverID: "d1", RideID: "r1", Latitude: 1, Longitude: 2}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeSink{fail: 2}
	start := time.Now()
	if err := upsertWithRetry(context.Background(), f, loc, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeSink{fail: 5}
	if err := upsertWithRetry(context.Background(), f, loc, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestUpsertWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeSink{fail: 5}
	if err := upsertWithRetry(ctx, f, loc, 3, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsume_PersistsValidReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := storage.NewMemoryStore()
	geo := &fakeSink{fail: 10}
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`{"driver_id":"d1","ride_id":"r1","latitude":1,"longitude":2,"updated_at":"2024-05-01T09:00:00Z"}`)},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"driver_id":"d1","ride_id":"r1","latitude":3,"longitude":4,"updated_at":"2024-05-01T09:00:05Z"}`)},
	}}

	consume(ctx, r, []namedSink{{name: "geo", sink: geo}, {name: "store", sink: st}}, logging.Discard())

	got, err := st.LatestLocation(context.Background(), "d1", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Latitude != 3 || got.Longitude != 4 {
		t.Fatalf("expected the latest report, got %+v", got)
	}
	if geo.calls != 6 {
		t.Fatalf("expected 3 attempts per valid report on the failing sink, got %d", geo.calls)
	}
}
