package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

const notifyChannel = "table_changes"

// pgFeed multiplexes the single LISTEN connection onto in-process
// subscriptions. Row filters are evaluated here, not in the database.
type pgFeed struct {
	dsn    string
	logger *slog.Logger

	mu       sync.Mutex
	listener *pq.Listener
	done     chan struct{}
	subs     map[uint64]*pgChannel
	nextSub  uint64
}

func newPGFeed(dsn string, logger *slog.Logger) *pgFeed {
	return &pgFeed{dsn: dsn, logger: logger, subs: make(map[uint64]*pgChannel)}
}

func (f *pgFeed) subscribe(spec Spec, fn func(ChangeEvent)) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		if err := f.start(); err != nil {
			return nil, err
		}
	}
	f.nextSub++
	c := &pgChannel{id: f.nextSub, spec: spec, fn: fn, feed: f}
	f.subs[c.id] = c
	return c, nil
}

// start opens the LISTEN connection; f.mu must be held.
func (f *pgFeed) start() error {
	l := pq.NewListener(f.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			f.logger.Warn("change_feed_disconnected", "error", err)
		case pq.ListenerEventReconnected:
			f.logger.Info("change_feed_reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			f.logger.Warn("change_feed_connect_failed", "error", err)
		}
	})
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	f.listener = l
	f.done = make(chan struct{})
	go f.run(l, f.done)
	return nil
}

func (f *pgFeed) run(l *pq.Listener, done chan struct{}) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected; notifications sent while disconnected are lost.
				continue
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				f.logger.Warn("change_feed_bad_payload", "error", err)
				continue
			}
			f.deliver(ev)
		case <-ping.C:
			go func() { _ = l.Ping() }()
		}
	}
}

func (f *pgFeed) deliver(ev ChangeEvent) {
	f.mu.Lock()
	targets := make([]*pgChannel, 0, len(f.subs))
	for _, c := range f.subs {
		if c.spec.matches(ev) {
			targets = append(targets, c)
		}
	}
	f.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, c := range targets {
		if c.open() {
			c.fn(ev)
		}
	}
}

func (f *pgFeed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *pgFeed) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = make(map[uint64]*pgChannel)
	if f.listener == nil {
		return nil
	}
	close(f.done)
	err := f.listener.Close()
	f.listener = nil
	return err
}

type pgChannel struct {
	id   uint64
	spec Spec
	fn   func(ChangeEvent)
	feed *pgFeed

	mu     sync.Mutex
	closed bool
}

func (c *pgChannel) open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *pgChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.feed.remove(c.id)
	return nil
}
