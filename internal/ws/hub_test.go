package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRoutesByChannel(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	samples := &recordingSubscriber{}
	other := &recordingSubscriber{}
	hub.Register("samples", samples)
	hub.Register("other", other)
	waitUntil(t, func() bool { return hub.Subscribers("samples") == 1 && hub.Subscribers("other") == 1 })

	hub.Broadcast("samples", []byte(`{"id":"1"}`))
	waitUntil(t, func() bool { return samples.received() == 1 })
	if other.received() != 0 {
		t.Fatalf("expected other channel untouched")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	broken := &recordingSubscriber{fail: true}
	hub.Register("samples", broken)
	waitUntil(t, func() bool { return hub.Subscribers("samples") == 1 })

	hub.Broadcast("samples", []byte("x"))
	waitUntil(t, func() bool { return hub.Subscribers("samples") == 0 })
	broken.mu.Lock()
	defer broken.mu.Unlock()
	if !broken.closed {
		t.Fatalf("expected failing subscriber closed")
	}
}

func TestHubStopClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("samples", sub)
	hub.Stop()
	waitUntil(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.closed
	})
	if hub.Broadcast("samples", []byte("late")) {
		t.Fatalf("expected broadcast after stop to be refused")
	}
}
