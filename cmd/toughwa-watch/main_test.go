package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talkincode/toughwa/internal/domain"
)

// scriptedSource answers each dial with the next scripted result.
type scriptedSource struct {
	mu     sync.Mutex
	script []func(fn func(domain.Event)) error
	dials  int
}

func (s *scriptedSource) Watch(ctx context.Context, id string, fn func(domain.Event)) error {
	s.mu.Lock()
	n := s.dials
	s.dials++
	s.mu.Unlock()
	if n < len(s.script) {
		return s.script[n](fn)
	}
	return domain.ErrNotFound
}

func notFound(func(domain.Event)) error { return domain.ErrNotFound }

func TestWatcherSurvivesRecreateWindow(t *testing.T) {
	src := &scriptedSource{script: []func(fn func(domain.Event)) error{
		notFound,
		notFound,
		func(fn func(domain.Event)) error {
			fn(domain.Event{Type: domain.EventQR, InstanceID: "i1", QR: "q1"})
			return nil
		},
		notFound,
		notFound,
	}}
	var got []domain.Event
	w := &watcher{
		src:         src,
		id:          "i1",
		push:        func(evt domain.Event) { got = append(got, evt) },
		initial:     time.Millisecond,
		maxNotFound: 2,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.run(ctx)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(got) != 1 || got[0].QR != "q1" {
		t.Fatalf("events = %+v", got)
	}
	// two misses, one stream, then three misses exhaust the budget
	if src.dials != 6 {
		t.Fatalf("dials = %d", src.dials)
	}
}

func TestWatcherStopsWithContext(t *testing.T) {
	src := &scriptedSource{script: []func(fn func(domain.Event)) error{
		func(func(domain.Event)) error { return errors.New("connection refused") },
	}}
	w := &watcher{src: src, id: "i1", push: func(domain.Event) {}, initial: time.Hour, maxNotFound: 2}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher ignored cancellation")
	}
}
