package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestRedactDSN(t *testing.T) {
	cases := []struct{ in, want string }{
		{"postgres://intake:hunter2@db:5432/intake?sslmode=disable", "postgres://intake:****@db:5432/intake?sslmode=disable"},
		{"postgres://intake@db:5432/intake", "postgres://intake@db:5432/intake"},
		{"", ""},
	}
	for _, c := range cases {
		if got := redactDSN(c.in); got != c.want {
			t.Fatalf("redactDSN(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

type gateSpy struct {
	workerDone *atomic.Bool
	calledLate atomic.Bool
	called     atomic.Bool
}

func (g *gateSpy) Shutdown() {
	g.called.Store(true)
	g.calledLate.Store(g.workerDone.Load())
}

func TestDrain_WaitsForWorkerPastHTTPTimeout(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	workerDone := make(chan error, 1)
	var finished atomic.Bool
	gate := &gateSpy{workerDone: &finished}
	jobErr := errors.New("queue closed")

	go func() {
		// the in-flight job outlives the HTTP shutdown timeout
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		workerDone <- jobErr
	}()

	start := time.Now()
	err := drain(&http.Server{}, workerDone, gate, 10*time.Millisecond, log)

	if !errors.Is(err, jobErr) {
		t.Fatalf("expected worker error, got %v", err)
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Fatalf("drain returned before the worker finished")
	}
	if !gate.called.Load() || !gate.calledLate.Load() {
		t.Fatalf("browser sessions must be drained after the worker stops")
	}
}
