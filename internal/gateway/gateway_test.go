package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	name     string
	startErr error

	mu      sync.Mutex
	stopped *[]string
}

func (f *fakeGateway) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeGateway) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.stopped = append(*f.stopped, f.name)
	return nil
}

func TestRun_StopsInReverseOrderOnCancel(t *testing.T) {
	var stopped []string
	a := &fakeGateway{name: "a", stopped: &stopped}
	b := &fakeGateway{name: "b", stopped: &stopped}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	if err := Run(ctx, testLogger(), time.Second, a, b); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stopped) != 2 || stopped[0] != "b" || stopped[1] != "a" {
		t.Errorf("stop order = %v, want [b a]", stopped)
	}
}

func TestRun_ReturnsStartError(t *testing.T) {
	var stopped []string
	boom := errors.New("address already in use")
	gw := &fakeGateway{name: "http", startErr: boom, stopped: &stopped}

	err := Run(context.Background(), testLogger(), time.Second, gw)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(stopped) != 1 {
		t.Errorf("gateway not stopped after failure: %v", stopped)
	}
}
