package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); err != nil || sent {
		t.Fatalf("Ready() = %v, %v", sent, err)
	}
	if d, err := WatchdogInterval(); err != nil || d != 0 {
		t.Fatalf("WatchdogInterval() = %v, %v", d, err)
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "20000000")
	t.Setenv("WATCHDOG_PID", "")

	d, err := WatchdogInterval()
	if err != nil {
		t.Fatal(err)
	}
	if d != 10*time.Second {
		t.Fatalf("interval = %v", d)
	}
}

func TestWatchdogStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pings := 0
	go func() {
		defer close(done)
		Watchdog(ctx, 5*time.Millisecond, func() bool { pings++; return true })
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
	if pings == 0 {
		t.Fatal("healthy never consulted")
	}
}
