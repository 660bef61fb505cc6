package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type countingReloader struct{ n atomic.Int64 }

func (c *countingReloader) Reload() error {
	c.n.Add(1)
	return nil
}

func TestRunStopsOnCancelWhileWaitingForDir(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, filepath.Join(t.TempDir(), "missing"), &countingReloader{})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRunReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	r := &countingReloader{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, dir, r)

	// Give the watcher time to attach before touching the directory.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for r.n.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("reload not triggered by filesystem change")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
