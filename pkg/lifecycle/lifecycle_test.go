package lifecycle_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/docuflow/docuflow/pkg/lifecycle"
)

func TestStartupHooks(t *testing.T) {
	c := lifecycle.New()

	var ran atomic.Int32
	c.OnStartup(func() { ran.Add(1) })
	c.OnStartup(func() { ran.Add(1) })

	if c.Ready() {
		t.Error("coordinator ready before WaitForStartup")
	}

	c.WaitForStartup()

	if got := ran.Load(); got != 2 {
		t.Errorf("startup hooks ran %d times, want 2", got)
	}
	if !c.Ready() {
		t.Error("coordinator not ready after WaitForStartup")
	}
}

func TestShutdownRunsHooks(t *testing.T) {
	c := lifecycle.New()

	var drained atomic.Bool
	c.OnShutdown(func() {
		<-c.Context().Done()
		drained.Store(true)
	})

	if err := c.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if !drained.Load() {
		t.Error("shutdown hook did not complete before Shutdown returned")
	}
	if c.Context().Err() == nil {
		t.Error("context not cancelled after Shutdown")
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := lifecycle.New()

	release := make(chan struct{})
	c.OnShutdown(func() {
		<-c.Context().Done()
		<-release
	})

	if err := c.Shutdown(10 * time.Millisecond); err == nil {
		t.Error("Shutdown returned nil with a hook still blocked")
	}
	close(release)
}
