package testutil

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestAssertNoError(t *testing.T) {
	t.Parallel()
	AssertNoError(t, nil)
}

func TestAssertError(t *testing.T) {
	t.Parallel()
	AssertError(t, os.ErrNotExist)
}

func TestSocketPath(t *testing.T) {
	p := SocketPath(t)
	if filepath.Base(p) != "ctl.sock" {
		t.Errorf("SocketPath() = %q, want ctl.sock basename", p)
	}
	if len(p) > 100 {
		t.Errorf("SocketPath() too long for a unix socket: %d bytes", len(p))
	}
	if _, err := os.Stat(filepath.Dir(p)); err != nil {
		t.Errorf("socket dir missing: %v", err)
	}
}

func TestEventually(t *testing.T) {
	var n atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		n.Store(1)
	}()
	Eventually(t, time.Second, func() bool { return n.Load() == 1 }, "flag set")
}

func TestLocalRequest(t *testing.T) {
	req := LocalRequest("GET", "/debug/", nil)
	if req.RemoteAddr != "127.0.0.1:12345" {
		t.Errorf("RemoteAddr = %q", req.RemoteAddr)
	}
}
