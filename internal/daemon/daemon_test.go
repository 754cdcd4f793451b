package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/config"
	apitypes "github.com/beamcode/beamcode/pkg/api"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Host:         "127.0.0.1",
		Port:         freePort(t),
		DataDir:      t.TempDir(),
		Adapter:      "claude",
		NoAutoLaunch: true,
		LogLevel:     "error",
		Limits:       config.DefaultLimits(),
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestLockExcludesSecondDaemon(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.unlock()

	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("second daemon acquired the same data dir")
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	waitHealthy(t, base)

	// PID file present while running.
	if _, err := os.Stat(filepath.Join(cfg.DataDir, pidFileName)); err != nil {
		t.Errorf("pid file: %v", err)
	}

	resp, err := http.Get(base + "/api/adapters")
	if err != nil {
		t.Fatalf("adapters: %v", err)
	}
	var list apitypes.AdapterListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(list.Adapters) != 7 {
		t.Errorf("adapters = %d, want 7", len(list.Adapters))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("daemon never shut down")
	}

	if _, err := os.Stat(filepath.Join(cfg.DataDir, pidFileName)); !os.IsNotExist(err) {
		t.Errorf("pid file survived shutdown: %v", err)
	}

	// The lock is free again.
	d2, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("relock after shutdown: %v", err)
	}
	d2.unlock()
}

func waitHealthy(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("daemon never became healthy")
}
