// Package tunnel runs a cloudflared quick tunnel as a supervised sidecar,
// exposing the daemon's HTTP port on a public trycloudflare URL.
package tunnel

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/logging"
)

// cloudflared announces the assigned hostname on stderr.
var urlRe = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

const sidecarID = "cloudflared"

type Config struct {
	Binary string // defaults to cloudflared
	Port   int    // local HTTP port to expose
}

// Tunnel supervises the sidecar and publishes the URL once it appears.
type Tunnel struct {
	cfg Config
	sup *process.Supervisor

	mu    sync.Mutex
	url   string
	ready chan struct{}

	log zerolog.Logger
}

func New(cfg Config) *Tunnel {
	if cfg.Binary == "" {
		cfg.Binary = "cloudflared"
	}
	t := &Tunnel{
		cfg:   cfg,
		ready: make(chan struct{}),
		log:   logging.With("tunnel"),
	}
	t.sup = process.NewSupervisor(process.DefaultConfig(), t.handleEvent)
	return t
}

// Start spawns the sidecar. The URL arrives asynchronously; use WaitURL.
func (t *Tunnel) Start() error {
	_, err := t.sup.Spawn(sidecarID, process.Spec{
		Command: t.cfg.Binary,
		Args:    []string{"tunnel", "--url", fmt.Sprintf("http://127.0.0.1:%d", t.cfg.Port)},
	})
	if err != nil {
		return fmt.Errorf("start tunnel: %w", err)
	}
	return nil
}

// Stop tears the sidecar down with the supervisor's SIGTERM escalation.
func (t *Tunnel) Stop() {
	t.sup.KillAll()
}

// URL returns the public URL, or "" while the sidecar is still registering.
func (t *Tunnel) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// WaitURL blocks until the URL is known or ctx expires.
func (t *Tunnel) WaitURL(ctx context.Context) (string, error) {
	select {
	case <-t.ready:
		return t.URL(), nil
	case <-ctx.Done():
		return "", fmt.Errorf("tunnel url: %w", ctx.Err())
	}
}

func (t *Tunnel) handleEvent(ev domain.Event) {
	if ev.Type != domain.EventProcessStderr {
		return
	}
	line, ok := ev.Data.(domain.ProcessLine)
	if !ok {
		return
	}
	match := urlRe.FindString(line.Line)
	if match == "" {
		return
	}
	t.mu.Lock()
	first := t.url == ""
	if first {
		t.url = match
	}
	t.mu.Unlock()
	if first {
		close(t.ready)
		t.log.Info().Str("url", match).Msg("tunnel established")
	}
}
