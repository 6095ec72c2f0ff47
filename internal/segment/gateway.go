// Package segment sends pixel edits to the external segmentation service.
//
// The gateway packs the displayed label frame, the raw frame for actions
// that need intensities, and the cells of the displayed slice into a zip
// transfer package, posts it, and decodes the rewritten frame.
package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"labelcore/internal/arrays"
	"labelcore/internal/metrics"
)

var (
	// ErrNoFrame is returned before the first frame has been set.
	ErrNoFrame = errors.New("segment: no frame yet")
	// ErrBusy is returned while another edit is outstanding.
	ErrBusy = errors.New("segment: edit in flight")
	// ErrService wraps non-2xx answers from the service.
	ErrService = errors.New("segment: service error")
)

// State of the gateway.
type State int

const (
	WaitingForInitialFrame State = iota
	Idle
	Editing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Editing:
		return "editing"
	}
	return "waitingForInitialFrame"
}

// intensityActions need the raw frame.
var intensityActions = map[string]bool{
	"threshold":      true,
	"watershed":      true,
	"active_contour": true,
	"autofit":        true,
}

// NeedsRaw reports whether action reads pixel intensities.
func NeedsRaw(action string) bool {
	return intensityActions[action]
}

// Config is the gateway endpoint configuration.
type Config struct {
	URL       string
	Timeout   time.Duration
	WriteMode string
}

// Gateway implements arrays.Editor over HTTP.
type Gateway struct {
	client HTTPClient
	logger *slog.Logger

	mu    sync.Mutex
	cfg   Config
	state State
	view  arrays.View
}

// New creates a gateway. A nil client uses an http.Client without its own
// timeout; each request is bounded by cfg.Timeout instead.
func New(cfg Config, client HTTPClient, logger *slog.Logger) *Gateway {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteMode == "" {
		cfg.WriteMode = "overlap"
	}
	return &Gateway{
		client: client,
		logger: logger.With("component", "segment"),
		cfg:    cfg,
	}
}

// SetConfig swaps the endpoint. Edits already running keep the old one.
func (g *Gateway) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.WriteMode == "" {
		cfg.WriteMode = g.cfg.WriteMode
	}
	g.cfg = cfg
}

// State returns the current state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetView records the displayed frame. The first call leaves
// WaitingForInitialFrame.
func (g *Gateway) SetView(v arrays.View) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.view = v
	if g.state == WaitingForInitialFrame {
		g.state = Idle
	}
}

// Edit runs action against the displayed frame. Only one edit may be
// outstanding.
func (g *Gateway) Edit(ctx context.Context, action string, args map[string]any) (arrays.EditResult, error) {
	g.mu.Lock()
	switch g.state {
	case WaitingForInitialFrame:
		g.mu.Unlock()
		return arrays.EditResult{}, ErrNoFrame
	case Editing:
		g.mu.Unlock()
		return arrays.EditResult{}, ErrBusy
	}
	g.state = Editing
	view := g.view
	cfg := g.cfg
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.state = Idle
		g.mu.Unlock()
	}()

	started := time.Now()
	result, err := g.roundTrip(ctx, cfg, view, action, args)
	metrics.ObserveGateway(action, started, err)
	if err != nil {
		g.logger.Warn("segmentation edit failed", "action", action, "t", view.T, "c", view.Feature, "error", err)
		return arrays.EditResult{}, err
	}
	g.logger.Debug("segmentation edit applied", "action", action, "t", view.T, "c", view.Feature,
		"cells", len(result.Cells), "took", time.Since(started))
	return result, nil
}

func (g *Gateway) roundTrip(ctx context.Context, cfg Config, view arrays.View, action string, args map[string]any) (arrays.EditResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	pkg := Package{
		Edit: EditRequest{
			Width:     view.Labeled.Width,
			Height:    view.Labeled.Height,
			Action:    action,
			Args:      args,
			WriteMode: cfg.WriteMode,
		},
		Cells:   view.Cells,
		Labeled: view.Labeled,
	}
	if NeedsRaw(action) {
		if view.Raw == nil {
			return arrays.EditResult{}, fmt.Errorf("action %s needs a raw frame", action)
		}
		pkg.Raw = view.Raw
	}
	body, err := pkg.Encode()
	if err != nil {
		return arrays.EditResult{}, err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	url := strings.TrimRight(cfg.URL, "/") + "/api/edit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return arrays.EditResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/zip")

	resp, err := g.client.Do(req)
	if err != nil {
		return arrays.EditResult{}, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return arrays.EditResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return arrays.EditResult{}, fmt.Errorf("%w: %s: %s", ErrService, resp.Status, bytes.TrimSpace(data))
	}
	return DecodeResponse(data, view.Labeled.Width, view.Labeled.Height, view.T, view.Feature)
}
