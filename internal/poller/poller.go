// Package poller drives the periodic fetch/publish loop: list the
// account's installations, flatten each site's diagnostics into
// per-device field maps, and hand one JSON payload per device to the
// publisher. The loop is sequential — cycles never overlap, and a
// missed tick is simply dropped.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/opstate"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/vrm"
)

// Source yields the sites to poll. Implemented by vrm.Session; kept as
// an interface so the loop can be driven by fakes in tests.
type Source interface {
	// Ready reports whether the source is authenticated. A not-ready
	// source causes the cycle to be skipped, not aborted.
	Ready() bool

	// Sites lists the installations visible to the account.
	Sites(ctx context.Context) ([]Site, error)
}

// Site is one installation to poll.
type Site interface {
	ID() int64
	Devices(ctx context.Context) (vrm.DeviceSnapshot, error)
}

// Publisher carries device payloads to the broker. Implemented by
// mqtt.Publisher.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, subtopic string)
}

// Recorder persists per-cycle stats. Optional.
type Recorder interface {
	RecordCycle(stats opstate.CycleStats) error
}

// Config configures the poll loop.
type Config struct {
	// Source yields the sites to poll each cycle.
	Source Source

	// Publisher receives one JSON payload per device per cycle.
	Publisher Publisher

	// Recorder, when set, receives stats after each completed cycle.
	// Record failures are logged, never escalated.
	Recorder Recorder

	// Interval is the delay between cycles.
	Interval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Poller periodically fetches diagnostics for every site and publishes
// them device by device.
type Poller struct {
	cfg Config
}

// New creates a poller.
func New(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Poller{cfg: cfg}
}

// Run executes an immediate first cycle and then one cycle per
// interval until ctx is cancelled, which is the only error-free way
// out. A failed site listing or diagnostics fetch aborts the run; an
// unauthenticated source merely skips the cycle.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if err := p.cycle(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			p.cfg.Logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			if err := p.cycle(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Poller) cycle(ctx context.Context) error {
	if !p.cfg.Source.Ready() {
		p.cfg.Logger.Warn("source not authenticated, skipping poll cycle")
		return nil
	}

	start := time.Now()

	sites, err := p.cfg.Source.Sites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}

	devices := 0
	messages := 0
	for _, site := range sites {
		snapshot, err := site.Devices(ctx)
		if err != nil {
			return fmt.Errorf("site %d diagnostics: %w", site.ID(), err)
		}
		devices += len(snapshot)

		// Sorted for stable publish order within a cycle.
		for _, key := range slices.Sorted(maps.Keys(snapshot)) {
			payload, err := json.Marshal(snapshot[key])
			if err != nil {
				p.cfg.Logger.Warn("dropping unencodable device payload",
					"site_id", site.ID(),
					"device", key,
					"error", err,
				)
				continue
			}
			p.cfg.Publisher.Publish(ctx, payload, fmt.Sprintf("site/%d/%s", site.ID(), key))
			messages++
		}
	}

	stats := opstate.CycleStats{
		CompletedAt: time.Now().UTC(),
		Duration:    time.Since(start),
		Sites:       len(sites),
		Devices:     devices,
		Messages:    messages,
	}
	if p.cfg.Recorder != nil {
		if err := p.cfg.Recorder.RecordCycle(stats); err != nil {
			p.cfg.Logger.Warn("failed to record cycle stats", "error", err)
		}
	}

	p.cfg.Logger.Debug("poll cycle complete",
		"sites", stats.Sites,
		"devices", stats.Devices,
		"messages", stats.Messages,
		"duration", stats.Duration.Round(time.Millisecond),
	)
	return nil
}
