package stream

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const defaultPollInterval = 15 * time.Second

// SnapshotFetcher fetches the full task list, reporting request latency.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) ([]gjson.Result, time.Duration, error)
}

// SnapshotSink receives fetched snapshots.
type SnapshotSink interface {
	ApplySnapshot(records []gjson.Result, latency time.Duration)
}

type PollerConfig struct {
	// Interval between fallback fetches. Default 15s.
	Interval time.Duration

	// StateFn reports the stream connection state; the ticker skips a
	// fetch while the stream is live.
	StateFn func() ConnState

	Logger *logrus.Logger
}

// Poller refreshes task state over plain HTTP whenever the stream cannot.
// It never surfaces errors to the caller: a failed poll keeps the previous
// state and the next tick tries again.
type Poller struct {
	cfg     PollerConfig
	fetcher SnapshotFetcher
	sink    SnapshotSink
}

func NewPoller(cfg PollerConfig, fetcher SnapshotFetcher, sink SnapshotSink) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Poller{cfg: cfg, fetcher: fetcher, sink: sink}
}

// Run ticks until ctx is cancelled, fetching only while the stream is not
// live.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.cfg.StateFn != nil && p.cfg.StateFn() == StateLive {
				continue
			}
			p.fetchOnce(ctx)
		}
	}
}

// RefreshNow performs one immediate fetch regardless of stream state. Used
// right after local mutations so the list catches up without waiting for
// the next event or tick.
func (p *Poller) RefreshNow(ctx context.Context) {
	p.fetchOnce(ctx)
}

func (p *Poller) fetchOnce(ctx context.Context) {
	records, latency, err := p.fetcher.FetchSnapshot(ctx)
	if err != nil {
		p.cfg.Logger.Debugf("snapshot poll failed: %v", err)
		return
	}
	p.sink.ApplySnapshot(records, latency)
}
