package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/visionwatch/backend/internal/backend"
	"github.com/visionwatch/backend/internal/ws"
)

// resultPollInterval is how often the poller drains the result mailbox.
// Faster than any realistic inference cadence, so results are forwarded
// promptly; the mailbox still protects against a stalled poller.
const resultPollInterval = 200 * time.Millisecond

// Pump pushes frames from a source into the backend at a fixed rate.
// Submission is non-blocking; if inference is slower than the rate the
// backend's frame slot drops the stale frames.
type Pump struct {
	source   Source
	backend  *backend.Backend
	interval time.Duration
}

func NewPump(src Source, b *backend.Backend, interval time.Duration) *Pump {
	return &Pump{source: src, backend: b, interval: interval}
}

// Run blocks until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("frame pump started", "source", p.source.Name(), "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("frame pump stopped")
			return
		case <-ticker.C:
			frame, err := p.source.Next()
			if err != nil {
				slog.Warn("frame source error", "source", p.source.Name(), "err", err)
				continue
			}
			p.backend.SubmitFrame(frame)
		}
	}
}

// Poller forwards monitoring results from the backend's mailbox to the
// websocket broadcaster.
type Poller struct {
	backend     *backend.Backend
	broadcaster *ws.Broadcaster
}

func NewPoller(b *backend.Backend, br *ws.Broadcaster) *Poller {
	return &Poller{backend: b, broadcaster: br}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, ok := p.backend.PollResult()
			if !ok {
				continue
			}
			slog.Info("monitoring result",
				"answer", res.Result.Answer, "elapsed", res.Result.Elapsed)
			p.broadcaster.QueueResult(ws.ResultPayload{
				Answer:    res.Result.Answer,
				ElapsedMS: res.Result.Elapsed.Milliseconds(),
				At:        time.Now(),
				Frame:     ws.EncodeFrame(res.Frame),
			})
		}
	}
}
