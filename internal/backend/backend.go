// Package backend is the inference-orchestration core: a single worker
// goroutine multiplexing throttled monitoring inference and on-demand
// priority queries against the exclusive generation resource.
//
// Producers hand work to the worker through two single-slot buffers (the
// newest monitoring frame and at most one pending priority query) and
// read results back through a single-slot mailbox. All three slots are
// latest-value-wins: a slow consumer loses intermediate values, never
// memory.
package backend

import (
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visionwatch/backend/internal/config"
	"github.com/visionwatch/backend/internal/engine"
	"github.com/visionwatch/backend/internal/stats"
)

// ErrBusy is returned by RunQuery while another priority query is
// pending. Queries are not queued; the caller retries after the pending
// one resolves.
var ErrBusy = errors.New("backend: a priority query is already pending")

// wakeCheckInterval bounds the worker's idle wait so stop requests and
// cooldown expiry are noticed promptly.
const wakeCheckInterval = 200 * time.Millisecond

// shutdownPollInterval is how often Close polls the worker-done flag.
const shutdownPollInterval = 100 * time.Millisecond

// Result is one inference outcome.
type Result struct {
	Answer  string        `json:"answer"`
	Elapsed time.Duration `json:"elapsed"`
}

// MonitoringResult pairs a classification result with the frame it was
// computed from.
type MonitoringResult struct {
	Frame  image.Image `json:"-"`
	Result Result      `json:"result"`
}

// queryRequest is the single-slot priority request. The cancelled flag
// is the delivery arbiter: whichever side swaps it first (the worker
// finishing or the caller timing out) owns the outcome.
type queryRequest struct {
	frame     image.Image
	prompt    string
	result    chan Result // buffered, written at most once
	cancelled *atomic.Bool
}

// Backend owns the worker goroutine and the request/result slots.
type Backend struct {
	cfg    config.WorkerConfig
	engCfg config.EngineConfig
	eng    engine.Engine
	stats  *stats.Tracker

	mu           sync.Mutex
	prompts      *config.Prompts
	pendingFrame image.Image
	hasFrame     bool
	query        *queryRequest
	resultBuf    MonitoringResult
	hasResult    bool

	// Control flags. Each has a single writer and is read lock-free so
	// liveness checks never contend with the slot mutex.
	running    atomic.Bool
	paused     atomic.Bool
	ready      atomic.Bool
	abort      atomic.Bool
	workerDone atomic.Bool

	wake chan struct{} // cap 1; coalesced worker wakeup
	done chan struct{} // closed when the worker goroutine returns
}

// New starts the worker goroutine. The backend is not ready until
// bootstrap (device scan + session acquisition) succeeds; until then
// monitoring frames are accepted but silently dropped and queries get a
// "not ready" answer.
func New(cfg *config.Config, prompts *config.Prompts, eng engine.Engine, tracker *stats.Tracker) *Backend {
	b := &Backend{
		cfg:     cfg.Worker,
		engCfg:  cfg.Engine,
		eng:     eng,
		stats:   tracker,
		prompts: prompts,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.running.Store(true)
	go b.worker()
	return b
}

// notify wakes the worker if it is parked. Non-blocking; concurrent
// notifications coalesce into one wakeup.
func (b *Backend) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// SubmitFrame offers the newest monitoring frame. Non-blocking; an
// unconsumed previous frame is overwritten.
func (b *Backend) SubmitFrame(frame image.Image) {
	if frame == nil {
		return
	}
	b.mu.Lock()
	if b.hasFrame {
		b.stats.RecordFrameDrop()
	}
	b.pendingFrame = frame
	b.hasFrame = true
	b.mu.Unlock()
	b.notify()
}

// PollResult returns and clears the most recent monitoring result.
// Non-blocking. Results produced faster than they are polled are
// replaced, not queued.
func (b *Backend) PollResult() (MonitoringResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasResult {
		return MonitoringResult{}, false
	}
	out := b.resultBuf
	b.resultBuf = MonitoringResult{}
	b.hasResult = false
	return out, true
}

// PauseMonitoring suppresses the monitoring branch. Priority queries
// are still serviced while paused.
func (b *Backend) PauseMonitoring() { b.paused.Store(true) }

// ResumeMonitoring re-enables monitoring eligibility.
func (b *Backend) ResumeMonitoring() {
	b.paused.Store(false)
	b.notify()
}

// Paused reports whether monitoring is suppressed.
func (b *Backend) Paused() bool { return b.paused.Load() }

// AbortCurrent requests cooperative abort of whatever inference is in
// flight. Observed at token-read granularity.
func (b *Backend) AbortCurrent() { b.abort.Store(true) }

// Ready reports whether bootstrap succeeded. Stays false forever after
// a fatal bootstrap failure.
func (b *Backend) Ready() bool { return b.ready.Load() }

// ReplacePrompts swaps the prompt configuration. The worker picks the
// new prompts up on its next monitoring cycle.
func (b *Backend) ReplacePrompts(p *config.Prompts) {
	b.mu.Lock()
	b.prompts = p
	b.mu.Unlock()
}

// RunQuery runs a priority inference with an arbitrary prompt. It
// preempts monitoring work and blocks the caller up to the configured
// query timeout; past that bound a timeout-flavored result is returned
// and a late worker completion is discarded. A second query while one
// is pending is rejected with ErrBusy rather than silently replacing
// the first caller's work.
func (b *Backend) RunQuery(frame image.Image, prompt string) (Result, error) {
	if frame == nil {
		return Result{}, errors.New("backend: query frame required")
	}
	if !b.running.Load() || !b.ready.Load() {
		return Result{Answer: "Device not ready"}, nil
	}

	req := &queryRequest{
		frame:     frame,
		prompt:    prompt,
		result:    make(chan Result, 1),
		cancelled: &atomic.Bool{},
	}

	b.mu.Lock()
	if b.query != nil {
		b.mu.Unlock()
		return Result{}, ErrBusy
	}
	b.query = req
	b.mu.Unlock()
	b.notify()

	timer := time.NewTimer(b.cfg.QueryTimeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res, nil
	case <-timer.C:
		if req.cancelled.CompareAndSwap(false, true) {
			// We won the race: the worker's eventual result is dropped.
			b.abort.Store(true)
			b.stats.RecordQueryTimeout()
			return Result{Answer: "Query timeout", Elapsed: b.cfg.QueryTimeout}, nil
		}
		// The worker swapped the flag first; its result is already in
		// the buffered channel (or one send away).
		return <-req.result, nil
	}
}

// Close requests a stop and waits up to the shutdown timeout for the
// worker to exit. If the worker is stuck inside an unresponsive
// dependency call past the bound, Close detaches: it returns and lets
// the process exit with the goroutine still parked underneath. A hung
// device must never prevent application shutdown.
func (b *Backend) Close() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.abort.Store(true)
	b.notify()

	deadline := time.Now().Add(b.cfg.ShutdownTimeout)
	for !b.workerDone.Load() && time.Now().Before(deadline) {
		time.Sleep(shutdownPollInterval)
	}

	if b.workerDone.Load() {
		<-b.done
		return
	}
	slog.Warn("worker not responding within shutdown bound, detaching",
		"timeout", b.cfg.ShutdownTimeout)
}
