package backend

import (
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/visionwatch/backend/internal/classify"
	"github.com/visionwatch/backend/internal/config"
	"github.com/visionwatch/backend/internal/engine"
	"github.com/visionwatch/backend/internal/preprocess"
)

const customSystemPrompt = "You are a helpful assistant that analyzes images and answers questions about them."

// rawPreviewLen bounds the raw-response debug suffix on monitoring answers.
const rawPreviewLen = 80

// workerState is the worker goroutine's private view of the engine:
// the long-lived session, the current monitoring generator (nil after a
// failed recreate until the next lazy attempt), and the cached
// monitoring prompt derived from the active prompt configuration.
type workerState struct {
	sess        engine.Session
	gen         engine.Generator
	frameH      int
	frameW      int
	frameSize   int
	monitorMsgs []engine.Message
	useCase     classify.UseCase
	promptsRef  *config.Prompts
}

func (b *Backend) worker() {
	defer func() {
		b.ready.Store(false)
		b.workerDone.Store(true)
		close(b.done)
	}()

	st := b.bootstrap()
	if st == nil {
		return
	}
	defer st.sess.Close()

	b.refreshPrompts(st)
	b.ready.Store(true)
	slog.Info("worker ready",
		"inputShape", fmt.Sprintf("%dx%d", st.frameH, st.frameW),
		"frameSize", st.frameSize,
		"cooldown", b.cfg.Cooldown)

	// Start eligible for monitoring right away.
	lastInfer := time.Now().Add(-b.cfg.Cooldown)

	for b.running.Load() {
		var q *queryRequest
		var frame image.Image

		b.mu.Lock()
		prompts := b.prompts
		if b.query != nil {
			// Priority work always preempts, regardless of cooldown.
			q = b.query
			b.query = nil
		} else if b.hasFrame && !b.paused.Load() && time.Since(lastInfer) >= b.cfg.Cooldown {
			frame = b.pendingFrame
			b.pendingFrame = nil
			b.hasFrame = false
		}
		b.mu.Unlock()

		if q == nil && frame == nil {
			// Bounded park: re-evaluate periodically so a stop request
			// or cooldown expiry is noticed without a producer signal.
			select {
			case <-b.wake:
			case <-time.After(wakeCheckInterval):
			}
			continue
		}

		if prompts != st.promptsRef {
			b.mu.Lock()
			b.refreshPrompts(st)
			b.mu.Unlock()
		}

		if q != nil {
			b.runPriority(st, q)
			lastInfer = time.Now()
			continue
		}

		b.runMonitoring(st, frame)
		lastInfer = time.Now()
	}

	slog.Info("worker exiting")
}

// bootstrap scans for devices and acquires the session, with a warm-up
// delay before the first attempt and longer fixed delays between
// retries. Returns nil on fatal failure (no devices, retries exhausted,
// or stop requested mid-wait); the backend then never becomes ready.
func (b *Backend) bootstrap() *workerState {
	devices, err := b.eng.ScanDevices()
	if err != nil {
		slog.Error("device scan failed", "err", err)
		return nil
	}
	if len(devices) == 0 {
		slog.Error("no devices found")
		return nil
	}
	slog.Info("devices found", "devices", devices)

	var sess engine.Session
	for attempt := 1; attempt <= b.cfg.MaxRetries && b.running.Load(); attempt++ {
		wait := b.cfg.RetryDelay
		if attempt == 1 {
			wait = b.cfg.WarmupDelay
		}
		slog.Info("waiting before session attempt",
			"wait", wait, "attempt", attempt, "maxRetries", b.cfg.MaxRetries)
		if !b.sleepWhileRunning(wait) {
			return nil
		}

		sess, err = b.eng.NewSession()
		if err == nil {
			break
		}
		sess = nil
		slog.Warn("session create failed", "attempt", attempt, "err", err)
	}
	if sess == nil {
		slog.Error("cannot acquire session, worker aborting")
		return nil
	}

	st := &workerState{sess: sess}
	st.frameH, st.frameW = sess.InputShape()
	st.frameSize = sess.InputFrameSize()

	gen, err := b.newMonitorGenerator(sess)
	if err != nil {
		// Not fatal: the monitoring branch retries lazily.
		slog.Warn("monitor generator create failed", "err", err)
	}
	st.gen = gen
	return st
}

// sleepWhileRunning sleeps for d in small steps, returning false early
// if a stop was requested.
func (b *Backend) sleepWhileRunning(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for b.running.Load() {
		rest := time.Until(deadline)
		if rest <= 0 {
			return true
		}
		if rest > shutdownPollInterval {
			rest = shutdownPollInterval
		}
		time.Sleep(rest)
	}
	return false
}

func (b *Backend) newMonitorGenerator(sess engine.Session) (engine.Generator, error) {
	return sess.NewGenerator(engine.Params{
		Temperature: b.engCfg.Temperature,
		MaxTokens:   b.cfg.MonitorMaxTokens,
		Seed:        b.engCfg.Seed,
	})
}

// refreshPrompts rebuilds the cached monitoring messages and use case
// from the current prompt configuration. Caller holds b.mu.
func (b *Backend) refreshPrompts(st *workerState) {
	p := b.prompts
	st.promptsRef = p
	st.monitorMsgs = buildMessages(p.SystemPrompt, p.MonitorUserPrompt())
	uc := p.ActiveUseCase()
	st.useCase = classify.UseCase{Options: uc.Options, Keywords: uc.Keywords}
}

func buildMessages(system, user string) []engine.Message {
	var msgs []engine.Message
	if system != "" {
		msgs = append(msgs, engine.Message{Role: "system", Text: system})
	}
	msgs = append(msgs, engine.Message{Role: "user", Text: user, HasImage: true})
	return msgs
}

// runPriority services one priority query. The monitoring generator is
// destroyed first and recreated after: the device permits only one
// generator, and one-shot generation may not coexist with it.
func (b *Backend) runPriority(st *workerState, q *queryRequest) {
	b.abort.Store(false)
	if q.cancelled.Load() {
		// Caller already timed out before we picked the request up.
		return
	}

	if st.gen != nil {
		st.gen.Close()
		st.gen = nil
	}

	start := time.Now()
	answer, failed := b.priorityAnswer(st, q)

	if gen, err := b.newMonitorGenerator(st.sess); err != nil {
		slog.Warn("monitor generator recreate failed", "err", err)
	} else {
		st.gen = gen
	}

	res := Result{Answer: answer, Elapsed: time.Since(start)}
	b.stats.RecordQuery(res.Elapsed, failed)

	if q.cancelled.CompareAndSwap(false, true) {
		q.result <- res
	} else {
		slog.Info("discarding late query result", "elapsed", res.Elapsed)
	}
}

func (b *Backend) priorityAnswer(st *workerState, q *queryRequest) (string, bool) {
	buf := preprocess.ToFrame(q.frame, st.frameH, st.frameW)
	msgs := buildMessages(customSystemPrompt, q.prompt)

	completion, err := st.sess.Generate(engine.Params{
		Temperature: b.cfg.QueryTemperature,
		MaxTokens:   b.cfg.QueryMaxTokens,
		Seed:        b.engCfg.Seed,
	}, msgs, [][]byte{buf})
	if err != nil {
		st.sess.ClearContext()
		return "Error: " + err.Error(), true
	}

	text, readErr := b.readTokens(completion, b.cfg.QueryMaxTokens, b.cfg.StreamTokens, q.cancelled)
	st.sess.ClearContext()

	if readErr != nil && text == "" {
		return "Error: " + readErr.Error(), true
	}
	if text == "" {
		if b.abort.Load() {
			return "Aborted", false
		}
		return "No response", false
	}
	return text, readErr != nil
}

// runMonitoring services one monitoring cycle: preprocess, generate,
// read tokens, classify, and publish into the mailbox. Any generation
// failure is converted into an error-tagged answer plus a generator
// recovery; the loop always continues.
func (b *Backend) runMonitoring(st *workerState, frame image.Image) {
	b.abort.Store(false)

	if st.gen == nil {
		// Previous recreate failed; retry now that monitoring is due.
		gen, err := b.newMonitorGenerator(st.sess)
		if err != nil {
			slog.Warn("cannot create monitor generator", "err", err)
			return
		}
		st.gen = gen
	}

	start := time.Now()
	answer, failed := b.monitorAnswer(st, frame)
	res := Result{Answer: answer, Elapsed: time.Since(start)}
	b.stats.RecordMonitor(res.Elapsed, failed)

	b.mu.Lock()
	if b.hasResult {
		b.stats.RecordResultDrop()
	}
	b.resultBuf = MonitoringResult{Frame: frame, Result: res}
	b.hasResult = true
	b.mu.Unlock()
}

func (b *Backend) monitorAnswer(st *workerState, frame image.Image) (string, bool) {
	buf := preprocess.ToFrame(frame, st.frameH, st.frameW)

	completion, err := st.gen.Generate(st.monitorMsgs, [][]byte{buf})
	if err != nil {
		st.sess.ClearContext()
		b.recoverGenerator(st, err)
		return "Error: " + err.Error(), true
	}

	text, readErr := b.readTokens(completion, b.cfg.MonitorMaxTokens, false, nil)
	st.sess.ClearContext()

	if readErr != nil {
		// Token read failure or timeout: recover the generator and
		// finish with whatever partial text was collected.
		b.recoverGenerator(st, readErr)
		if text == "" {
			return "Aborted", true
		}
	}

	answer := classify.Classify(text, st.useCase)
	if text != "" {
		preview := text
		if len(preview) > rawPreviewLen {
			preview = preview[:rawPreviewLen] + "..."
		}
		answer += " [raw: " + preview + "]"
	}
	return answer, readErr != nil
}

// recoverGenerator destroys and recreates the monitoring generator
// after a generation failure. If recreation fails the generator is left
// absent and retried lazily on the next monitoring cycle; the worker
// never terminates over a recoverable failure.
func (b *Backend) recoverGenerator(st *workerState, cause error) {
	slog.Warn("generation failed, recreating generator", "err", cause)
	b.stats.RecordRecovery()
	if st.gen != nil {
		st.gen.Close()
		st.gen = nil
	}
	gen, err := b.newMonitorGenerator(st.sess)
	if err != nil {
		slog.Warn("generator recreate failed, will retry lazily", "err", err)
		return
	}
	st.gen = gen
	slog.Info("generator recreated")
}
