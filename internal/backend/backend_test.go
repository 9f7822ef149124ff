package backend

import (
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/visionwatch/backend/internal/config"
	"github.com/visionwatch/backend/internal/engine"
	"github.com/visionwatch/backend/internal/mock"
	"github.com/visionwatch/backend/internal/stats"
)

// fastConfig shrinks every worker timing so a full bootstrap plus a few
// inference cycles fits in milliseconds.
func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Worker.Cooldown = 40 * time.Millisecond
	cfg.Worker.WarmupDelay = 5 * time.Millisecond
	cfg.Worker.RetryDelay = 10 * time.Millisecond
	cfg.Worker.MaxRetries = 3
	cfg.Worker.TokenReadTimeout = 100 * time.Millisecond
	cfg.Worker.QueryTimeout = 500 * time.Millisecond
	cfg.Worker.ShutdownTimeout = 400 * time.Millisecond
	return cfg
}

func startBackend(t *testing.T, mc mock.Config, adjust func(*config.Config)) (*Backend, *mock.Engine, *stats.Tracker) {
	t.Helper()
	if mc.Height == 0 {
		mc.Height = 8
	}
	if mc.Width == 0 {
		mc.Width = 8
	}
	eng := mock.NewEngine(mc)
	cfg := fastConfig()
	if adjust != nil {
		adjust(cfg)
	}
	tr := stats.NewTracker()
	b := New(cfg, config.DefaultPrompts(), eng, tr)
	t.Cleanup(b.Close)
	return b, eng, tr
}

func waitReady(t *testing.T, b *Backend) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Ready() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("backend never became ready")
}

func waitWorkerDone(t *testing.T, b *Backend) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.workerDone.Load() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker never exited")
}

func waitResult(t *testing.T, b *Backend) MonitoringResult {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := b.PollResult(); ok {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no monitoring result arrived")
	return MonitoringResult{}
}

func waitMonitorCount(t *testing.T, tr *stats.Tracker, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Snapshot().MonitorInferences >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitoring inference count never reached %d (got %d)",
		n, tr.Snapshot().MonitorInferences)
}

// testFrame returns an 8x8 frame whose red channel identifies it after
// preprocessing.
func testFrame(shade uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{R: shade, A: 255})
		}
	}
	return img
}

// scriptResponder serves one response per generation call, sticking on
// the last entry, and records the red channel of every frame it sees.
type scriptResponder struct {
	mu        sync.Mutex
	responses []string
	calls     int
	frames    []byte
}

func (s *scriptResponder) respond(msgs []engine.Message, frames [][]byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(frames) > 0 && len(frames[0]) > 0 {
		s.frames = append(s.frames, frames[0][0])
	}
	resp := "nothing happening"
	if len(s.responses) > 0 {
		i := s.calls
		if i >= len(s.responses) {
			i = len(s.responses) - 1
		}
		resp = s.responses[i]
	}
	s.calls++
	return resp
}

func (s *scriptResponder) seenFrames() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.frames...)
}

func TestBootstrapRetriesSessionCreate(t *testing.T) {
	b, eng, _ := startBackend(t, mock.Config{FailCreates: 2}, nil)
	waitReady(t, b)
	if got := eng.SessionsCreated(); got != 1 {
		t.Errorf("SessionsCreated = %d, want 1", got)
	}
}

func TestBootstrapGivesUpAfterMaxRetries(t *testing.T) {
	b, _, _ := startBackend(t, mock.Config{FailCreates: 10}, func(cfg *config.Config) {
		cfg.Worker.MaxRetries = 2
	})
	waitWorkerDone(t, b)
	if b.Ready() {
		t.Error("backend reported ready after exhausted session retries")
	}

	res, err := b.RunQuery(testFrame(1), "what do you see?")
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if res.Answer != "Device not ready" {
		t.Errorf("query answer = %q, want %q", res.Answer, "Device not ready")
	}
}

func TestBootstrapFailsWithoutDevices(t *testing.T) {
	b, _, _ := startBackend(t, mock.Config{NoDevices: true}, nil)
	waitWorkerDone(t, b)
	if b.Ready() {
		t.Error("backend reported ready with no devices present")
	}
}

func TestMonitoringClassifiesAndPublishes(t *testing.T) {
	sr := &scriptResponder{responses: []string{"The person is reaching toward the shelf."}}
	b, _, _ := startBackend(t, mock.Config{Respond: sr.respond}, nil)
	waitReady(t, b)

	b.SubmitFrame(testFrame(10))
	res := waitResult(t, b)

	if !strings.HasPrefix(res.Result.Answer, "pickup") {
		t.Errorf("answer = %q, want pickup classification", res.Result.Answer)
	}
	if !strings.Contains(res.Result.Answer, "[raw: The person is reaching") {
		t.Errorf("answer %q is missing the raw response suffix", res.Result.Answer)
	}
	if res.Result.Elapsed <= 0 {
		t.Errorf("elapsed = %v, want > 0", res.Result.Elapsed)
	}
	if res.Frame == nil {
		t.Error("result is missing the source frame")
	}
}

func TestFrameSlotKeepsNewest(t *testing.T) {
	sr := &scriptResponder{}
	b, _, tr := startBackend(t, mock.Config{Respond: sr.respond}, nil)
	waitReady(t, b)

	b.PauseMonitoring()
	b.SubmitFrame(testFrame(1))
	b.SubmitFrame(testFrame(2))
	b.SubmitFrame(testFrame(3))

	if got := tr.Snapshot().FramesDropped; got != 2 {
		t.Errorf("FramesDropped = %d, want 2", got)
	}

	b.ResumeMonitoring()
	waitResult(t, b)

	frames := sr.seenFrames()
	if len(frames) != 1 || frames[0] != 3 {
		t.Errorf("inferred frames = %v, want only the newest (shade 3)", frames)
	}
}

func TestResultMailboxKeepsNewest(t *testing.T) {
	sr := &scriptResponder{responses: []string{"first answer alpha", "second answer beta"}}
	b, _, tr := startBackend(t, mock.Config{Respond: sr.respond}, nil)
	waitReady(t, b)

	b.SubmitFrame(testFrame(1))
	waitMonitorCount(t, tr, 1)
	b.SubmitFrame(testFrame(2))
	waitMonitorCount(t, tr, 2)
	time.Sleep(50 * time.Millisecond) // let the second result land in the mailbox

	res, ok := b.PollResult()
	if !ok {
		t.Fatal("no result in mailbox")
	}
	if !strings.Contains(res.Result.Answer, "second answer beta") {
		t.Errorf("answer = %q, want the newer result", res.Result.Answer)
	}
	if _, ok := b.PollResult(); ok {
		t.Error("mailbox held a second result after being drained")
	}
	if got := tr.Snapshot().ResultsDropped; got != 1 {
		t.Errorf("ResultsDropped = %d, want 1", got)
	}
}

func TestCooldownThrottlesMonitoring(t *testing.T) {
	b, _, tr := startBackend(t, mock.Config{}, func(cfg *config.Config) {
		cfg.Worker.Cooldown = 150 * time.Millisecond
	})
	waitReady(t, b)

	stop := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(stop) {
		b.SubmitFrame(testFrame(1))
		time.Sleep(10 * time.Millisecond)
	}

	n := tr.Snapshot().MonitorInferences
	if n < 2 || n > 5 {
		t.Errorf("inferences in 500ms with 150ms cooldown = %d, want 2..5", n)
	}
}

func TestQueryServicedWhilePaused(t *testing.T) {
	sr := &scriptResponder{responses: []string{"a red box on a table"}}
	b, _, tr := startBackend(t, mock.Config{Respond: sr.respond}, nil)
	waitReady(t, b)

	b.PauseMonitoring()
	b.SubmitFrame(testFrame(1))

	res, err := b.RunQuery(testFrame(9), "what object is visible?")
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if res.Answer != "a red box on a table" {
		t.Errorf("query answer = %q", res.Answer)
	}

	snap := tr.Snapshot()
	if snap.QueryInferences != 1 {
		t.Errorf("QueryInferences = %d, want 1", snap.QueryInferences)
	}
	if snap.MonitorInferences != 0 {
		t.Errorf("MonitorInferences = %d while paused, want 0", snap.MonitorInferences)
	}

	b.ResumeMonitoring()
	waitResult(t, b)
}

func TestQueryIgnoresCooldown(t *testing.T) {
	b, _, tr := startBackend(t, mock.Config{}, func(cfg *config.Config) {
		cfg.Worker.Cooldown = 2 * time.Second
	})
	waitReady(t, b)

	b.SubmitFrame(testFrame(1))
	waitMonitorCount(t, tr, 1)

	// Cooldown now blocks monitoring for 2s; a priority query must not wait.
	b.SubmitFrame(testFrame(2))
	start := time.Now()
	if _, err := b.RunQuery(testFrame(3), "anything unusual?"); err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("query took %v despite priority over cooldown", d)
	}

	snap := tr.Snapshot()
	if snap.QueryInferences != 1 {
		t.Errorf("QueryInferences = %d, want 1", snap.QueryInferences)
	}
	if snap.MonitorInferences != 1 {
		t.Errorf("MonitorInferences = %d, want still 1", snap.MonitorInferences)
	}
}

func TestSecondQueryRejectedWhileBusy(t *testing.T) {
	long := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen"
	sr := &scriptResponder{responses: []string{long, "query answer done"}}
	b, _, _ := startBackend(t, mock.Config{Respond: sr.respond, TokenDelay: 30 * time.Millisecond},
		func(cfg *config.Config) {
			cfg.Worker.QueryTimeout = 2 * time.Second
		})
	waitReady(t, b)

	// Occupy the worker with a slow monitoring inference so the query
	// request stays parked in its slot.
	b.SubmitFrame(testFrame(1))
	time.Sleep(60 * time.Millisecond)

	type qres struct {
		res Result
		err error
	}
	first := make(chan qres, 1)
	go func() {
		r, err := b.RunQuery(testFrame(2), "first question")
		first <- qres{r, err}
	}()
	time.Sleep(60 * time.Millisecond)

	if _, err := b.RunQuery(testFrame(3), "second question"); !errors.Is(err, ErrBusy) {
		t.Errorf("second concurrent query error = %v, want ErrBusy", err)
	}

	got := <-first
	if got.err != nil {
		t.Fatalf("first query: %v", got.err)
	}
	if got.res.Answer != "query answer done" {
		t.Errorf("first query answer = %q", got.res.Answer)
	}
}

func TestQueryTimeoutAbortsAndDiscardsLateResult(t *testing.T) {
	long := strings.Repeat("word ", 30)
	sr := &scriptResponder{responses: []string{long, "short second answer"}}
	b, eng, tr := startBackend(t, mock.Config{Respond: sr.respond, TokenDelay: 40 * time.Millisecond},
		func(cfg *config.Config) {
			cfg.Worker.QueryTimeout = 200 * time.Millisecond
		})
	waitReady(t, b)

	start := time.Now()
	res, err := b.RunQuery(testFrame(1), "describe everything slowly")
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if res.Answer != "Query timeout" {
		t.Errorf("answer = %q, want %q", res.Answer, "Query timeout")
	}
	if res.Elapsed != 200*time.Millisecond {
		t.Errorf("elapsed = %v, want the timeout bound", res.Elapsed)
	}
	if d := time.Since(start); d > 600*time.Millisecond {
		t.Errorf("caller blocked %v past a 200ms timeout", d)
	}
	if got := tr.Snapshot().QueryTimeouts; got != 1 {
		t.Errorf("QueryTimeouts = %d, want 1", got)
	}

	// The worker finishes (aborted early by the flag) and discards its
	// result instead of delivering it to the departed caller.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && tr.Snapshot().QueryInferences < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := tr.Snapshot().QueryInferences; got != 1 {
		t.Fatalf("QueryInferences = %d, want 1", got)
	}
	if eng.Aborts() < 1 {
		t.Error("timed-out generation was never aborted on the device")
	}

	// The slot is free again and a fresh query completes normally.
	res, err = b.RunQuery(testFrame(2), "quick follow-up")
	if err != nil {
		t.Fatalf("follow-up RunQuery: %v", err)
	}
	if res.Answer != "short second answer" {
		t.Errorf("follow-up answer = %q", res.Answer)
	}
}

func TestGenerationFailureRecoversGenerator(t *testing.T) {
	sr := &scriptResponder{responses: []string{"The person is browsing the aisle."}}
	b, eng, tr := startBackend(t, mock.Config{Respond: sr.respond}, nil)
	waitReady(t, b)

	eng.FailNextGenerate(errors.New("device fault"))
	b.SubmitFrame(testFrame(1))
	res := waitResult(t, b)

	if res.Result.Answer != "Error: device fault" {
		t.Errorf("answer = %q, want the error-tagged result", res.Result.Answer)
	}
	snap := tr.Snapshot()
	if snap.Recoveries != 1 {
		t.Errorf("Recoveries = %d, want 1", snap.Recoveries)
	}
	if snap.MonitorFailures != 1 {
		t.Errorf("MonitorFailures = %d, want 1", snap.MonitorFailures)
	}

	// The recreated generator serves the next cycle.
	b.SubmitFrame(testFrame(2))
	res = waitResult(t, b)
	if !strings.HasPrefix(res.Result.Answer, "browsing") {
		t.Errorf("post-recovery answer = %q, want browsing classification", res.Result.Answer)
	}
}

func TestReadFailureKeepsPartialText(t *testing.T) {
	sr := &scriptResponder{responses: []string{"The person is reaching toward the shelf."}}
	b, eng, tr := startBackend(t, mock.Config{Respond: sr.respond}, nil)
	waitReady(t, b)

	eng.FailReadAfter(3)
	b.SubmitFrame(testFrame(1))
	res := waitResult(t, b)

	if !strings.Contains(res.Result.Answer, "[raw: The person is]") {
		t.Errorf("answer = %q, want the partial text preserved", res.Result.Answer)
	}
	snap := tr.Snapshot()
	if snap.Recoveries != 1 {
		t.Errorf("Recoveries = %d, want 1", snap.Recoveries)
	}
	if snap.MonitorFailures != 1 {
		t.Errorf("MonitorFailures = %d, want 1", snap.MonitorFailures)
	}
}

func TestReadFailureWithNoTokensReportsAborted(t *testing.T) {
	b, eng, _ := startBackend(t, mock.Config{}, nil)
	waitReady(t, b)

	eng.FailReadAfter(0)
	b.SubmitFrame(testFrame(1))
	res := waitResult(t, b)

	if res.Result.Answer != "Aborted" {
		t.Errorf("answer = %q, want %q", res.Result.Answer, "Aborted")
	}
}

func TestAbortStopsMonitoringStream(t *testing.T) {
	long := strings.Repeat("token ", 25)
	sr := &scriptResponder{responses: []string{long}}
	b, eng, _ := startBackend(t, mock.Config{Respond: sr.respond, TokenDelay: 50 * time.Millisecond}, nil)
	waitReady(t, b)

	start := time.Now()
	b.SubmitFrame(testFrame(1))
	time.Sleep(150 * time.Millisecond)
	b.AbortCurrent()

	res := waitResult(t, b)
	if d := time.Since(start); d > 600*time.Millisecond {
		t.Errorf("aborted inference still took %v", d)
	}
	if strings.Contains(res.Result.Answer, engine.EndOfText) {
		t.Errorf("answer %q leaked the end-of-sequence marker", res.Result.Answer)
	}
	if eng.Aborts() < 1 {
		t.Error("device completion was never aborted")
	}
}

func TestReplacePromptsTakesEffect(t *testing.T) {
	sr := &scriptResponder{responses: []string{"The person is reaching toward the shelf."}}
	b, _, _ := startBackend(t, mock.Config{Respond: sr.respond}, nil)
	waitReady(t, b)

	b.SubmitFrame(testFrame(1))
	res := waitResult(t, b)
	if !strings.HasPrefix(res.Result.Answer, "pickup") {
		t.Fatalf("answer = %q, want pickup under the initial prompts", res.Result.Answer)
	}

	p := config.DefaultPrompts()
	p.UseCases["shelf_activity"] = config.UseCaseConfig{
		Details: "Report any grab events.",
		Options: []string{"", "grab-event"},
		Keywords: map[string][]string{
			"grab-event": {"reaching", "grabbing"},
		},
	}
	b.ReplacePrompts(p)

	b.SubmitFrame(testFrame(2))
	res = waitResult(t, b)
	if !strings.HasPrefix(res.Result.Answer, "grab-event") {
		t.Errorf("answer = %q, want grab-event under the replaced prompts", res.Result.Answer)
	}
}

func TestCloseJoinsIdleWorker(t *testing.T) {
	b, _, _ := startBackend(t, mock.Config{}, nil)
	waitReady(t, b)

	start := time.Now()
	b.Close()
	if d := time.Since(start); d > time.Second {
		t.Errorf("Close of an idle worker took %v", d)
	}
	if !b.workerDone.Load() {
		t.Error("worker still running after Close")
	}
	b.Close() // second close is a no-op
}

func TestCloseDetachesFromHungDevice(t *testing.T) {
	b, eng, _ := startBackend(t, mock.Config{}, nil)
	waitReady(t, b)

	eng.HangReads()
	b.SubmitFrame(testFrame(1))
	time.Sleep(150 * time.Millisecond) // let the worker block inside the token read

	start := time.Now()
	b.Close()
	d := time.Since(start)
	if d > 1200*time.Millisecond {
		t.Errorf("Close blocked %v on a hung device, want the shutdown bound", d)
	}
	if b.workerDone.Load() {
		t.Error("worker claims done while parked in a hung read")
	}
}
