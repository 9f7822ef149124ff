package mock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/visionwatch/backend/internal/engine"
)

// Responder produces the full response text for one generation call.
type Responder func(msgs []engine.Message, frames [][]byte) string

// Config controls the simulated engine. The zero value yields a single
// device, a 336x336 input shape, and canned monitoring responses.
type Config struct {
	Devices     []string
	NoDevices   bool // scan finds nothing; bootstrap must fail hard
	Height      int
	Width       int
	TokenDelay  time.Duration // pause before each token is released
	CreateDelay time.Duration // pause inside NewSession
	FailCreates int           // number of NewSession calls to fail first
	Respond     Responder
}

var cannedResponses = []string{
	"The person is reaching toward the shelf.",
	"A person is looking at the products.",
	"No person is visible in the frame.",
	"The person is picking up an item from the display.",
}

// DefaultResponder cycles through a fixed set of plausible monitoring
// answers. Safe for concurrent use.
func DefaultResponder() Responder {
	var mu sync.Mutex
	var n int
	return func(msgs []engine.Message, frames [][]byte) string {
		mu.Lock()
		defer mu.Unlock()
		resp := cannedResponses[n%len(cannedResponses)]
		n++
		return resp
	}
}

// Engine simulates the generation hardware: one device set, one exclusive
// session, one generator at a time, scripted token streams with optional
// failure and stall injection. Used by -mock mode and the core tests.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	sessionAlive    bool
	remainingFails  int
	sessionsCreated int

	// test hooks, consumed by the next matching call
	nextGenerateErr error
	readFailAfter   int // fail the Nth token read of the next completion; -1 = off
	hangReads       bool
	hangCh          chan struct{}

	aborts int
}

func NewEngine(cfg Config) *Engine {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []string{"sim-0"}
	}
	if cfg.Height == 0 {
		cfg.Height = 336
	}
	if cfg.Width == 0 {
		cfg.Width = 336
	}
	if cfg.Respond == nil {
		cfg.Respond = DefaultResponder()
	}
	return &Engine{
		cfg:            cfg,
		remainingFails: cfg.FailCreates,
		readFailAfter:  -1,
		hangCh:         make(chan struct{}),
	}
}

func (e *Engine) ScanDevices() ([]string, error) {
	if e.cfg.NoDevices || len(e.cfg.Devices) == 0 {
		return nil, engine.ErrNoDevices
	}
	return append([]string(nil), e.cfg.Devices...), nil
}

func (e *Engine) NewSession() (engine.Session, error) {
	if e.cfg.CreateDelay > 0 {
		time.Sleep(e.cfg.CreateDelay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remainingFails > 0 {
		e.remainingFails--
		return nil, fmt.Errorf("mock: simulated session create failure")
	}
	if e.sessionAlive {
		return nil, engine.ErrSessionExists
	}
	e.sessionAlive = true
	e.sessionsCreated++
	return &session{eng: e}, nil
}

// SessionsCreated reports how many sessions were successfully created.
func (e *Engine) SessionsCreated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionsCreated
}

// Aborts reports how many completions were aborted.
func (e *Engine) Aborts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborts
}

// FailNextGenerate makes the next generation call (reusable or one-shot)
// return err instead of a completion.
func (e *Engine) FailNextGenerate(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextGenerateErr = err
}

// FailReadAfter makes the next completion's token reads fail once n tokens
// have been delivered.
func (e *Engine) FailReadAfter(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readFailAfter = n
}

// HangReads makes every subsequent token read block indefinitely,
// ignoring its timeout: a permanently unresponsive device.
func (e *Engine) HangReads() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hangReads = true
}

func (e *Engine) recordAbort() {
	e.mu.Lock()
	e.aborts++
	e.mu.Unlock()
}

type session struct {
	eng *Engine

	mu        sync.Mutex
	closed    bool
	genBusy   bool // a generator is alive or a one-shot call is in flight
	clearings int
}

func (s *session) InputShape() (int, int) { return s.eng.cfg.Height, s.eng.cfg.Width }

func (s *session) InputFrameSize() int { return s.eng.cfg.Height * s.eng.cfg.Width * 3 }

func (s *session) NewGenerator(p engine.Params) (engine.Generator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, engine.ErrClosed
	}
	if s.genBusy {
		return nil, engine.ErrGeneratorExists
	}
	s.genBusy = true
	return &generator{sess: s, params: p}, nil
}

func (s *session) Generate(p engine.Params, msgs []engine.Message, frames [][]byte) (engine.Completion, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, engine.ErrClosed
	}
	if s.genBusy {
		s.mu.Unlock()
		return nil, engine.ErrGeneratorExists
	}
	s.genBusy = true
	s.mu.Unlock()

	c, err := s.newCompletion(p, msgs, frames, s.releaseGen)
	if err != nil {
		s.releaseGen()
		return nil, err
	}
	return c, nil
}

func (s *session) releaseGen() {
	s.mu.Lock()
	s.genBusy = false
	s.mu.Unlock()
}

func (s *session) ClearContext() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	s.clearings++
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return engine.ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.eng.mu.Lock()
	s.eng.sessionAlive = false
	s.eng.mu.Unlock()
	return nil
}

// newCompletion consumes the engine's pending failure hooks and builds a
// scripted token stream for one generation call. onDone is invoked once
// when the completion leaves the generating state.
func (s *session) newCompletion(p engine.Params, msgs []engine.Message, frames [][]byte, onDone func()) (*completion, error) {
	e := s.eng
	e.mu.Lock()
	if err := e.nextGenerateErr; err != nil {
		e.nextGenerateErr = nil
		e.mu.Unlock()
		return nil, err
	}
	failAfter := e.readFailAfter
	e.readFailAfter = -1
	e.mu.Unlock()

	text := e.cfg.Respond(msgs, frames)
	return &completion{
		sess:      s,
		tokens:    tokenize(text, p.MaxTokens),
		delay:     e.cfg.TokenDelay,
		failAfter: failAfter,
		onDone:    onDone,
	}, nil
}

type generator struct {
	sess   *session
	params engine.Params
	closed bool
	mu     sync.Mutex
}

func (g *generator) Generate(msgs []engine.Message, frames [][]byte) (engine.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, engine.ErrClosed
	}
	return g.sess.newCompletion(g.params, msgs, frames, nil)
}

func (g *generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return engine.ErrClosed
	}
	g.closed = true
	g.sess.releaseGen()
	return nil
}

type completion struct {
	sess      *session
	mu        sync.Mutex
	tokens    []string
	next      int
	delay     time.Duration
	failAfter int
	status    engine.Status
	onDone    func()
	doneOnce  sync.Once
}

func (c *completion) Status() engine.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *completion) ReadToken(timeout time.Duration) (string, error) {
	c.sess.eng.mu.Lock()
	hang := c.sess.eng.hangReads
	hangCh := c.sess.eng.hangCh
	c.sess.eng.mu.Unlock()
	if hang {
		<-hangCh // blocks forever: device stopped responding
	}

	if c.delay > 0 {
		if c.delay > timeout {
			time.Sleep(timeout)
			return "", engine.ErrReadTimeout
		}
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case engine.StatusAborted:
		return "", engine.ErrAborted
	case engine.StatusDone:
		return "", engine.ErrClosed
	}
	if c.failAfter >= 0 && c.next >= c.failAfter {
		c.failAfter = -1
		return "", fmt.Errorf("mock: simulated token read failure")
	}
	tok := c.tokens[c.next]
	c.next++
	if c.next == len(c.tokens) {
		c.status = engine.StatusDone
		c.finishLocked()
	}
	return tok, nil
}

func (c *completion) Abort() {
	c.mu.Lock()
	if c.status == engine.StatusGenerating {
		c.status = engine.StatusAborted
		c.sess.eng.recordAbort()
	}
	c.finishLocked()
	c.mu.Unlock()
}

func (c *completion) finishLocked() {
	c.doneOnce.Do(func() {
		if c.onDone != nil {
			c.onDone()
		}
	})
}

// tokenize splits text into word tokens (preserving spacing) capped at
// maxTokens, with the end-of-sequence marker appended the way the real
// device streams it.
func tokenize(text string, maxTokens int) []string {
	words := strings.Fields(text)
	var tokens []string
	for i, w := range words {
		if maxTokens > 0 && len(tokens) >= maxTokens {
			break
		}
		if i == 0 {
			tokens = append(tokens, w)
		} else {
			tokens = append(tokens, " "+w)
		}
	}
	tokens = append(tokens, engine.EndOfText)
	return tokens
}
