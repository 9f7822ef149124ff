package engine

import (
	"errors"
	"time"
)

// EndOfText is the end-of-sequence marker emitted by the model at the end
// of a completion. Readers strip it from assembled answers.
const EndOfText = "<|im_end|>"

var (
	// ErrNoDevices is returned by ScanDevices when no inference hardware
	// is present.
	ErrNoDevices = errors.New("engine: no devices found")

	// ErrSessionExists is returned by NewSession while another session is
	// still alive. The device hosts at most one session at a time.
	ErrSessionExists = errors.New("engine: a session already exists")

	// ErrGeneratorExists is returned when a generator is created (or a
	// one-shot generate issued) while another generator is still alive.
	ErrGeneratorExists = errors.New("engine: a generator already exists")

	// ErrReadTimeout is returned by ReadToken when no token arrived
	// within the given timeout.
	ErrReadTimeout = errors.New("engine: token read timed out")

	// ErrAborted is returned by ReadToken after the completion was aborted.
	ErrAborted = errors.New("engine: generation aborted")

	// ErrClosed is returned by operations on a closed session or generator.
	ErrClosed = errors.New("engine: closed")
)

// Params carries generation parameters for a session or generator.
type Params struct {
	Temperature float32
	MaxTokens   int
	Seed        uint32
}

// Message is one chat turn sent to the model. HasImage marks the turn
// that carries the frame buffer passed alongside the message list.
type Message struct {
	Role     string
	Text     string
	HasImage bool
}

// Status reports the state of an in-flight completion.
type Status int

const (
	StatusGenerating Status = iota
	StatusDone
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusGenerating:
		return "generating"
	case StatusDone:
		return "done"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Engine is the entry point to the generation hardware. Implementations
// must return explicit errors; none of these calls may panic across the
// boundary.
type Engine interface {
	// ScanDevices enumerates available devices. An empty result is
	// reported as ErrNoDevices.
	ScanDevices() ([]string, error)

	// NewSession acquires the exclusive model session. At most one
	// session may be alive process-wide; a second call before Close
	// returns ErrSessionExists.
	NewSession() (Session, error)
}

// Session is the exclusive, stateful handle to the loaded model.
type Session interface {
	// InputShape returns the required input frame dimensions.
	InputShape() (height, width int)

	// InputFrameSize returns the exact byte length expected for one
	// preprocessed input frame.
	InputFrameSize() int

	// NewGenerator creates a reusable generator bound to this session.
	// Only one generator may be alive at a time, and a generator may not
	// coexist with an in-flight one-shot Generate call.
	NewGenerator(p Params) (Generator, error)

	// Generate issues a one-shot completion without a reusable
	// generator. Mutually exclusive in time with any live generator.
	Generate(p Params, msgs []Message, frames [][]byte) (Completion, error)

	// ClearContext resets the conversation state accumulated on the
	// device between completions.
	ClearContext() error

	// Close destroys the session and releases the device.
	Close() error
}

// Generator is a reusable handle carrying fixed generation parameters.
type Generator interface {
	Generate(msgs []Message, frames [][]byte) (Completion, error)
	Close() error
}

// Completion is one in-flight generation. ReadToken may block up to the
// given timeout; Abort requests the device to stop producing tokens.
type Completion interface {
	Status() Status
	ReadToken(timeout time.Duration) (string, error)
	Abort()
}
