package backend

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/visionwatch/backend/internal/engine"
)

// readTokens drains a completion one token at a time with a short fixed
// read timeout, so aborts and device stalls surface within one interval.
// It stops, aborting the in-flight completion first, on the shared
// abort flag, the request's cancel flag, a read failure, or reaching
// maxTokens. The assembled text has the end-of-sequence marker stripped
// and surrounding whitespace trimmed; a non-nil error reports a read
// failure alongside whatever partial text was collected.
func (b *Backend) readTokens(c engine.Completion, maxTokens int, stream bool, cancelled *atomic.Bool) (string, error) {
	var sb strings.Builder
	var readErr error
	n := 0

	for c.Status() == engine.StatusGenerating {
		if b.abort.Load() || (cancelled != nil && cancelled.Load()) {
			c.Abort()
			break
		}

		tok, err := c.ReadToken(b.cfg.TokenReadTimeout)
		if err != nil {
			c.Abort()
			readErr = err
			break
		}

		sb.WriteString(tok)
		n++

		if stream && tok != engine.EndOfText {
			fmt.Print(tok)
		}

		if n >= maxTokens {
			c.Abort()
			break
		}
	}

	text := strings.ReplaceAll(sb.String(), engine.EndOfText, "")
	return strings.TrimSpace(text), readErr
}
