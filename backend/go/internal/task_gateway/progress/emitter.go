// Package progress issues progress tokens and delivers ordered progress
// events for them to a set of sinks.
//
// Events for one token are delivered one at a time, in sequence order, and
// never after the token has been retired or its request context cancelled.
// Events for different tokens are independent and may be delivered in
// parallel.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/pkg/logger"

	"github.com/google/uuid"
)

// Sink receives progress events. Publish is called with the token's delivery
// lock held, so a slow sink delays later events of the same token only.
type Sink interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev models.ProgressEvent) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev models.ProgressEvent) error {
	return f(ctx, ev)
}

type tokenState struct {
	mu         sync.Mutex
	hint       string
	next       int
	fraction   float64
	retired    bool
	suppressed bool
}

// Emitter is the per-process token registry.
type Emitter struct {
	logger *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[models.ProgressToken]*tokenState
	sinks  []Sink
}

// NewEmitter creates an Emitter delivering to sinks.
func NewEmitter(log *logger.Logger, sinks ...Sink) *Emitter {
	if log == nil {
		log = logger.Nop()
	}
	return &Emitter{
		logger: log,
		now:    time.Now,
		tokens: make(map[models.ProgressToken]*tokenState),
		sinks:  sinks,
	}
}

// AddSink registers another sink for events emitted from now on.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Mint issues a new token. hint is the caller's correlation hint and is
// copied onto every event of the token.
func (e *Emitter) Mint(hint string) models.ProgressToken {
	token := models.ProgressToken("task_" + uuid.NewString())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens[token] = &tokenState{hint: hint}
	return token
}

// Active reports whether token was minted and not yet retired.
func (e *Emitter) Active(token models.ProgressToken) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tokens[token]
	return ok
}

// Emit delivers one event. seq must be the next sequence number for token,
// starting at 0; anything else is a programming error and the event is
// dropped and logged. A nil fraction carries no completion estimate; a
// non-nil one is clamped so that it never decreases for the token.
// Emit is a no-op for unknown or retired tokens and once ctx is done.
func (e *Emitter) Emit(ctx context.Context, token models.ProgressToken, seq int, stage models.TaskLogStatus, status string, fraction *float64) {
	e.mu.Lock()
	st, ok := e.tokens[token]
	sinks := e.sinks
	e.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.retired || st.suppressed {
		return
	}
	if ctx.Err() != nil {
		st.suppressed = true
		return
	}
	if seq != st.next {
		e.logger.WithPayload(map[string]interface{}{
			"token":    token,
			"expected": st.next,
			"got":      seq,
		}).Error("out-of-order progress event dropped")
		return
	}

	ev := models.ProgressEvent{
		Token:           token,
		CorrelationHint: st.hint,
		Sequence:        seq,
		Stage:           stage,
		Status:          status,
		Timestamp:       e.now(),
	}
	if fraction != nil {
		f := clamp(*fraction, st.fraction, 1)
		st.fraction = f
		ev.Fraction = &f
	}
	st.next++

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			e.logger.WithError(models.ErrorInfo{Message: err.Error(), Type: "progress_sink"}).
				WithField("token", token).
				Warn(fmt.Sprintf("progress sink %T failed", s))
		}
	}
}

// Suppress drops every further event for token without retiring it.
func (e *Emitter) Suppress(token models.ProgressToken) {
	e.mu.Lock()
	st, ok := e.tokens[token]
	e.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.suppressed = true
	st.mu.Unlock()
}

// Retire ends the token's lifetime. It waits for an in-flight delivery for
// the token to finish; after it returns no event for token is delivered.
func (e *Emitter) Retire(token models.ProgressToken) {
	e.mu.Lock()
	st, ok := e.tokens[token]
	delete(e.tokens, token)
	e.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.retired = true
	st.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v != v || v < lo { // NaN counts as no progress
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
