package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/events"
)

// State is a step of a single ingestion.
type State string

const (
	StateReceived   State = "received"
	StateChunking   State = "chunking"
	StateEmbedding  State = "embedding"
	StatePersisting State = "persisting"
	StateIndexing   State = "indexing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// ErrInvalidTransition is returned when a run skips or repeats a state.
var ErrInvalidTransition = errors.New("invalid ingest state transition")

var transitions = map[State]State{
	StateReceived:   StateChunking,
	StateChunking:   StateEmbedding,
	StateEmbedding:  StatePersisting,
	StatePersisting: StateIndexing,
	StateIndexing:   StateComplete,
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// CanTransition reports whether s may move to next. Any non-terminal state
// may fail.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return transitions[s] == next
}

// run follows one document through the state machine. Every transition is
// logged, added to the span and published.
type run struct {
	p     *Pipeline
	span  trace.Span
	state State
	start time.Time

	ownerID    string
	documentID string
	chunks     int
	persisted  bool
}

func (p *Pipeline) newRun(ctx context.Context, span trace.Span, ownerID, documentID string) *run {
	r := &run{
		p:          p,
		span:       span,
		state:      StateReceived,
		start:      p.now(),
		ownerID:    ownerID,
		documentID: documentID,
	}
	span.AddEvent(string(StateReceived))
	r.publish(ctx, "")
	return r
}

func (r *run) advance(ctx context.Context, next State) error {
	if !r.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, next)
	}
	prev := r.state
	r.state = next

	r.span.AddEvent(string(next), trace.WithAttributes(attribute.Int("chunk_count", r.chunks)))
	r.p.logger.Debug(ctx, "ingest state changed",
		zap.String("document_id", r.documentID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	r.publish(ctx, "")
	return nil
}

// fail moves the run to StateFailed and returns err unchanged.
func (r *run) fail(ctx context.Context, err error) error {
	if r.state.Terminal() {
		return err
	}
	failedAt := r.state
	r.state = StateFailed

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.span.AddEvent(string(StateFailed), trace.WithAttributes(attribute.String("failed_at", string(failedAt))))
	r.p.metrics.recordFailure(ctx, failedAt, err)
	r.p.logger.Warn(ctx, "ingest failed",
		zap.String("document_id", r.documentID),
		zap.String("state", string(failedAt)),
		zap.Duration("elapsed", r.p.now().Sub(r.start)),
		zap.Error(err),
	)
	r.publish(ctx, err.Error())
	return err
}

func (r *run) publish(ctx context.Context, errMsg string) {
	r.p.events.Publish(ctx, events.Event{
		DocumentID: r.documentID,
		OwnerID:    r.ownerID,
		State:      string(r.state),
		ChunkCount: r.chunks,
		Error:      errMsg,
		At:         r.p.now().UTC(),
	})
}
