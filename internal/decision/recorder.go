package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Sink is a destination for decision records.
// Implementations must support concurrent appends of whole records.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
	Close() error
}

// FileSink appends decision records as JSONL to a single file.
// Each record is one JSON line written under a mutex so concurrent calls
// never interleave partial records. Marshal happens outside the lock; only
// the file write is serialized.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileSink opens (or creates) the destination in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening decision log %s: %w", path, err)
	}
	return &FileSink{file: f, path: path}, nil
}

// Append serializes the entry and writes it as a single atomic line.
func (s *FileSink) Append(_ context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling decision entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, writeErr := s.file.Write(data)
	s.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing decision entry to %s: %w", s.path, writeErr)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Recorder fans a decision entry out to the ephemeral and durable streams
// (and any extra sinks such as the database mirror). Both primary writes are
// attempted even if one fails.
//
// In the default best-effort mode a write failure is reported to the
// diagnostic logger only — it never alters a gating decision already made.
// In strict mode Record returns the joined write errors so the dispatcher can
// refuse to release an unaudited response.
type Recorder struct {
	ephemeral Sink
	durable   Sink
	extra     []Sink
	strict    bool
	onFailure func()
	logger    *slog.Logger
}

// NewRecorder creates a Recorder over the two primary streams.
func NewRecorder(ephemeral, durable Sink, strict bool, logger *slog.Logger) *Recorder {
	return &Recorder{
		ephemeral: ephemeral,
		durable:   durable,
		strict:    strict,
		logger:    logger,
	}
}

// WithSink attaches an additional best-effort sink (e.g. the event store).
// Extra sinks never block execution, even in strict mode.
func (r *Recorder) WithSink(s Sink) *Recorder {
	r.extra = append(r.extra, s)
	return r
}

// WithFailureHook registers a callback invoked once per failed sink write,
// in best-effort and strict mode alike. Used to feed the write-failure
// counter without coupling this package to the metrics registry.
func (r *Recorder) WithFailureHook(fn func()) *Recorder {
	r.onFailure = fn
	return r
}

func (r *Recorder) noteFailure() {
	if r.onFailure != nil {
		r.onFailure()
	}
}

// Record writes the entry to every destination. Returns nil in best-effort
// mode regardless of write errors.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, s := range []Sink{r.ephemeral, r.durable} {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, entry); err != nil {
			errs = append(errs, err)
			r.noteFailure()
			r.logger.ErrorContext(ctx, "decision log write failed",
				slog.String("decision_id", entry.DecisionID),
				slog.String("tool", entry.ToolName),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, s := range r.extra {
		if err := s.Append(ctx, entry); err != nil {
			r.noteFailure()
			r.logger.ErrorContext(ctx, "decision event store write failed",
				slog.String("decision_id", entry.DecisionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.strict && len(errs) > 0 {
		return fmt.Errorf("decision log write: %w", errors.Join(errs...))
	}
	return nil
}

// Close closes all sinks, joining any errors.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range append([]Sink{r.ephemeral, r.durable}, r.extra...) {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
