package syncq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/telemetry"
)

// Replayer retries one queued mutation against the authoritative service.
// A nil return confirms the server accepted the mutation.
type Replayer interface {
	Replay(ctx context.Context, entry Entry) error
}

// ReplayerFunc adapts a function to the Replayer interface.
type ReplayerFunc func(ctx context.Context, entry Entry) error

// Replay calls f.
func (f ReplayerFunc) Replay(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}

type attemptIDKey struct{}

// WithAttemptID stamps ctx with a drain attempt id. Every replay request in
// one drain pass carries the same id, tying server-side logs back to the
// pass that produced them.
func WithAttemptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptIDKey{}, id)
}

// AttemptID returns the drain attempt id carried by ctx, if any.
func AttemptID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(attemptIDKey{}).(string)
	return id, ok
}

// DrainResult contains the results of one drain pass.
type DrainResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
}

// Drainer replays pending queue entries, in insertion order, against a
// Replayer. Typically run when connectivity is restored.
type Drainer struct {
	queue    *Queue
	replayer Replayer
	logger   *slog.Logger
}

// NewDrainer creates a drainer over the queue.
func NewDrainer(queue *Queue, replayer Replayer, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		queue:    queue,
		replayer: replayer,
		logger:   logger,
	}
}

// Drain attempts every pending entry once. Entries confirmed by the replayer
// are marked completed; failures stay pending for the next pass and do not
// stop the walk. Listing failures are the only hard error.
func (d *Drainer) Drain(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{StartedAt: time.Now()}
	attempt := uuid.NewString()
	ctx = WithAttemptID(ctx, attempt)
	logger := d.logger.With("attempt", attempt)

	pending, err := d.queue.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending operations: %w", err)
	}

	logger.Info("draining sync queue", "pending", len(pending))

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			break
		}

		result.Attempted++
		if err := d.replayer.Replay(ctx, entry); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: %v", entry.ID, err))
			logger.Warn("replay failed, leaving entry pending",
				"id", entry.ID,
				"type", entry.Type,
				"error", err)
			continue
		}

		if err := d.queue.MarkCompleted(ctx, entry.ID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: marking completed: %v", entry.ID, err))
			logger.Warn("replayed but could not mark completed",
				"id", entry.ID,
				"error", err)
			continue
		}
		result.Completed++
	}

	result.Duration = time.Since(result.StartedAt)
	telemetry.RecordDrain(ctx, result.Completed, result.Failed, result.Duration)

	logger.Info("drain pass completed",
		"attempted", result.Attempted,
		"completed", result.Completed,
		"failed", result.Failed,
		"duration", result.Duration)
	return result, nil
}

// HTTPReplayer replays entries by POSTing them to the application API.
type HTTPReplayer struct {
	// Endpoint is the replay URL, e.g. "https://rgms.example/api/sync".
	Endpoint string

	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client
}

// Replay posts the entry body to the endpoint. Any non-2xx status is a
// failure, leaving the entry pending.
func (r *HTTPReplayer) Replay(ctx context.Context, entry Entry) error {
	body := struct {
		ID      uint64          `json:"id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{entry.ID, entry.Type, entry.Payload}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding replay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("building replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if attempt, ok := AttemptID(ctx); ok {
		req.Header.Set("X-Sync-Attempt", attempt)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting replay: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("replay rejected: %s", resp.Status)
	}
	return nil
}
