package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/models"
)

// Dispatcher appends run submissions to the request stream. The caller
// (the enqueue adapter) has already taken the subject lock and initialized
// the active status; Dispatch only records the request for the workers.
type Dispatcher struct {
	store  *coordstore.Store
	stream string
	group  string
}

// NewDispatcher creates a dispatcher and ensures the consumer group exists,
// so submissions made before any worker starts are not lost.
func NewDispatcher(ctx context.Context, store *coordstore.Store, stream, group string) (*Dispatcher, error) {
	if err := store.EnsureGroup(ctx, stream, group); err != nil {
		return nil, fmt.Errorf("ensuring consumer group %s on %s: %w", group, stream, err)
	}
	return &Dispatcher{store: store, stream: stream, group: group}, nil
}

// Dispatch appends the run request and returns the stream entry id.
func (d *Dispatcher) Dispatch(ctx context.Context, runID, subjectID string, cfg models.PipelineConfig, lockToken string) (string, error) {
	fields, err := Request{
		RunID:       runID,
		SubjectID:   subjectID,
		Config:      cfg,
		RequestedAt: time.Now(),
		LockToken:   lockToken,
	}.encode()
	if err != nil {
		return "", err
	}

	entryID, err := d.store.XAdd(ctx, d.stream, fields)
	if err != nil {
		return "", fmt.Errorf("appending run %s to stream: %w", runID, err)
	}
	slog.Info("Run dispatched", "run_id", runID, "subject_id", subjectID, "entry_id", entryID)
	return entryID, nil
}
