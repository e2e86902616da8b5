package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/models"
)

// Archive moves a terminal run out of the active slot: it copies the active
// hash to a per-run key with a TTL, indexes the run ID in the subject's
// history sorted set, trims the index to the newest runs, and deletes the
// active hash. Archiving happens exactly once, when the run reaches a
// terminal state.
func (m *Manager) Archive(ctx context.Context, subjectID, runID string) error {
	activeKey := coordstore.ActiveKey(subjectID)
	fields, err := m.store.HGetAll(ctx, activeKey)
	if err != nil {
		return fmt.Errorf("reading active status for archive: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("no active status to archive for subject %s", subjectID)
	}

	runKey := coordstore.RunKey(runID)
	if err := m.store.HSet(ctx, runKey, fields); err != nil {
		return fmt.Errorf("writing archived run %s: %w", runID, err)
	}
	if err := m.store.Expire(ctx, runKey, m.historyTTL); err != nil {
		return fmt.Errorf("setting archive TTL for run %s: %w", runID, err)
	}

	histKey := coordstore.HistoryKey(subjectID)
	score := float64(time.Now().UnixMilli())
	if err := m.store.ZAdd(ctx, histKey, score, runID); err != nil {
		return fmt.Errorf("indexing run %s in history: %w", runID, err)
	}
	if err := m.store.ZTrimToNewest(ctx, histKey, int64(m.historyMaxRuns)); err != nil {
		return fmt.Errorf("trimming history for subject %s: %w", subjectID, err)
	}
	if err := m.store.Expire(ctx, histKey, m.historyTTL); err != nil {
		return fmt.Errorf("setting history TTL for subject %s: %w", subjectID, err)
	}

	if err := m.store.Del(ctx, activeKey); err != nil {
		return fmt.Errorf("clearing active status for subject %s: %w", subjectID, err)
	}

	slog.Info("Archived pipeline run", "subject_id", subjectID, "run_id", runID, "state", fields["state"])
	return nil
}

// History returns snapshots of the subject's archived runs, newest first.
// Runs whose archive hash has expired are skipped; their index entries are
// left for the next trim.
func (m *Manager) History(ctx context.Context, subjectID string, limit int) ([]models.StatusSnapshot, error) {
	if limit <= 0 || limit > m.historyMaxRuns {
		limit = m.historyMaxRuns
	}
	runIDs, err := m.store.ZRevRange(ctx, coordstore.HistoryKey(subjectID), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("listing history for subject %s: %w", subjectID, err)
	}

	snaps := make([]models.StatusSnapshot, 0, len(runIDs))
	for _, runID := range runIDs {
		snap, err := m.RunSnapshot(ctx, runID)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			continue
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}
