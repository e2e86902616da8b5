// Package queue owns the submission stream: encoding run requests, the
// enqueue-side dispatcher, and the worker pool that consumes and executes
// them with at-least-once delivery.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/models"
)

// Request is one decoded run submission.
type Request struct {
	RunID       string
	SubjectID   string
	Config      models.PipelineConfig
	RequestedAt time.Time

	// LockToken is the fencing token the enqueue side acquired the
	// subject lock with; the executing worker adopts it.
	LockToken string
}

// encode renders the stream entry fields.
func (r Request) encode() (map[string]string, error) {
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding run config: %w", err)
	}
	return map[string]string{
		"run_id":       r.RunID,
		"subject_id":   r.SubjectID,
		"config":       string(cfgJSON),
		"requested_at": r.RequestedAt.UTC().Format(time.RFC3339Nano),
		"lock_token":   r.LockToken,
	}, nil
}

// decodeRequest parses a stream entry back into a Request.
func decodeRequest(e coordstore.Entry) (Request, error) {
	r := Request{
		RunID:     e.Values["run_id"],
		SubjectID: e.Values["subject_id"],
		LockToken: e.Values["lock_token"],
	}
	if r.RunID == "" || r.SubjectID == "" {
		return Request{}, fmt.Errorf("malformed stream entry %s: missing run_id or subject_id", e.ID)
	}
	if cfgJSON := e.Values["config"]; cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
			return Request{}, fmt.Errorf("malformed stream entry %s: %w", e.ID, err)
		}
	}
	if ts := e.Values["requested_at"]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Request{}, fmt.Errorf("malformed stream entry %s: bad requested_at: %w", e.ID, err)
		}
		r.RequestedAt = parsed
	}
	return r, nil
}
