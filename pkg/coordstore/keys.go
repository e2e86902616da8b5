package coordstore

import "fmt"

// Key layout for the coordination store. Every key any component touches is
// produced here so the naming cannot drift between writers and readers.
//
//	pipeline:requests          stream     pending run submissions
//	pipeline:{subject}:lock    string     mutex holder token (TTL, refreshable)
//	pipeline:{subject}:cancel  string     cancellation request flag (TTL)
//	pipeline:{subject}:active  hash       live run status, per-stage states
//	pipeline:run:{run_id}      hash       archived run snapshot (TTL)
//	pipeline:{subject}:history zset       run_ids scored by completion epoch ms
//	model:config:{key}         hash       model descriptor
//	model:config:_keys         set        registered model keys

// RequestStream is the default stream key for run submissions.
const RequestStream = "pipeline:requests"

// ModelKeysSet is the set of registered model keys.
const ModelKeysSet = "model:config:_keys"

// LockKey returns the subject's mutex key.
func LockKey(subjectID string) string {
	return fmt.Sprintf("pipeline:%s:lock", subjectID)
}

// CancelKey returns the subject's cancellation flag key.
func CancelKey(subjectID string) string {
	return fmt.Sprintf("pipeline:%s:cancel", subjectID)
}

// ActiveKey returns the subject's active-status hash key.
func ActiveKey(subjectID string) string {
	return fmt.Sprintf("pipeline:%s:active", subjectID)
}

// RunKey returns the archived run hash key.
func RunKey(runID string) string {
	return fmt.Sprintf("pipeline:run:%s", runID)
}

// HistoryKey returns the subject's history sorted-set key.
func HistoryKey(subjectID string) string {
	return fmt.Sprintf("pipeline:%s:history", subjectID)
}

// ModelConfigKey returns the descriptor hash key for a model.
func ModelConfigKey(modelKey string) string {
	return fmt.Sprintf("model:config:%s", modelKey)
}
