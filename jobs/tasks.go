package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/openitem/internal/ledger"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerOverdueScan reports overdue bills per direction.
	TaskLedgerOverdueScan = "ledger:overdue_scan"
	// TaskLedgerStatsWarmup rebuilds cached ledger stats.
	TaskLedgerStatsWarmup = "ledger:stats_warmup"
)

// LedgerPayload selects the directions a ledger task runs for. An empty list
// means every direction.
type LedgerPayload struct {
	Directions []ledger.Direction `json:"directions,omitempty"`
}

func (p LedgerPayload) directions() ([]ledger.Direction, error) {
	if len(p.Directions) == 0 {
		return ledger.Directions, nil
	}
	for _, d := range p.Directions {
		if !d.Valid() {
			return nil, fmt.Errorf("unknown direction %q", d)
		}
	}
	return p.Directions, nil
}

// NewOverdueScanTask constructs an overdue scan task.
func NewOverdueScanTask(payload LedgerPayload) (*asynq.Task, error) {
	return newLedgerTask(TaskLedgerOverdueScan, payload)
}

// NewStatsWarmupTask constructs a stats warmup task.
func NewStatsWarmupTask(payload LedgerPayload) (*asynq.Task, error) {
	return newLedgerTask(TaskLedgerStatsWarmup, payload)
}

func newLedgerTask(typ string, payload LedgerPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}

func decodeLedgerPayload(t *asynq.Task) ([]ledger.Direction, error) {
	var payload LedgerPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}
	dirs, err := payload.directions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return dirs, nil
}
