package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Sequencer derives business numbers of the form {prefix}{YY}{MM}{NNN}. It
// keeps no counter: the next sequence is one past the highest number already
// stored for the current month. Called outside a transaction the result is
// only a candidate; inside the inserting transaction it is an allocation.
type Sequencer struct {
	now func() time.Time
}

// NewSequencer returns a Sequencer reading the month from now.
func NewSequencer(now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{now: now}
}

// Next returns the next free number for scope under prefix.
func (s *Sequencer) Next(ctx context.Context, r Reader, scope Scope, prefix string) (string, error) {
	period := prefix + s.now().UTC().Format("0601")
	numbers, err := r.ListNumbers(ctx, scope, period)
	if err != nil {
		return "", fmt.Errorf("ledger: scan %s numbers: %w", scope, err)
	}
	var max int
	for _, no := range numbers {
		seq, ok := parseSequence(no, period)
		if ok && seq > max {
			max = seq
		}
	}
	return fmt.Sprintf("%s%03d", period, max+1), nil
}

func parseSequence(number, period string) (int, bool) {
	if len(number) <= len(period) || number[:len(period)] != period {
		return 0, false
	}
	suffix := number[len(period):]
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	seq, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return seq, true
}
