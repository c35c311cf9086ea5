package withdrawal

import (
	"fmt"
	"time"

	"settlement/apps/settlement/internal/model"
)

// transitions lists the statuses reachable from each non-terminal status.
// Reserve creates rows in pending; everything after that goes through here.
var transitions = map[model.WithdrawalStatus][]model.WithdrawalStatus{
	model.WithdrawalPending:    {model.WithdrawalProcessing, model.WithdrawalFailed},
	model.WithdrawalProcessing: {model.WithdrawalCompleted, model.WithdrawalFailed},
}

func canTransition(from, to model.WithdrawalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transition(w *model.WithdrawalTransaction, to model.WithdrawalStatus, now time.Time) error {
	if !canTransition(w.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, to)
	}
	w.Status = to
	w.UpdatedAt = now
	if to.IsTerminal() {
		w.CompletedAt = &now
	}
	return nil
}

// truncate bounds s to limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
