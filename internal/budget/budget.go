package budget

import (
	"github.com/hozunlee/bit-moon/internal/models"

	"go.uber.org/zap"
)

// Store provides the durable figures the guard reads. Invested capital
// comes from the persisted grid rows, not from any in-memory state, so the
// ceiling holds across process restarts.
type Store interface {
	GetCoinControl(ticker string) (*models.CoinControl, error)
	InvestedCapital(ticker string) (float64, error)
}

// Guard gates new buys against the per-asset capital ceiling. The check is
// advisory: a rejected buy is skipped rather than queued, since the same
// price condition re-triggers on a later cycle if budget frees up.
type Guard struct {
	store  Store
	logger *zap.SugaredLogger
}

// NewGuard creates a guard over the given store.
func NewGuard(store Store, logger *zap.SugaredLogger) *Guard {
	return &Guard{store: store, logger: logger}
}

// IsWithinBudget reports whether committing proposedOrderAmount keeps the
// ticker's invested capital at or under its ceiling. A ceiling of zero or
// less, or a missing control row, means unconstrained.
func (g *Guard) IsWithinBudget(ticker string, proposedOrderAmount float64) (bool, error) {
	control, err := g.store.GetCoinControl(ticker)
	if err != nil {
		return false, err
	}
	if control == nil || control.BudgetKRW <= 0 {
		return true, nil
	}

	invested, err := g.store.InvestedCapital(ticker)
	if err != nil {
		return false, err
	}

	if invested+proposedOrderAmount > control.BudgetKRW {
		g.logger.Infof("budget ceiling reached for %s: invested %.0f + proposed %.0f > budget %.0f",
			ticker, invested, proposedOrderAmount, control.BudgetKRW)
		return false, nil
	}
	return true, nil
}
