// Package settlement owns the settlement records of a group: it recomputes
// the pending set from the expense ledger and moves settlements from pending
// to completed.
//
// Every write happens inside one storage unit of work, so readers observe
// either the old pending set or the new one, never a mix.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/settleup/internal/calculator"
	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/metrics"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/notify"
	"github.com/mmynk/settleup/internal/storage"
)

const (
	DefaultTxTimeout     = 5 * time.Second
	DefaultNotifyTimeout = 3 * time.Second
)

// Engine is the entry point for recompute and completion.
type Engine struct {
	store    storage.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	locks    *keyedMutex
	now      func() time.Time

	txTimeout     time.Duration
	notifyTimeout time.Duration

	inflight sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the hook called after each committed recompute or completion.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTxTimeout bounds each unit of work. Non-positive values keep the default.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

// WithNotifyTimeout bounds each notifier call. Non-positive values keep the default.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		locks:         newKeyedMutex(),
		now:           time.Now,
		txTimeout:     DefaultTxTimeout,
		notifyTimeout: DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecomputeResult is the outcome of one recompute.
type RecomputeResult struct {
	GroupID string

	// Settlements is the new pending set, in payment order.
	Settlements []*models.Settlement

	Balances calculator.Balances

	// Integrity is non-nil when the balances did not net to zero. The
	// pending set was still replaced.
	Integrity error

	// Unmatched is the balance the simplifier dropped because one side ran
	// out. Zero unless Integrity is set.
	Unmatched decimal.Decimal
}

// Recompute derives balances from the group's ledger and completed
// settlements, simplifies them and replaces the group's pending settlements.
// Running it twice over unchanged data yields the same pending set.
func (e *Engine) Recompute(ctx context.Context, groupID string) (*RecomputeResult, error) {
	if groupID == "" {
		return nil, errs.Invalid("group_id", "is required")
	}

	unlock := e.locks.Lock(groupID)
	defer unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	var result *RecomputeResult
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockGroup(ctx, groupID); err != nil {
			return err
		}

		group, err := tx.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		expenses, err := tx.ListExpensesByGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := checkCurrencies(group, expenses); err != nil {
			return err
		}
		completed, err := tx.ListSettlementsByGroup(ctx, groupID, models.StatusCompleted)
		if err != nil {
			return err
		}

		balances, err := calculator.ComputeBalances(group.MemberIDs(), toBalanceExpenses(expenses), toBalanceSettlements(completed))
		if err != nil {
			return err
		}

		plan := calculator.Simplify(balances, group.DefaultCurrency)
		integrity := plan.Integrity()
		if ie, ok := integrity.(*errs.IntegrityError); ok {
			ie.GroupID = groupID
		}

		pending, err := ReplacePending(ctx, tx, group, plan.Transactions, expenses, e.now().Unix())
		if err != nil {
			return err
		}

		result = &RecomputeResult{
			GroupID:     groupID,
			Settlements: pending,
			Balances:    balances,
			Integrity:   integrity,
			Unmatched:   plan.Unmatched,
		}
		return nil
	})
	err = timeoutError(ctx, err)

	pendingCount := 0
	if result != nil {
		pendingCount = len(result.Settlements)
	}
	e.metrics.ObserveRecompute(time.Since(start), pendingCount, err)

	if err != nil {
		slog.Error("Recompute failed", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("recompute group %s: %w", groupID, err)
	}

	if result.Integrity != nil {
		e.metrics.IntegrityWarning()
		slog.Warn("Group balances do not net to zero",
			"group_id", groupID,
			"unmatched", result.Unmatched.StringFixed(2),
			"error", result.Integrity,
		)
	}

	slog.Info("Recomputed settlements", "group_id", groupID, "pending", pendingCount)

	pending := result.Settlements
	e.notifyAsync(ctx, "recomputed", func(ctx context.Context) error {
		return e.notifier.SettlementsRecomputed(ctx, groupID, pending)
	})

	return result, nil
}

// CompleteSettlement marks a pending settlement as paid by its payer.
func (e *Engine) CompleteSettlement(ctx context.Context, req CompleteRequest) (*models.Settlement, error) {
	if req.SettlementID == "" {
		return nil, errs.Invalid("settlement_id", "is required")
	}
	if req.ActorID == "" {
		return nil, errs.Invalid("actor_id", "is required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	var completed *models.Settlement
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := Complete(ctx, tx, req, e.now().Unix())
		if err != nil {
			return err
		}
		completed = s
		return nil
	})
	err = timeoutError(ctx, err)
	e.metrics.ObserveCompletion(err)

	if err != nil {
		slog.Warn("Settlement completion rejected",
			"settlement_id", req.SettlementID,
			"actor_id", req.ActorID,
			"error", err,
		)
		return nil, err
	}

	slog.Info("Settlement completed",
		"settlement_id", completed.ID,
		"group_id", completed.GroupID,
		"amount", completed.Amount.StringFixed(2),
	)

	e.notifyAsync(ctx, "completed", func(ctx context.Context) error {
		return e.notifier.SettlementCompleted(ctx, completed)
	})

	return completed, nil
}

// GroupBalances returns the per-member breakdown and the current pending set
// of a group from one consistent read.
func (e *Engine) GroupBalances(ctx context.Context, groupID string) ([]calculator.MemberBalance, []*models.Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	var balances []calculator.MemberBalance
	var pending []*models.Settlement
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		group, err := tx.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		expenses, err := tx.ListExpensesByGroup(ctx, groupID)
		if err != nil {
			return err
		}
		settlements, err := tx.ListSettlementsByGroup(ctx, groupID, "")
		if err != nil {
			return err
		}

		var completed []*models.Settlement
		for _, s := range settlements {
			switch s.Status {
			case models.StatusCompleted:
				completed = append(completed, s)
			case models.StatusPending:
				pending = append(pending, s)
			}
		}

		balances, err = calculator.ComputeMemberBalances(group.MemberIDs(), toBalanceExpenses(expenses), toBalanceSettlements(completed))
		return err
	})
	if err = timeoutError(ctx, err); err != nil {
		return nil, nil, err
	}
	return balances, pending, nil
}

// Wait blocks until in-flight notifications have returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// notifyAsync runs fn in its own goroutine after commit. The context keeps
// the caller's values but not its cancellation.
func (e *Engine) notifyAsync(parent context.Context, event string, fn func(ctx context.Context) error) {
	if e.notifier == nil {
		return
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.notifyTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				e.metrics.NotificationFailed(event)
				slog.Error("Notifier panicked", "event", event, "panic", r)
			}
		}()

		if err := fn(ctx); err != nil {
			e.metrics.NotificationFailed(event)
			slog.Warn("Notification failed", "event", event, "error", err)
		}
	}()
}

// checkCurrencies rejects expenses recorded in a currency other than the group's.
func checkCurrencies(group *models.Group, expenses []*models.Expense) error {
	for _, e := range expenses {
		if e.Currency != "" && e.Currency != group.DefaultCurrency {
			return fmt.Errorf("expense %s: %w", e.ID,
				errs.Invalid("currency", "%s differs from group currency %s", e.Currency, group.DefaultCurrency))
		}
	}
	return nil
}

// timeoutError marks errors caused by the unit-of-work deadline as errs.ErrTimeout.
func timeoutError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", errs.ErrTimeout, err)
	}
	return err
}
