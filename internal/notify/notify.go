// Package notify delivers settlement events to interested parties after they commit.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mmynk/settleup/internal/models"
)

// Notifier receives settlement events. Calls happen after the unit of work
// has committed; a failing Notifier never affects the stored state.
type Notifier interface {
	// SettlementsRecomputed reports the new pending set of a group.
	SettlementsRecomputed(ctx context.Context, groupID string, pending []*models.Settlement) error

	// SettlementCompleted reports a settlement that moved to completed.
	SettlementCompleted(ctx context.Context, settlement *models.Settlement) error
}

// Log writes every event to slog.
type Log struct{}

func (Log) SettlementsRecomputed(_ context.Context, groupID string, pending []*models.Settlement) error {
	slog.Info("Settlements recomputed", "group_id", groupID, "pending", len(pending))
	return nil
}

func (Log) SettlementCompleted(_ context.Context, s *models.Settlement) error {
	slog.Info("Settlement completed",
		"settlement_id", s.ID,
		"group_id", s.GroupID,
		"payer_id", s.PayerID,
		"receiver_id", s.ReceiverID,
		"amount", s.Amount.StringFixed(2),
	)
	return nil
}

// Multi fans each event out to every notifier, in order, and joins their errors.
type Multi []Notifier

func (m Multi) SettlementsRecomputed(ctx context.Context, groupID string, pending []*models.Settlement) error {
	var errs []error
	for _, n := range m {
		if err := n.SettlementsRecomputed(ctx, groupID, pending); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SettlementCompleted(ctx context.Context, s *models.Settlement) error {
	var errs []error
	for _, n := range m {
		if err := n.SettlementCompleted(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
