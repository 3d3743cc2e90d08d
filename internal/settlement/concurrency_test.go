package settlement

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
	"github.com/mmynk/settleup/internal/storage/memory"
	"github.com/mmynk/settleup/internal/storage/postgres"
)

// backends returns every store the engine runs on. PostgreSQL joins when
// TEST_DATABASE_URL is set.
func backends(t *testing.T) map[string]func(t *testing.T) storage.Store {
	t.Helper()
	result := map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return memory.New() },
		"sqlite": newSQLiteStore,
	}
	if dbURL := os.Getenv("TEST_DATABASE_URL"); dbURL != "" {
		result["postgres"] = func(t *testing.T) storage.Store {
			store, err := postgres.New(dbURL)
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		}
	}
	return result
}

// recordingTx logs the settlement reads and group locks of a unit of work.
type recordingTx struct {
	storage.Tx
	calls []string
}

func (r *recordingTx) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	r.calls = append(r.calls, "get")
	return r.Tx.GetSettlement(ctx, settlementID)
}

func (r *recordingTx) LockGroup(ctx context.Context, groupID string) error {
	r.calls = append(r.calls, "lock "+groupID)
	return r.Tx.LockGroup(ctx, groupID)
}

func TestComplete_LocksGroupBeforeDeciding(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	ctx := context.Background()
	group, _, _ := seedExample(t, store)

	result, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)
	fromC := findSettlement(t, result.Settlements, "C", "A")

	var rec *recordingTx
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		rec = &recordingTx{Tx: tx}
		_, err := Complete(ctx, rec, CompleteRequest{
			SettlementID:  fromC.ID,
			ActorID:       "C",
			PaymentMethod: "cash",
		}, fixedNow.Unix())
		return err
	})
	require.NoError(t, err)

	// The status the decision rests on is read after the group lock.
	assert.Equal(t, []string{"get", "lock " + group.ID, "get"}, rec.calls)
}

func TestRecomputeAndCompleteInterleaved(t *testing.T) {
	const rounds = 20

	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			engine := newEngine(store)
			ctx := context.Background()

			for round := 0; round < rounds; round++ {
				group, _, _ := seedExample(t, store)
				first, err := engine.Recompute(ctx, group.ID)
				require.NoError(t, err)
				fromC := findSettlement(t, first.Settlements, "C", "A")

				var wg sync.WaitGroup
				var recomputeErr, completeErr error
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, recomputeErr = engine.Recompute(ctx, group.ID)
				}()
				go func() {
					defer wg.Done()
					_, completeErr = engine.CompleteSettlement(ctx, CompleteRequest{
						SettlementID:  fromC.ID,
						ActorID:       "C",
						PaymentMethod: "cash",
					})
				}()
				wg.Wait()

				require.NoError(t, recomputeErr)
				if completeErr != nil {
					// Losing the race to the recompute is the only acceptable failure.
					require.True(t, errs.IsNotFound(completeErr) || errors.Is(completeErr, errs.ErrConflict),
						"round %d: %v", round, completeErr)
				}

				all, err := store.ListSettlementsByGroup(ctx, group.ID, "")
				require.NoError(t, err)

				// Completed plus pending must add up to the ledger's debt, never more.
				owed := map[edge]decimal.Decimal{}
				for _, s := range all {
					key := edge{payer: s.PayerID, receiver: s.ReceiverID}
					owed[key] = owed[key].Add(s.Amount)
				}
				assert.True(t, owed[edge{payer: "C", receiver: "A"}].Equal(d("45")),
					"round %d: C owes A %s in total", round, owed[edge{payer: "C", receiver: "A"}])
				assert.True(t, owed[edge{payer: "B", receiver: "A"}].Equal(d("15")),
					"round %d: B owes A %s in total", round, owed[edge{payer: "B", receiver: "A"}])

				for _, done := range all {
					if done.Status != models.StatusCompleted {
						continue
					}
					for _, p := range all {
						if p.IsPending() && p.PayerID == done.PayerID && p.ReceiverID == done.ReceiverID {
							t.Errorf("round %d: pending %s duplicates completed %s", round, p.ID, done.ID)
						}
					}
				}
			}
		})
	}
}
