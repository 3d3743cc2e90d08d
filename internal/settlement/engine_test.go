package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/settleup/internal/calculator"
	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/metrics"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
	"github.com/mmynk/settleup/internal/storage/memory"
	"github.com/mmynk/settleup/internal/storage/sqlite"
	"github.com/mmynk/settleup/internal/storage/storagetest"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var fixedNow = time.Unix(1_700_000_000, 0)

func newEngine(store storage.Store, opts ...Option) *Engine {
	return NewEngine(store, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createEqualExpense(t *testing.T, store storage.Store, groupID, paidBy, amount string, participants ...string) *models.Expense {
	t.Helper()
	expense := &models.Expense{
		GroupID:   groupID,
		Amount:    d(amount),
		PaidBy:    paidBy,
		SplitType: models.SplitEqual,
	}
	for _, p := range participants {
		expense.Splits = append(expense.Splits, models.Split{UserID: p})
	}
	require.NoError(t, store.CreateExpense(context.Background(), expense))
	return expense
}

// seedExample sets up A paying 90 split equally among A, B and C, and B
// paying 30 split equally between B and C.
func seedExample(t *testing.T, store storage.Store) (*models.Group, *models.Expense, *models.Expense) {
	t.Helper()
	group := storagetest.SeedGroup(t, store, "A", "B", "C")
	first := createEqualExpense(t, store, group.ID, "A", "90", "A", "B", "C")
	second := createEqualExpense(t, store, group.ID, "B", "30", "B", "C")
	return group, first, second
}

func findSettlement(t *testing.T, settlements []*models.Settlement, payer, receiver string) *models.Settlement {
	t.Helper()
	for _, s := range settlements {
		if s.PayerID == payer && s.ReceiverID == receiver {
			return s
		}
	}
	t.Fatalf("no settlement %s -> %s", payer, receiver)
	return nil
}

type edge struct {
	payer, receiver, amount string
}

func edges(settlements []*models.Settlement) []edge {
	result := make([]edge, len(settlements))
	for i, s := range settlements {
		result[i] = edge{s.PayerID, s.ReceiverID, s.Amount.StringFixed(2)}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].payer != result[j].payer {
			return result[i].payer < result[j].payer
		}
		return result[i].receiver < result[j].receiver
	})
	return result
}

func TestRecompute_Example(t *testing.T) {
	for name, newStore := range map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return memory.New() },
		"sqlite": newSQLiteStore,
	} {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			engine := newEngine(store)
			group, first, _ := seedExample(t, store)

			result, err := engine.Recompute(context.Background(), group.ID)
			require.NoError(t, err)
			assert.NoError(t, result.Integrity)

			assert.True(t, result.Balances["A"].Equal(d("60")))
			assert.True(t, result.Balances["B"].Equal(d("-15")))
			assert.True(t, result.Balances["C"].Equal(d("-45")))

			assert.Equal(t, []edge{{"B", "A", "15.00"}, {"C", "A", "45.00"}}, edges(result.Settlements))
			for _, s := range result.Settlements {
				assert.Equal(t, models.StatusPending, s.Status)
				assert.Equal(t, "USD", s.Currency)
				assert.Equal(t, fixedNow.Unix(), s.CreatedAt)
				assert.Equal(t, []string{first.ID}, s.RelatedExpenses)
			}

			stored, err := store.ListSettlementsByGroup(context.Background(), group.ID, models.StatusPending)
			require.NoError(t, err)
			assert.Equal(t, edges(result.Settlements), edges(stored))
		})
	}
}

func TestRecompute_Idempotent(t *testing.T) {
	store := newSQLiteStore(t)
	engine := newEngine(store)
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	first, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)
	second, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)

	assert.Equal(t, edges(first.Settlements), edges(second.Settlements))

	stored, err := store.ListSettlementsByGroup(ctx, group.ID, "")
	require.NoError(t, err)
	assert.Len(t, stored, 2, "no duplicates after a second recompute")
	for _, s := range stored {
		assert.NotEqual(t, first.Settlements[0].ID, s.ID, "first pending set was replaced")
	}
}

func TestRecompute_ReflectsLedgerChanges(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	group, _, second := seedExample(t, store)
	ctx := context.Background()

	_, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)

	require.NoError(t, store.DeleteExpense(ctx, second.ID))
	result, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []edge{{"B", "A", "30.00"}, {"C", "A", "30.00"}}, edges(result.Settlements))
}

func TestRecompute_EmptyGroupHasNoSettlements(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	group := storagetest.SeedGroup(t, store, "A", "B")

	result, err := engine.Recompute(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Settlements)
	assert.True(t, result.Balances["A"].IsZero())
	assert.True(t, result.Balances["B"].IsZero())
}

func TestRecompute_Errors(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	ctx := context.Background()

	_, err := engine.Recompute(ctx, "")
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = engine.Recompute(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))

	group := storagetest.SeedGroup(t, store, "A", "B")
	createEqualExpense(t, store, group.ID, "A", "10", "A", "B")
	foreign := &models.Expense{
		GroupID: group.ID, Amount: d("5"), Currency: "EUR", PaidBy: "B", SplitType: models.SplitEqual,
		Splits: []models.Split{{UserID: "A"}},
	}
	require.NoError(t, store.CreateExpense(ctx, foreign))

	_, err = engine.Recompute(ctx, group.ID)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Contains(t, err.Error(), "EUR")
}

func TestRecompute_RejectsNonMemberAndKeepsPendingSet(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	before, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)

	outsider := &models.Expense{
		GroupID: group.ID, Amount: d("20"), PaidBy: "Z", SplitType: models.SplitEqual,
		Splits: []models.Split{{UserID: "A"}, {UserID: "Z"}},
	}
	require.NoError(t, store.CreateExpense(ctx, outsider))

	_, err = engine.Recompute(ctx, group.ID)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	stored, err := store.ListSettlementsByGroup(ctx, group.ID, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, edges(before.Settlements), edges(stored))
}

func TestRecompute_ReportsIntegrityWithoutFailing(t *testing.T) {
	store := memory.New()
	m := metrics.New()
	engine := newEngine(store, WithMetrics(m))
	group := storagetest.SeedGroup(t, store, "A", "B")
	// Each exact split is a cent short, inside tolerance on its own.
	storagetest.SeedExpense(t, store, group.ID, "A", "10.00", "B", "9.99")
	storagetest.SeedExpense(t, store, group.ID, "A", "10.00", "B", "9.99")

	result, err := engine.Recompute(context.Background(), group.ID)
	require.NoError(t, err)

	var ie *errs.IntegrityError
	require.ErrorAs(t, result.Integrity, &ie)
	assert.Equal(t, group.ID, ie.GroupID)
	assert.True(t, ie.Imbalance.Equal(d("0.02")))
	assert.Equal(t, []edge{{"B", "A", "19.98"}}, edges(result.Settlements))
	// A keeps the two cents nobody owes.
	assert.True(t, result.Unmatched.Equal(d("0.02")), "unmatched = %s", result.Unmatched)
}

func TestRecompute_ConcurrentCallsOnOneGroup(t *testing.T) {
	store := newSQLiteStore(t)
	engine := newEngine(store)
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	errCh := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Recompute(ctx, group.ID)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		assert.NoError(t, err)
	}

	stored, err := store.ListSettlementsByGroup(ctx, group.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []edge{{"B", "A", "15.00"}, {"C", "A", "45.00"}}, edges(stored))
	assert.Zero(t, engine.locks.size())
}

func TestRecompute_DifferentGroupsRunIndependently(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	ctx := context.Background()

	groups := make([]*models.Group, 5)
	for i := range groups {
		groups[i], _, _ = seedExample(t, store)
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(groupID string) {
			defer wg.Done()
			_, err := engine.Recompute(ctx, groupID)
			assert.NoError(t, err)
		}(g.ID)
	}
	wg.Wait()

	for _, g := range groups {
		stored, err := store.ListSettlementsByGroup(ctx, g.ID, models.StatusPending)
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	}
}

type blockingStore struct {
	storage.Store
}

func (blockingStore) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRecompute_TimeoutIsRetryable(t *testing.T) {
	store := memory.New()
	group := storagetest.SeedGroup(t, store, "A", "B")
	engine := newEngine(blockingStore{store}, WithTxTimeout(20*time.Millisecond))

	_, err := engine.Recompute(context.Background(), group.ID)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
	assert.True(t, errs.IsRetryable(err))

	_, err = engine.CompleteSettlement(context.Background(), CompleteRequest{
		SettlementID: "s1", ActorID: "A", PaymentMethod: "cash",
	})
	assert.True(t, errors.Is(err, errs.ErrTimeout))
}

func TestGroupBalances(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	result, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)
	s := findSettlement(t, result.Settlements, "B", "A")
	_, err = engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: s.ID, ActorID: "B", PaymentMethod: "cash"})
	require.NoError(t, err)

	balances, pending, err := engine.GroupBalances(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, balances, 3)

	byID := make(map[string]calculator.MemberBalance)
	for _, b := range balances {
		byID[b.MemberID] = b
	}
	assert.True(t, byID["A"].NetBalance.Equal(d("45")))
	assert.True(t, byID["B"].NetBalance.IsZero())
	assert.True(t, byID["C"].NetBalance.Equal(d("-45")))

	require.Len(t, pending, 1)
	assert.Equal(t, "C", pending[0].PayerID)

	_, _, err = engine.GroupBalances(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}

type chanNotifier struct {
	recomputed chan []*models.Settlement
	completed  chan *models.Settlement
}

func (n *chanNotifier) SettlementsRecomputed(_ context.Context, _ string, pending []*models.Settlement) error {
	n.recomputed <- pending
	return nil
}

func (n *chanNotifier) SettlementCompleted(_ context.Context, s *models.Settlement) error {
	n.completed <- s
	return nil
}

type panicNotifier struct{}

func (panicNotifier) SettlementsRecomputed(context.Context, string, []*models.Settlement) error {
	panic("notifier bug")
}

func (panicNotifier) SettlementCompleted(context.Context, *models.Settlement) error {
	return errors.New("unreachable channel")
}

func TestEngineNotifiesAfterCommit(t *testing.T) {
	store := memory.New()
	n := &chanNotifier{
		recomputed: make(chan []*models.Settlement, 1),
		completed:  make(chan *models.Settlement, 1),
	}
	engine := newEngine(store, WithNotifier(n))
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	result, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)

	select {
	case pending := <-n.recomputed:
		assert.Equal(t, edges(result.Settlements), edges(pending))
	case <-time.After(2 * time.Second):
		t.Fatal("recompute was not notified")
	}

	s := findSettlement(t, result.Settlements, "B", "A")
	_, err = engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: s.ID, ActorID: "B", PaymentMethod: "cash"})
	require.NoError(t, err)

	select {
	case done := <-n.completed:
		assert.Equal(t, s.ID, done.ID)
		assert.Equal(t, models.StatusCompleted, done.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("completion was not notified")
	}
	engine.Wait()
}

func TestEngineSurvivesFailingNotifier(t *testing.T) {
	store := memory.New()
	m := metrics.New()
	engine := newEngine(store, WithNotifier(panicNotifier{}), WithMetrics(m), WithNotifyTimeout(time.Second))
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	result, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)

	s := findSettlement(t, result.Settlements, "C", "A")
	_, err = engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: s.ID, ActorID: "C", PaymentMethod: "cash"})
	require.NoError(t, err)
	engine.Wait()

	stored, err := store.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}
