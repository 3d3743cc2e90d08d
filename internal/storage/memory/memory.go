// Package memory provides an in-memory storage.Store for tests and local development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps every record in maps guarded by one RWMutex.
// Records are cloned on the way in and out so callers never share memory with the store.
type Store struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	groups          map[string]*models.Group
	expenses        map[string]*models.Expense
	expenseOrder    []string
	settlements     map[string]*models.Settlement
	settlementOrder []string
}

func New() *Store {
	return &Store{state: state{
		groups:      make(map[string]*models.Group),
		expenses:    make(map[string]*models.Expense),
		settlements: make(map[string]*models.Settlement),
	}}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateGroup(_ context.Context, group *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	if group.CreatedAt == 0 {
		group.CreatedAt = time.Now().Unix()
	}
	if _, exists := s.state.groups[group.ID]; exists {
		return fmt.Errorf("group %s: %w", group.ID, errs.ErrConflict)
	}
	stored := cloneGroup(group)
	for i := range stored.Members {
		if stored.Members[i].Role == "" {
			stored.Members[i].Role = models.RoleMember
		}
	}
	s.state.groups[group.ID] = stored
	return nil
}

func (s *Store) CreateExpense(_ context.Context, expense *models.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.groups[expense.GroupID]; !ok {
		return fmt.Errorf("group %s: %w", expense.GroupID, errs.ErrNotFound)
	}
	if expense.ID == "" {
		expense.ID = uuid.New().String()
	}
	if expense.CreatedAt == 0 {
		expense.CreatedAt = time.Now().Unix()
	}
	if expense.UpdatedAt == 0 {
		expense.UpdatedAt = expense.CreatedAt
	}
	if expense.Description == "" {
		expense.Description = fmt.Sprintf("Expense paid by %s", expense.PaidBy)
	}
	for i := range expense.Splits {
		expense.Splits[i].Settled = false
	}

	s.state.expenses[expense.ID] = cloneExpense(expense)
	s.state.expenseOrder = append(s.state.expenseOrder, expense.ID)
	return nil
}

func (s *Store) UpdateExpense(_ context.Context, expense *models.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.state.expenses[expense.ID]
	if !ok {
		return fmt.Errorf("expense %s: %w", expense.ID, errs.ErrNotFound)
	}

	expense.GroupID = old.GroupID
	expense.CreatedAt = old.CreatedAt
	expense.UpdatedAt = time.Now().Unix()
	for i := range expense.Splits {
		prev, found := old.SplitFor(expense.Splits[i].UserID)
		expense.Splits[i].Settled = found && prev.Settled
	}

	s.state.expenses[expense.ID] = cloneExpense(expense)
	return nil
}

func (s *Store) DeleteExpense(_ context.Context, expenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.expenses[expenseID]; !ok {
		return fmt.Errorf("expense %s: %w", expenseID, errs.ErrNotFound)
	}
	delete(s.state.expenses, expenseID)
	s.state.expenseOrder = slices.DeleteFunc(s.state.expenseOrder, func(id string) bool { return id == expenseID })

	// Links go with the expense, as with ON DELETE CASCADE.
	for _, settlement := range s.state.settlements {
		settlement.RelatedExpenses = slices.DeleteFunc(settlement.RelatedExpenses, func(id string) bool { return id == expenseID })
	}
	return nil
}

func (s *Store) GetGroup(_ context.Context, groupID string) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getGroup(groupID)
}

func (s *Store) ListExpensesByGroup(_ context.Context, groupID string) ([]*models.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listExpenses(groupID), nil
}

func (s *Store) GetSettlement(_ context.Context, settlementID string) (*models.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getSettlement(settlementID)
}

func (s *Store) ListSettlementsByGroup(_ context.Context, groupID string, status models.SettlementStatus) ([]*models.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listSettlements(groupID, status), nil
}

// WithTx executes fn while holding the write lock.
// The unit of work writes in place; on error the snapshot taken before fn is restored.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.state.clone()
	if err := fn(&txView{state: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (st *state) getGroup(groupID string) (*models.Group, error) {
	group, ok := st.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, errs.ErrNotFound)
	}
	return cloneGroup(group), nil
}

func (st *state) listExpenses(groupID string) []*models.Expense {
	var result []*models.Expense
	for _, id := range st.expenseOrder {
		if e := st.expenses[id]; e.GroupID == groupID {
			result = append(result, cloneExpense(e))
		}
	}
	return result
}

func (st *state) getSettlement(settlementID string) (*models.Settlement, error) {
	settlement, ok := st.settlements[settlementID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", settlementID, errs.ErrNotFound)
	}
	return cloneSettlement(settlement), nil
}

func (st *state) listSettlements(groupID string, status models.SettlementStatus) []*models.Settlement {
	var result []*models.Settlement
	for _, id := range st.settlementOrder {
		s := st.settlements[id]
		if s.GroupID != groupID || (status != "" && s.Status != status) {
			continue
		}
		result = append(result, cloneSettlement(s))
	}
	return result
}

func (st *state) clone() state {
	c := state{
		groups:          make(map[string]*models.Group, len(st.groups)),
		expenses:        make(map[string]*models.Expense, len(st.expenses)),
		expenseOrder:    slices.Clone(st.expenseOrder),
		settlements:     make(map[string]*models.Settlement, len(st.settlements)),
		settlementOrder: slices.Clone(st.settlementOrder),
	}
	for k, v := range st.groups {
		c.groups[k] = cloneGroup(v)
	}
	for k, v := range st.expenses {
		c.expenses[k] = cloneExpense(v)
	}
	for k, v := range st.settlements {
		c.settlements[k] = cloneSettlement(v)
	}
	return c
}

func cloneGroup(g *models.Group) *models.Group {
	c := *g
	c.Members = slices.Clone(g.Members)
	return &c
}

func cloneExpense(e *models.Expense) *models.Expense {
	c := *e
	c.Splits = slices.Clone(e.Splits)
	return &c
}

func cloneSettlement(s *models.Settlement) *models.Settlement {
	c := *s
	c.RelatedExpenses = slices.Clone(s.RelatedExpenses)
	return &c
}
