// Package postgres provides a PostgreSQL-backed implementation of the storage.Store interface.
//
// Units of work serialize per group with a transaction-scoped advisory lock,
// and completion locks the settlement row it is about to change.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
)

var _ storage.Store = (*PostgresStore)(nil)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements storage.Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// New opens the database at dbURL, checks the connection and runs migrations.
func New(dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateGroup(ctx context.Context, group *models.Group) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	if group.CreatedAt == 0 {
		group.CreatedAt = time.Now().Unix()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO groups (id, name, default_currency, created_at) VALUES ($1, $2, $3, $4)",
			group.ID, group.Name, group.DefaultCurrency, group.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}

		for i, m := range group.Members {
			role := m.Role
			if role == "" {
				role = models.RoleMember
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO group_members (group_id, user_id, role, position) VALUES ($1, $2, $3, $4)",
				group.ID, m.UserID, role, i,
			)
			if err != nil {
				return fmt.Errorf("failed to insert group member: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) CreateExpense(ctx context.Context, expense *models.Expense) error {
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

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO expenses (id, group_id, description, amount, currency, paid_by, split_type, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			expense.ID, expense.GroupID, expense.Description, expense.Amount, expense.Currency,
			expense.PaidBy, expense.SplitType, expense.CreatedAt, expense.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert expense: %w", err)
		}
		return insertSplits(ctx, tx, expense.ID, expense.Splits, nil)
	})
}

func (s *PostgresStore) UpdateExpense(ctx context.Context, expense *models.Expense) error {
	expense.UpdatedAt = time.Now().Unix()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE expenses SET description = $1, amount = $2, currency = $3, paid_by = $4, split_type = $5, updated_at = $6
			 WHERE id = $7`,
			expense.Description, expense.Amount, expense.Currency, expense.PaidBy,
			expense.SplitType, expense.UpdatedAt, expense.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update expense: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("expense %s: %w", expense.ID, errs.ErrNotFound)
		}

		settled, err := settledFlags(ctx, tx, expense.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM expense_splits WHERE expense_id = $1", expense.ID); err != nil {
			return fmt.Errorf("failed to delete splits: %w", err)
		}
		if err := insertSplits(ctx, tx, expense.ID, expense.Splits, settled); err != nil {
			return err
		}
		for i := range expense.Splits {
			expense.Splits[i].Settled = settled[expense.Splits[i].UserID]
		}
		return nil
	})
}

func (s *PostgresStore) DeleteExpense(ctx context.Context, expenseID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM expenses WHERE id = $1", expenseID)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("expense %s: %w", expenseID, errs.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	return getGroup(ctx, s.db, groupID)
}

func (s *PostgresStore) ListExpensesByGroup(ctx context.Context, groupID string) ([]*models.Expense, error) {
	return listExpensesByGroup(ctx, s.db, groupID)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	return getSettlement(ctx, s.db, settlementID)
}

func (s *PostgresStore) ListSettlementsByGroup(ctx context.Context, groupID string, status models.SettlementStatus) ([]*models.Settlement, error) {
	return listSettlementsByGroup(ctx, s.db, groupID, status)
}

// WithTx executes fn within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertSplits(ctx context.Context, q queryer, expenseID string, splits []models.Split, settled map[string]bool) error {
	for i, split := range splits {
		_, err := q.ExecContext(ctx,
			`INSERT INTO expense_splits (expense_id, user_id, position, amount, percentage, settled)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			expenseID, split.UserID, i, split.Amount, split.Percentage, settled[split.UserID],
		)
		if err != nil {
			return fmt.Errorf("failed to insert split: %w", err)
		}
	}
	return nil
}

func settledFlags(ctx context.Context, q queryer, expenseID string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id, settled FROM expense_splits WHERE expense_id = $1", expenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get splits: %w", err)
	}
	defer rows.Close()

	settled := make(map[string]bool)
	for rows.Next() {
		var userID string
		var flag bool
		if err := rows.Scan(&userID, &flag); err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		settled[userID] = flag
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate splits: %w", err)
	}
	return settled, nil
}

func getGroup(ctx context.Context, q queryer, groupID string) (*models.Group, error) {
	group := &models.Group{}
	err := q.QueryRowContext(ctx,
		"SELECT id, name, default_currency, created_at FROM groups WHERE id = $1",
		groupID,
	).Scan(&group.ID, &group.Name, &group.DefaultCurrency, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT user_id, role FROM group_members WHERE group_id = $1 ORDER BY position",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.UserID, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		group.Members = append(group.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group members: %w", err)
	}

	return group, nil
}

func listExpensesByGroup(ctx context.Context, q queryer, groupID string) ([]*models.Expense, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, group_id, description, amount, currency, paid_by, split_type, created_at, updated_at
		 FROM expenses WHERE group_id = $1 ORDER BY created_at, seq`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}

	var expenses []*models.Expense
	byID := make(map[string]*models.Expense)
	for rows.Next() {
		e := &models.Expense{}
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Description, &e.Amount, &e.Currency,
			&e.PaidBy, &e.SplitType, &e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		expenses = append(expenses, e)
		byID[e.ID] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expenses: %w", err)
	}

	splitRows, err := q.QueryContext(ctx,
		`SELECT s.expense_id, s.user_id, s.amount, s.percentage, s.settled
		 FROM expense_splits s JOIN expenses e ON e.id = s.expense_id
		 WHERE e.group_id = $1 ORDER BY s.expense_id, s.position`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get splits: %w", err)
	}
	defer splitRows.Close()

	for splitRows.Next() {
		var expenseID string
		var split models.Split
		if err := splitRows.Scan(&expenseID, &split.UserID, &split.Amount, &split.Percentage, &split.Settled); err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		if e, ok := byID[expenseID]; ok {
			e.Splits = append(e.Splits, split)
		}
	}
	if err := splitRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate splits: %w", err)
	}

	return expenses, nil
}

const settlementColumns = `id, group_id, payer_id, receiver_id, amount, currency, status,
	payment_method, payment_reference, version, created_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*models.Settlement, error) {
	s := &models.Settlement{}
	var method, reference sql.NullString
	var settledAt sql.NullInt64

	if err := row.Scan(&s.ID, &s.GroupID, &s.PayerID, &s.ReceiverID, &s.Amount, &s.Currency, &s.Status,
		&method, &reference, &s.Version, &s.CreatedAt, &settledAt); err != nil {
		return nil, err
	}

	s.PaymentMethod = method.String
	s.PaymentReference = reference.String
	s.SettledAt = settledAt.Int64
	return s, nil
}

func getSettlement(ctx context.Context, q queryer, settlementID string) (*models.Settlement, error) {
	settlement, err := scanSettlement(q.QueryRowContext(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE id = $1", settlementID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s: %w", settlementID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT expense_id FROM settlement_expenses WHERE settlement_id = $1 ORDER BY position",
		settlementID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get related expenses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var expenseID string
		if err := rows.Scan(&expenseID); err != nil {
			return nil, fmt.Errorf("failed to scan related expense: %w", err)
		}
		settlement.RelatedExpenses = append(settlement.RelatedExpenses, expenseID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate related expenses: %w", err)
	}

	return settlement, nil
}

func listSettlementsByGroup(ctx context.Context, q queryer, groupID string, status models.SettlementStatus) ([]*models.Settlement, error) {
	query := "SELECT " + settlementColumns + " FROM settlements WHERE group_id = $1"
	args := []any{groupID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at, seq"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements by group: %w", err)
	}

	var settlements []*models.Settlement
	byID := make(map[string]*models.Settlement)
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, settlement)
		byID[settlement.ID] = settlement
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}

	linkRows, err := q.QueryContext(ctx,
		`SELECT se.settlement_id, se.expense_id
		 FROM settlement_expenses se JOIN settlements s ON s.id = se.settlement_id
		 WHERE s.group_id = $1 ORDER BY se.settlement_id, se.position`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get related expenses: %w", err)
	}
	defer linkRows.Close()

	for linkRows.Next() {
		var settlementID, expenseID string
		if err := linkRows.Scan(&settlementID, &expenseID); err != nil {
			return nil, fmt.Errorf("failed to scan related expense: %w", err)
		}
		if settlement, ok := byID[settlementID]; ok {
			settlement.RelatedExpenses = append(settlement.RelatedExpenses, expenseID)
		}
	}
	if err := linkRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate related expenses: %w", err)
	}

	return settlements, nil
}
