package calculator

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/settleup/internal/errs"
)

// exampleExpenses: A pays 90 split equally among A, B, C; B pays 30 split
// equally between B and C.
func exampleExpenses() []ExpenseForBalance {
	return []ExpenseForBalance{
		{
			ID:        "e1",
			PayerID:   "A",
			Amount:    d("90"),
			SplitType: SplitEqual,
			Shares:    []Share{{UserID: "A"}, {UserID: "B"}, {UserID: "C"}},
		},
		{
			ID:        "e2",
			PayerID:   "B",
			Amount:    d("30"),
			SplitType: SplitEqual,
			Shares:    []Share{{UserID: "B"}, {UserID: "C"}},
		},
	}
}

func TestComputeBalances_Example(t *testing.T) {
	balances, err := ComputeBalances([]string{"A", "B", "C"}, exampleExpenses(), nil)
	require.NoError(t, err)

	assert.True(t, balances["A"].Equal(d("60")), "A = %s", balances["A"])
	assert.True(t, balances["B"].Equal(d("-15")), "B = %s", balances["B"])
	assert.True(t, balances["C"].Equal(d("-45")), "C = %s", balances["C"])
	assert.True(t, balances.Sum().Abs().LessThanOrEqual(Epsilon))
}

func TestComputeBalances_IncludesIdleMembers(t *testing.T) {
	balances, err := ComputeBalances([]string{"A", "B", "C", "D"}, exampleExpenses(), nil)
	require.NoError(t, err)

	bal, ok := balances["D"]
	require.True(t, ok, "member without expenses must be present")
	assert.True(t, bal.IsZero())
	assert.Equal(t, []string{"A", "B", "C", "D"}, balances.Members())
}

func TestComputeBalances_PayerOnlyNetsDifference(t *testing.T) {
	expenses := []ExpenseForBalance{{
		ID:        "e1",
		PayerID:   "A",
		Amount:    d("40"),
		SplitType: SplitExact,
		Shares: []Share{
			{UserID: "A", Amount: d("10")},
			{UserID: "B", Amount: d("30")},
		},
	}}

	mbs, err := ComputeMemberBalances([]string{"A", "B"}, expenses, nil)
	require.NoError(t, err)
	require.Len(t, mbs, 2)

	assert.Equal(t, "A", mbs[0].MemberID)
	assert.True(t, mbs[0].TotalPaid.Equal(d("40")))
	assert.True(t, mbs[0].TotalOwed.Equal(d("10")))
	assert.True(t, mbs[0].NetBalance.Equal(d("30")))
	assert.True(t, mbs[1].NetBalance.Equal(d("-30")))
}

func TestComputeBalances_AppliesCompletedSettlements(t *testing.T) {
	settlements := []SettlementForBalance{{FromUserID: "C", ToUserID: "A", Amount: d("45")}}

	balances, err := ComputeBalances([]string{"A", "B", "C"}, exampleExpenses(), settlements)
	require.NoError(t, err)

	assert.True(t, balances["A"].Equal(d("15")))
	assert.True(t, balances["C"].IsZero())
	assert.True(t, balances.Sum().Abs().LessThanOrEqual(Epsilon))
}

func TestComputeBalances_ZeroSum(t *testing.T) {
	expenses := []ExpenseForBalance{
		{ID: "e1", PayerID: "A", Amount: d("100"), SplitType: SplitEqual,
			Shares: []Share{{UserID: "A"}, {UserID: "B"}, {UserID: "C"}}},
		{ID: "e2", PayerID: "C", Amount: d("77.77"), SplitType: SplitPercentage,
			Shares: []Share{{UserID: "A", Percentage: d("33.3")}, {UserID: "B", Percentage: d("33.3")}, {UserID: "D", Percentage: d("33.4")}}},
		{ID: "e3", PayerID: "D", Amount: d("12.34"), SplitType: SplitExact,
			Shares: []Share{{UserID: "B", Amount: d("6.17")}, {UserID: "C", Amount: d("6.17")}}},
	}

	balances, err := ComputeBalances([]string{"A", "B", "C", "D"}, expenses, nil)
	require.NoError(t, err)
	assert.True(t, balances.Sum().Abs().LessThanOrEqual(Epsilon), "sum = %s", balances.Sum())
}

func TestComputeBalances_Validation(t *testing.T) {
	tests := []struct {
		name     string
		members  []string
		expenses []ExpenseForBalance
	}{
		{
			name:    "payer outside group",
			members: []string{"A", "B"},
			expenses: []ExpenseForBalance{{ID: "e1", PayerID: "Z", Amount: d("10"),
				Shares: []Share{{UserID: "A"}}}},
		},
		{
			name:    "participant outside group",
			members: []string{"A", "B"},
			expenses: []ExpenseForBalance{{ID: "e1", PayerID: "A", Amount: d("10"),
				Shares: []Share{{UserID: "A"}, {UserID: "Z"}}}},
		},
		{
			name:    "missing payer",
			members: []string{"A"},
			expenses: []ExpenseForBalance{{ID: "e1", Amount: d("10"),
				Shares: []Share{{UserID: "A"}}}},
		},
		{
			name:    "exact split does not add up",
			members: []string{"A", "B"},
			expenses: []ExpenseForBalance{{ID: "e1", PayerID: "A", Amount: d("10"), SplitType: SplitExact,
				Shares: []Share{{UserID: "A", Amount: d("4")}, {UserID: "B", Amount: d("5")}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeBalances(tt.members, tt.expenses, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation), "got %v", err)
		})
	}
}

func TestComputeBalances_NoMemberSetSkipsMembershipCheck(t *testing.T) {
	balances, err := ComputeBalances(nil, exampleExpenses(), nil)
	require.NoError(t, err)
	assert.Len(t, balances, 3)
	assert.True(t, balances.Sum().Equal(decimal.Zero))
}
