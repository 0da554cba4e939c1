package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/billflow/types"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "amount > 1000",
			env:        map[string]interface{}{"amount": 2500.0},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "amount < 1000",
			env:        map[string]interface{}{"amount": 2500.0},
			wantResult: false,
		},
		{
			name:       "String match",
			expression: `status == "Pending" && counterparty startsWith "Acme"`,
			env:        map[string]interface{}{"status": "Pending", "counterparty": "Acme Corp"},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "stage + 5",
			env:        map[string]interface{}{"stage": 2},
			wantErr:    true,
			errMsg:     "invalid expression",
		},
		{
			name:       "Invalid expression",
			expression: "amount >>> 18",
			env:        map[string]interface{}{"amount": 25.0},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				assert.ErrorIs(t, err, ErrInvalidExpression)
				assert.Contains(t, err.Error(), tt.errMsg, "Error message should contain expected text")
			} else {
				assert.NoError(t, err, "Evaluate() should not return an error")
			}
			assert.Equal(t, tt.wantResult, result, "Evaluate() result mismatch")
		})
	}
}

func TestExprEvaluatorCachesPrograms(t *testing.T) {
	evaluator := NewExprEvaluator()
	env := map[string]interface{}{"stage": 1}

	_, err := evaluator.Evaluate("stage >= 1", env)
	assert.NoError(t, err)
	_, err = evaluator.Evaluate("stage >= 1", map[string]interface{}{"stage": 3})
	assert.NoError(t, err)

	evaluator.mu.RLock()
	defer evaluator.mu.RUnlock()
	assert.Len(t, evaluator.cache, 1)
}

func TestExprEvaluatorOptionFunc(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("large", func(env map[string]interface{}) interface{} {
		amount, _ := env["amount"].(float64)
		return amount >= 10000
	})

	env := map[string]interface{}{"amount": 12000.0}
	ok, err := evaluator.Evaluate("large", env)
	assert.NoError(t, err)
	assert.True(t, ok)
	_, present := env["large"]
	assert.False(t, present, "caller env must not be modified")

	ok, err = evaluator.Evaluate("large", map[string]interface{}{"amount": 5.0})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestExprEvaluatorConcurrent(t *testing.T) {
	evaluator := NewExprEvaluator()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := evaluator.Evaluate("stage % 2 == 0", map[string]interface{}{"stage": i})
			assert.NoError(t, err)
			assert.Equal(t, i%2 == 0, ok)
		}(i)
	}
	wg.Wait()
}

func TestBillEnv(t *testing.T) {
	bill := types.Bill{
		ID:           "0123456789",
		Type:         types.BillTypeAdvanceRequest,
		CurrentStage: 3,
		Status:       types.StatusPending,
		Approvals:    make([]types.ApprovalRecord, 3),
		Remarks:      "urgent",
		Details:      types.AdvanceRequest{VendorName: "Mover", AmountRequested: 750},
	}

	env := BillEnv(bill, types.DefaultStages)
	assert.Equal(t, "advance_request", env["type"])
	assert.Equal(t, "Pending", env["status"])
	assert.Equal(t, 3, env["stage"])
	assert.Equal(t, "Finance Review", env["stageLabel"])
	assert.Equal(t, 750.0, env["amount"])
	assert.Equal(t, "01234567", env["reference"])
	assert.Equal(t, "Mover", env["counterparty"])
	assert.Equal(t, 3, env["approvals"])
	assert.Equal(t, false, env["final"])
	assert.Equal(t, true, env["pending"])

	evaluator := NewExprEvaluator()
	ok, err := evaluator.Evaluate(`type == "advance_request" && amount > 500 && stageLabel == "Finance Review"`, env)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestBillEnvFinalLabels(t *testing.T) {
	stages := types.Stages{"A", "B"}
	evaluator := NewExprEvaluator()

	tests := []struct {
		name  string
		bill  types.Bill
		label string
	}{
		{"pending", types.Bill{CurrentStage: 1, Status: types.StatusPending, Details: types.Purchase{}}, "B"},
		{"rejected", types.Bill{CurrentStage: 0, Status: types.StatusRejected, Details: types.Purchase{}}, types.LabelRejected},
		{"completed", types.Bill{CurrentStage: 1, Status: types.StatusApproved, Details: types.Purchase{}}, types.LabelCompleted},
		{"approved early", types.Bill{CurrentStage: 0, Status: types.StatusApproved, Details: types.Purchase{}}, "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := BillEnv(tt.bill, stages)
			assert.Equal(t, tt.label, env["stageLabel"])
			ok, err := evaluator.Evaluate(`stageLabel == "`+tt.label+`"`, env)
			assert.NoError(t, err)
			assert.True(t, ok)
		})
	}
}
