package workflow

import (
	"context"

	"github.com/songzhibin97/billflow/types"
)

// Summary aggregates the bills matching a filter.
type Summary struct {
	Total       int                    `json:"total"`
	Pending     int                    `json:"pending"`
	Approved    int                    `json:"approved"`
	Rejected    int                    `json:"rejected"`
	TotalAmount float64                `json:"total_amount"`
	ByType      map[types.BillType]int `json:"by_type"`
}

// Summarize counts bills by status and type and totals their display amount.
func (e *Engine) Summarize(ctx context.Context, filter types.Filter) (Summary, error) {
	bills, err := e.store.Filter(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	return summarize(bills), nil
}

func summarize(bills []types.Bill) Summary {
	s := Summary{ByType: make(map[types.BillType]int, len(types.BillTypes))}
	for _, b := range bills {
		s.Total++
		switch b.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusApproved:
			s.Approved++
		case types.StatusRejected:
			s.Rejected++
		}
		s.ByType[b.Type]++
		s.TotalAmount += b.DisplayAmount()
	}
	return s
}

// StageProgress is the state of one stage of a bill.
type StageProgress struct {
	Index    int                   `json:"index"`
	Name     string                `json:"name"`
	Active   bool                  `json:"active"`
	Passed   bool                  `json:"passed"`
	Decision *types.ApprovalRecord `json:"decision,omitempty"`
}

// Progress lists every stage with the decision recorded for it, if any.
// An approved bill has passed its current stage as well.
func (e *Engine) Progress(bill types.Bill) []StageProgress {
	out := make([]StageProgress, len(e.stages))
	for i, name := range e.stages {
		p := StageProgress{
			Index:  i,
			Name:   name,
			Active: i == bill.CurrentStage && bill.Status == types.StatusPending,
			Passed: i < bill.CurrentStage || (i == bill.CurrentStage && bill.Status == types.StatusApproved),
		}
		if rec, ok := bill.Approval(i); ok {
			p.Decision = &rec
		}
		out[i] = p
	}
	return out
}
