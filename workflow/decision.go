package workflow

import (
	"fmt"

	"github.com/songzhibin97/billflow/types"
)

// transition describes what one decision changed on a bill.
type transition struct {
	replaced   bool
	fromStage  int
	toStage    int
	fromStatus types.Status
	toStatus   types.Status
}

func (t transition) advanced() bool { return t.toStage != t.fromStage }

func (t transition) finalized() bool { return t.toStatus != t.fromStatus }

// applyDecision records rec on b and moves the stage pointer and status.
// b is left untouched when an error is returned.
//
// Only an approval of the stage currently awaiting action advances the
// pointer. Decisions for other stages are recorded in place without moving it.
// Any rejection is final; approval of the last stage is final.
func applyDecision(b *types.Bill, stages types.Stages, rec types.ApprovalRecord) (transition, error) {
	if b.Status.IsFinal() {
		return transition{}, fmt.Errorf("%w: bill %s is %s", ErrBillAlreadyFinal, b.ID, b.Status)
	}
	if !stages.Has(b.CurrentStage) {
		return transition{}, fmt.Errorf("%w: bill %s is at stage %d of %d", ErrInvalidStageIndex, b.ID, b.CurrentStage, len(stages))
	}

	tr := transition{
		fromStage:  b.CurrentStage,
		toStage:    b.CurrentStage,
		fromStatus: b.Status,
		toStatus:   b.Status,
	}

	for i := range b.Approvals {
		if b.Approvals[i].Stage == rec.Stage {
			b.Approvals[i] = rec
			tr.replaced = true
			break
		}
	}
	if !tr.replaced {
		b.Approvals = append(b.Approvals, rec)
	}

	last := stages.Last()
	if rec.Status == types.StatusApproved && rec.Stage == b.CurrentStage && b.CurrentStage < last {
		b.CurrentStage++
	}

	switch {
	case rec.Status == types.StatusRejected:
		b.Status = types.StatusRejected
	case rec.Status == types.StatusApproved && rec.Stage == last:
		b.Status = types.StatusApproved
	}

	b.UpdatedAt = rec.Date
	tr.toStage = b.CurrentStage
	tr.toStatus = b.Status
	return tr, nil
}
