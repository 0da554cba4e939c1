package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/songzhibin97/billflow/events"
	"github.com/songzhibin97/billflow/rules"
	"github.com/songzhibin97/billflow/storage"
	"github.com/songzhibin97/billflow/types"
)

// Standard error definitions
var (
	ErrBillNotFound      = storage.ErrBillNotFound
	ErrBillAlreadyFinal  = errors.New("bill is already approved or rejected")
	ErrInvalidDecision   = errors.New("decision must be Approved or Rejected")
	ErrInvalidStageIndex = errors.New("stage index out of range")
	ErrMissingDetails    = errors.New("bill details are required")
)

// Stage labels that replace the stage name once a bill is final.
const (
	LabelCompleted = types.LabelCompleted
	LabelRejected  = types.LabelRejected
)

// Engine applies approval decisions to bills held by a repository.
type Engine struct {
	store      storage.Repository
	stages     types.Stages
	ids        IDGenerator
	evaluator  rules.Evaluator
	eventBus   *events.EventBus
	ownsBus    bool
	syncEvents bool
	locks      *keyedMutex
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the generator for new bill IDs. The default is UUIDs.
func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Engine) {
		if ids != nil {
			e.ids = ids
		}
	}
}

// WithEvaluator sets the evaluator used by Query. An *rules.ExprEvaluator
// gets the derived ageDays variable registered on it.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithEventBus publishes to a shared bus. The engine does not stop it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
			e.ownsBus = false
		}
	}
}

// WithSyncEvents runs event handlers before the mutating call returns.
func WithSyncEvents() Option {
	return func(e *Engine) {
		e.syncEvents = true
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine over store for the given stage sequence.
// A nil store falls back to memory storage.
func NewEngine(store storage.Repository, stages types.Stages, opts ...Option) (*Engine, error) {
	if err := stages.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:     store,
		stages:    stages.Clone(),
		ids:       UUIDs{},
		evaluator: rules.NewExprEvaluator(),
		locks:     newKeyedMutex(),
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus()
		e.ownsBus = true
	}
	if ev, ok := e.evaluator.(*rules.ExprEvaluator); ok {
		ev.AddOptionFunc("ageDays", func(env map[string]interface{}) interface{} {
			created, _ := env["createdAt"].(time.Time)
			return e.now().Sub(created).Hours() / 24
		})
	}
	return e, nil
}

// Stages returns a copy of the configured stage sequence.
func (e *Engine) Stages() types.Stages {
	return e.stages.Clone()
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a handler added with SubscribeEvent.
func (e *Engine) UnsubscribeEvent(eventType string, handler events.EventHandler) bool {
	return e.eventBus.Unsubscribe(eventType, handler)
}

// DroppedEvents is the number of events lost to a full bus buffer.
func (e *Engine) DroppedEvents() int64 {
	return e.eventBus.Dropped()
}

// publish queues an event, detached from the caller's cancellation so a
// committed change is always announced.
func (e *Engine) publish(ctx context.Context, eventType string, bill types.Bill, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["status"] = string(bill.Status)
	data["current_stage"] = bill.CurrentStage

	event := events.Event{
		Type:   eventType,
		BillID: bill.ID,
		At:     bill.UpdatedAt,
		Data:   data,
	}
	ctx = context.WithoutCancel(ctx)
	if e.syncEvents {
		for _, err := range e.eventBus.PublishSync(ctx, event) {
			if !errors.Is(err, events.ErrNoHandler) {
				e.logger.Warn().Err(err).Str("event", eventType).Str("bill_id", bill.ID).Msg("event handler failed")
			}
		}
		return
	}
	if err := e.eventBus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn().Err(err).Str("event", eventType).Str("bill_id", bill.ID).Msg("event not published")
	}
}

// CreateBill stores a new pending bill at the first stage.
func (e *Engine) CreateBill(ctx context.Context, nb types.NewBill) (*types.Bill, error) {
	if nb.Details == nil {
		return nil, ErrMissingDetails
	}
	if _, err := types.ParseBillType(string(nb.Details.Kind())); err != nil {
		return nil, err
	}

	id, err := e.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now()
	attachments := make([]types.Attachment, len(nb.Attachments))
	copy(attachments, nb.Attachments)
	bill := types.Bill{
		ID:           id,
		Type:         nb.Details.Kind(),
		CurrentStage: 0,
		Status:       types.StatusPending,
		Approvals:    []types.ApprovalRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
		Remarks:      nb.Remarks,
		Attachments:  attachments,
		Details:      nb.Details,
	}

	if err := e.store.Create(ctx, bill); err != nil {
		return nil, err
	}

	e.logger.Info().Str("bill_id", bill.ID).Str("type", string(bill.Type)).Msg("bill created")
	e.publish(ctx, events.BillCreated, bill, map[string]interface{}{
		"type":   string(bill.Type),
		"amount": bill.DisplayAmount(),
	})
	return &bill, nil
}

// RecordDecision records an approve or reject decision for one stage of a
// bill and returns the updated bill. On error the bill is unchanged.
func (e *Engine) RecordDecision(ctx context.Context, billID string, stageIndex int, approverName string, decision types.Status, comments string) (*types.Bill, error) {
	if !decision.IsDecision() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidDecision, decision)
	}
	if !e.stages.Has(stageIndex) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidStageIndex, stageIndex, e.stages.Last())
	}

	unlock := e.locks.Lock(billID)
	defer unlock()

	rec := types.ApprovalRecord{
		Stage:        stageIndex,
		ApproverName: approverName,
		Status:       decision,
		Date:         e.now(),
		Comments:     comments,
	}

	var tr transition
	bill, err := e.store.Update(ctx, billID, func(b *types.Bill) error {
		var err error
		tr, err = applyDecision(b, e.stages, rec)
		return err
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("bill_id", billID).Int("stage", stageIndex).Msg("decision refused")
		return nil, err
	}

	e.logger.Info().
		Str("bill_id", bill.ID).
		Int("stage", stageIndex).
		Str("approver", approverName).
		Str("decision", string(decision)).
		Int("current_stage", bill.CurrentStage).
		Str("status", string(bill.Status)).
		Msg("decision recorded")

	e.publish(ctx, events.DecisionRecorded, bill, map[string]interface{}{
		"stage":    stageIndex,
		"approver": approverName,
		"decision": string(decision),
		"comments": comments,
		"replaced": tr.replaced,
	})
	if tr.advanced() {
		e.publish(ctx, events.StageAdvanced, bill, map[string]interface{}{
			"from": tr.fromStage,
			"to":   tr.toStage,
		})
	}
	if tr.finalized() {
		switch bill.Status {
		case types.StatusApproved:
			e.publish(ctx, events.BillApproved, bill, nil)
		case types.StatusRejected:
			e.publish(ctx, events.BillRejected, bill, map[string]interface{}{
				"stage":    stageIndex,
				"comments": comments,
			})
		}
	}
	return &bill, nil
}

// UpdateBill merges caller supplied fields into a bill. Workflow fields are
// not part of a patch.
func (e *Engine) UpdateBill(ctx context.Context, billID string, patch types.Patch) (*types.Bill, error) {
	unlock := e.locks.Lock(billID)
	defer unlock()

	bill, err := e.store.Update(ctx, billID, func(b *types.Bill) error {
		if err := patch.Apply(b); err != nil {
			return err
		}
		b.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("bill_id", bill.ID).Msg("bill updated")
	e.publish(ctx, events.BillUpdated, bill, nil)
	return &bill, nil
}

// DeleteBill removes a bill.
func (e *Engine) DeleteBill(ctx context.Context, billID string) error {
	unlock := e.locks.Lock(billID)
	defer unlock()

	bill, err := e.store.Get(ctx, billID)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, billID); err != nil {
		return err
	}
	e.logger.Info().Str("bill_id", billID).Msg("bill deleted")
	bill.UpdatedAt = e.now()
	e.publish(ctx, events.BillDeleted, bill, nil)
	return nil
}

// GetBill retrieves a bill by ID.
func (e *Engine) GetBill(ctx context.Context, billID string) (*types.Bill, error) {
	bill, err := e.store.Get(ctx, billID)
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

// FilterBills returns bills matching the filter in insertion order.
func (e *Engine) FilterBills(ctx context.Context, filter types.Filter) ([]types.Bill, error) {
	return e.store.Filter(ctx, filter)
}

// Query narrows FilterBills with a boolean expression over rules.BillEnv.
// An empty expression matches every bill.
func (e *Engine) Query(ctx context.Context, filter types.Filter, expression string) ([]types.Bill, error) {
	bills, err := e.store.Filter(ctx, filter)
	if err != nil || expression == "" {
		return bills, err
	}

	out := make([]types.Bill, 0, len(bills))
	for _, b := range bills {
		ok, err := e.evaluator.Evaluate(expression, rules.BillEnv(b, e.stages))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// CurrentStageLabel returns "Completed" for a bill approved at the last
// stage, "Rejected" for a rejected bill, otherwise the current stage name.
func (e *Engine) CurrentStageLabel(bill types.Bill) string {
	return e.stages.LabelFor(bill)
}

// Stop gracefully stops the engine's own event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if e.ownsBus {
			e.eventBus.Stop()
		}
		return nil
	}
}
