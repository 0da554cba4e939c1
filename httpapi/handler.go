// Package httpapi exposes the approval engine over HTTP with gin.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/songzhibin97/billflow/rules"
	"github.com/songzhibin97/billflow/storage"
	"github.com/songzhibin97/billflow/types"
	"github.com/songzhibin97/billflow/workflow"
)

type BillHandler struct {
	engine *workflow.Engine
	logger zerolog.Logger
}

type CreateBillRequest struct {
	Type        string             `json:"type" binding:"required"`
	Details     json.RawMessage    `json:"details"`
	Remarks     string             `json:"remarks"`
	Attachments []types.Attachment `json:"attachments"`
}

type PatchBillRequest struct {
	Remarks     *string             `json:"remarks"`
	Attachments *[]types.Attachment `json:"attachments"`
	Details     json.RawMessage     `json:"details"`
}

type DecisionRequest struct {
	Stage    *int   `json:"stage" binding:"required"`
	Approver string `json:"approver" binding:"required"`
	Decision string `json:"decision" binding:"required"`
	Comments string `json:"comments"`
}

// BillResponse is a bill with its display label.
type BillResponse struct {
	Bill       types.Bill `json:"bill"`
	StageLabel string     `json:"stage_label"`
}

func NewBillHandler(engine *workflow.Engine, logger zerolog.Logger) *BillHandler {
	return &BillHandler{engine: engine, logger: logger}
}

// NewRouter builds a gin engine with every route registered.
func NewRouter(engine *workflow.Engine, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(logger), gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        "billflow",
			"dropped_events": engine.DroppedEvents(),
		})
	})

	NewBillHandler(engine, logger).Register(router.Group("/api/v1"))
	return router
}

// Register mounts the bill routes on r.
func (h *BillHandler) Register(r gin.IRouter) {
	r.GET("/stages", h.ListStages)
	r.GET("/summary", h.Summary)
	r.POST("/bills", h.CreateBill)
	r.GET("/bills", h.ListBills)
	r.GET("/bills/:id", h.GetBill)
	r.PATCH("/bills/:id", h.PatchBill)
	r.DELETE("/bills/:id", h.DeleteBill)
	r.GET("/bills/:id/progress", h.Progress)
	r.POST("/bills/:id/decisions", h.RecordDecision)
}

// RequestLogger logs one line per request.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrBillNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateID),
		errors.Is(err, workflow.ErrBillAlreadyFinal):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidDecision),
		errors.Is(err, workflow.ErrInvalidStageIndex),
		errors.Is(err, workflow.ErrMissingDetails),
		errors.Is(err, types.ErrUnknownBillType),
		errors.Is(err, types.ErrUnknownStatus),
		errors.Is(err, types.ErrTypeMismatch),
		errors.Is(err, storage.ErrImmutableField),
		errors.Is(err, rules.ErrInvalidExpression):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *BillHandler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *BillHandler) respond(c *gin.Context, code int, bill types.Bill) {
	c.JSON(code, BillResponse{Bill: bill, StageLabel: h.engine.CurrentStageLabel(bill)})
}

// filterFromQuery reads the type and status query parameters.
func filterFromQuery(c *gin.Context) (types.Filter, error) {
	var f types.Filter
	if v := c.Query("type"); v != "" {
		t, err := types.ParseBillType(v)
		if err != nil {
			return f, err
		}
		f.Type = &t
	}
	if v := c.Query("status"); v != "" {
		s, err := types.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &s
	}
	return f, nil
}

func (h *BillHandler) ListStages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stages": h.engine.Stages()})
}

func (h *BillHandler) Summary(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	summary, err := h.engine.Summarize(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *BillHandler) CreateBill(c *gin.Context) {
	var req CreateBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	billType, err := types.ParseBillType(req.Type)
	if err != nil {
		h.fail(c, err)
		return
	}
	details, err := types.DecodeDetails(billType, req.Details)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bill, err := h.engine.CreateBill(c.Request.Context(), types.NewBill{
		Details:     details,
		Remarks:     req.Remarks,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusCreated, *bill)
}

func (h *BillHandler) ListBills(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	bills, err := h.engine.Query(c.Request.Context(), filter, c.Query("where"))
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]BillResponse, len(bills))
	for i, b := range bills {
		out[i] = BillResponse{Bill: b, StageLabel: h.engine.CurrentStageLabel(b)}
	}
	c.JSON(http.StatusOK, gin.H{"bills": out})
}

func (h *BillHandler) GetBill(c *gin.Context) {
	bill, err := h.engine.GetBill(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, *bill)
}

func (h *BillHandler) PatchBill(c *gin.Context) {
	var req PatchBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	patch := types.Patch{Remarks: req.Remarks, Attachments: req.Attachments}
	if len(req.Details) > 0 && string(req.Details) != "null" {
		// the type tag never changes, so the stored bill decides the variant
		current, err := h.engine.GetBill(ctx, id)
		if err != nil {
			h.fail(c, err)
			return
		}
		details, err := types.DecodeDetails(current.Type, req.Details)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		patch.Details = details
	}

	bill, err := h.engine.UpdateBill(ctx, id, patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, *bill)
}

func (h *BillHandler) DeleteBill(c *gin.Context) {
	if err := h.engine.DeleteBill(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "bill deleted"})
}

func (h *BillHandler) Progress(c *gin.Context) {
	bill, err := h.engine.GetBill(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stage_label": h.engine.CurrentStageLabel(*bill),
		"stages":      h.engine.Progress(*bill),
	})
}

func (h *BillHandler) RecordDecision(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision, err := types.ParseStatus(req.Decision)
	if err != nil {
		h.fail(c, err)
		return
	}

	bill, err := h.engine.RecordDecision(c.Request.Context(), c.Param("id"), *req.Stage, req.Approver, decision, req.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Debug().Str("bill_id", bill.ID).Str("decision", string(decision)).Msg("decision accepted")
	h.respond(c, http.StatusOK, *bill)
}
