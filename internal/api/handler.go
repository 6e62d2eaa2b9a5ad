package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kranthikarthan/payment-saga/internal/orchestrator"
	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

type Handler struct {
	orch         Orchestrator
	deduper      Deduper
	maxBodyBytes int64
}

func NewHandler(orch Orchestrator, deduper Deduper) *Handler {
	return &Handler{
		orch:         orch,
		deduper:      deduper,
		maxBodyBytes: MaxBodyBytes,
	}
}

func NewRouter(orch Orchestrator, deduper Deduper) *gin.Engine {
	r := gin.New()
	h := NewHandler(orch, deduper)
	r.POST("/sagas", h.PostSagas)
	r.GET("/sagas/:id", h.GetSaga)
	r.GET("/sagas/:id/status", h.GetStatus)
	r.GET("/sagas/:id/steps", h.GetSteps)
	r.GET("/sagas/:id/events", h.GetEvents)
	r.POST("/sagas/:id/compensate", h.PostCompensate)
	return r
}

// PostSagas starts a saga and runs it to a terminal state before responding.
// The Idempotency-Key header is optional; when present, a repeated key
// returns the original saga instead of starting a second one.
func (h *Handler) PostSagas(c *gin.Context) {
	if c.Request.ContentLength > h.maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: ErrBodyTooLarge})
		return
	}

	var req StartSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON})
		return
	}
	if strings.TrimSpace(req.TemplateName) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingTemplate})
		return
	}
	tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingTenant})
		return
	}
	businessUnitID := strings.TrimSpace(c.GetHeader(HeaderBusinessUnitID))
	if businessUnitID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingBusinessUnit})
		return
	}

	ctx := c.Request.Context()
	idemKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	dedupeDegraded := false
	reservedID := ""
	if idemKey != "" {
		sagaID, found, err := h.deduper.GetSagaIDByIdempotencyKey(ctx, idemKey)
		switch {
		case errors.Is(err, store.ErrStoreUnavailable):
			// dedupe store down; keep taking payments and flag the response
			dedupeDegraded = true
		case err != nil:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
			return
		case found:
			h.replay(c, sagaID)
			return
		default:
			// reserve the key before the saga exists; a concurrent request
			// with the same key loses the unique insert and replays ours
			reservedID = uuid.NewString()
			err := h.deduper.BindIdempotencyKey(ctx, idemKey, reservedID)
			switch {
			case errors.Is(err, store.ErrAlreadyExists):
				sagaID, found, err := h.deduper.GetSagaIDByIdempotencyKey(ctx, idemKey)
				if err != nil || !found {
					c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
					return
				}
				h.replay(c, sagaID)
				return
			case errors.Is(err, store.ErrStoreUnavailable):
				dedupeDegraded = true
				reservedID = ""
			case err != nil:
				c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
				return
			}
		}
	}

	s, err := h.orch.StartSaga(ctx, orchestrator.StartRequest{
		TemplateName:   req.TemplateName,
		TenantID:       tenantID,
		BusinessUnitID: businessUnitID,
		CorrelationID:  req.CorrelationID,
		PaymentID:      req.PaymentID,
		Data:           req.Data,
		SagaID:         reservedID,
	})
	if err != nil {
		if s == nil {
			if reservedID != "" {
				if rerr := h.deduper.ReleaseIdempotencyKey(ctx, idemKey); rerr != nil {
					log.Printf("release idempotency key: %v", rerr)
				}
			}
			switch {
			case errors.Is(err, saga.ErrTemplateNotFound):
				c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrTemplateNotFound})
			default:
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrBadRequest})
			}
			return
		}
		// the saga exists and holds its own outcome; the execution error is
		// already recorded on it
		log.Printf("saga %s finished with error: %v", s.ID, err)
	}

	resp := SagaResponse{SagaID: s.ID, Status: string(s.Status)}
	httpStatus := http.StatusCreated
	if dedupeDegraded {
		resp.Warning = WarningDedupeDegraded
		httpStatus = http.StatusAccepted
	}
	c.JSON(httpStatus, resp)
}

// replay answers a repeated idempotency key with the saga the key is bound to.
func (h *Handler) replay(c *gin.Context, sagaID string) {
	status, err := h.orch.GetStatus(c.Request.Context(), sagaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
		return
	}
	c.JSON(http.StatusOK, SagaResponse{SagaID: sagaID, Status: string(status)})
}

func (h *Handler) GetSaga(c *gin.Context) {
	s, err := h.orch.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.orch.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, SagaResponse{SagaID: c.Param("id"), Status: string(status)})
}

func (h *Handler) GetSteps(c *gin.Context) {
	steps, err := h.orch.GetSteps(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, steps)
}

func (h *Handler) GetEvents(c *gin.Context) {
	events, err := h.orch.GetEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// PostCompensate rolls back a running saga. Repeating the call on a saga
// already rolling back (or rolled back) is accepted and does nothing.
func (h *Handler) PostCompensate(c *gin.Context) {
	var req CompensateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator requested compensation"
	}

	ctx := c.Request.Context()
	sagaID := c.Param("id")
	if err := h.orch.StartCompensation(ctx, sagaID, reason); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrSagaNotFound})
		case errors.Is(err, saga.ErrInvalidTransition):
			c.JSON(http.StatusConflict, ErrorResponse{Error: ErrStateConflict})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
		}
		return
	}

	status, err := h.orch.GetStatus(ctx, sagaID)
	if err != nil {
		h.renderLookupError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SagaResponse{SagaID: sagaID, Status: string(status)})
}

func (h *Handler) renderLookupError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrSagaNotFound})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
}
