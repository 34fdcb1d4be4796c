package operator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"conductor/internal/dlq"
	"conductor/internal/events"
	"conductor/internal/logger"
	"conductor/internal/replay"
	"conductor/internal/saga"
	"conductor/internal/tracer"
	"conductor/pkg/errors"
)

type DLQService interface {
	List(ctx context.Context, f dlq.ListFilter) ([]dlq.Entry, error)
	Get(ctx context.Context, id string) (*dlq.Entry, error)
	Retry(ctx context.Context, id string) (dlq.RetryOutcome, error)
	Resolve(ctx context.Context, id, note string) (*dlq.Entry, error)
	Stats(ctx context.Context) (dlq.Stats, error)
}

type SagaService interface {
	Create(ctx context.Context, req saga.CreateRequest) (string, error)
	Execute(ctx context.Context, id string) (saga.Status, error)
	Start(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*saga.Instance, error)
	List(ctx context.Context, f saga.ListFilter) ([]saga.Instance, error)
	Cancel(ctx context.Context, id string) (*saga.Instance, error)
	Stats(ctx context.Context) (saga.Stats, error)
}

type ReplayService interface {
	Replay(ctx context.Context, f replay.Filter) ([]events.Envelope, error)
	Clear(ctx context.Context, req replay.ClearRequest) (int64, error)
	Stats(ctx context.Context) (replay.Stats, error)
}

type TraceService interface {
	GetTrace(traceID string) ([]tracer.Span, error)
	GetTraceSummary(traceID string) (tracer.TraceSummary, error)
	GetServiceStats(service string) tracer.ServiceStats
	Stats() tracer.Stats
}

type Handler struct {
	DLQ    DLQService
	Sagas  SagaService
	Replay ReplayService
	Tracer TraceService
	Logger logger.Logger
}

func NewHandler(q DLQService, sagas SagaService, store ReplayService, t TraceService, log logger.Logger) *Handler {
	return &Handler{
		DLQ:    q,
		Sagas:  sagas,
		Replay: store,
		Tracer: t,
		Logger: log,
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	d := router.Group("/dlq")
	{
		d.GET("/stats", h.DLQStats)
		d.POST("/retry", h.DLQRetry)
		d.GET("/entries", h.ListDLQEntries)
		d.GET("/entries/:id", h.GetDLQEntry)
		d.POST("/entries/:id/resolve", h.ResolveDLQEntry)
	}

	s := router.Group("/saga")
	{
		s.GET("", h.ListSagas)
		s.POST("", h.CreateSaga)
		s.GET("/stats", h.SagaStats)
		s.GET("/:saga_id", h.GetSaga)
		s.POST("/:saga_id/cancel", h.CancelSaga)
	}

	e := router.Group("/events")
	{
		e.GET("/history", h.EventHistory)
		e.POST("/replay", h.ReplayEvents)
		e.POST("/clear", h.ClearEvents)
		e.GET("/stats", h.EventStats)
	}

	t := router.Group("/tracing")
	{
		t.GET("/stats", h.TracingStats)
		t.GET("/trace/:trace_id", h.GetTrace)
		t.GET("/trace/:trace_id/summary", h.GetTraceSummary)
		t.GET("/service/:service_name", h.GetServiceStats)
	}
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &t, nil
}

// queryList accepts both repeated parameters and comma separated values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// DLQStats godoc
// @Summary      Dead letter statistics
// @Description  Aggregate dead letter counts by status and retry policy
// @Tags         dlq
// @Produce      json
// @Success      200  {object}  dlq.Stats
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /dlq/stats [get]
func (h *Handler) DLQStats(c *gin.Context) {
	stats, err := h.DLQ.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type RetryRequest struct {
	EntryID string `json:"entry_id" binding:"required"`
}

// DLQRetry godoc
// @Summary      Force-redrive a dead letter
// @Description  Redeliver a pending or exhausted entry immediately
// @Tags         dlq
// @Accept       json
// @Produce      json
// @Param        request  body      RetryRequest  true  "Entry to redrive"
// @Success      200      {object}  dlq.RetryOutcome
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Router       /dlq/retry [post]
func (h *Handler) DLQRetry(c *gin.Context) {
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	outcome, err := h.DLQ.Retry(c.Request.Context(), req.EntryID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// ListDLQEntries godoc
// @Summary      List dead letters
// @Tags         dlq
// @Produce      json
// @Param        status      query     string  false  "pending, retrying, exhausted or resolved"
// @Param        event_type  query     string  false  "Event type"
// @Param        limit       query     int     false  "Maximum entries"
// @Success      200         {array}   dlq.Entry
// @Failure      400         {object}  errors.ErrorResponse
// @Router       /dlq/entries [get]
func (h *Handler) ListDLQEntries(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	entries, err := h.DLQ.List(c.Request.Context(), dlq.ListFilter{
		Status:    dlq.Status(c.Query("status")),
		EventType: c.Query("event_type"),
		Limit:     limit,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

// GetDLQEntry godoc
// @Summary      Get a dead letter
// @Tags         dlq
// @Produce      json
// @Param        id   path      string  true  "Entry ID"
// @Success      200  {object}  dlq.Entry
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /dlq/entries/{id} [get]
func (h *Handler) GetDLQEntry(c *gin.Context) {
	entry, err := h.DLQ.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type ResolveRequest struct {
	Note string `json:"note"`
}

// ResolveDLQEntry godoc
// @Summary      Resolve a dead letter
// @Description  Mark an entry as handled by an operator. Resolved entries are never redelivered.
// @Tags         dlq
// @Accept       json
// @Produce      json
// @Param        id       path      string          true   "Entry ID"
// @Param        request  body      ResolveRequest  false  "Resolution note"
// @Success      200      {object}  dlq.Entry
// @Failure      404      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Router       /dlq/entries/{id}/resolve [post]
func (h *Handler) ResolveDLQEntry(c *gin.Context) {
	var req ResolveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	entry, err := h.DLQ.Resolve(c.Request.Context(), c.Param("id"), req.Note)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// SagaStats godoc
// @Summary      Saga statistics
// @Description  Aggregate saga counts by status
// @Tags         saga
// @Produce      json
// @Success      200  {object}  saga.Stats
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /saga/stats [get]
func (h *Handler) SagaStats(c *gin.Context) {
	stats, err := h.Sagas.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetSaga godoc
// @Summary      Get a saga
// @Description  Full step-by-step saga record
// @Tags         saga
// @Produce      json
// @Param        saga_id  path      string  true  "Saga ID"
// @Success      200      {object}  saga.Instance
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /saga/{saga_id} [get]
func (h *Handler) GetSaga(c *gin.Context) {
	inst, err := h.Sagas.Get(c.Request.Context(), c.Param("saga_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ListSagas godoc
// @Summary      List sagas
// @Tags         saga
// @Produce      json
// @Param        status          query     string  false  "Saga status"
// @Param        correlation_id  query     string  false  "Correlation ID"
// @Param        limit           query     int     false  "Maximum sagas"
// @Success      200             {array}   saga.Instance
// @Failure      400             {object}  errors.ErrorResponse
// @Router       /saga [get]
func (h *Handler) ListSagas(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	list, err := h.Sagas.List(c.Request.Context(), saga.ListFilter{
		Status:        saga.Status(c.Query("status")),
		CorrelationID: c.Query("correlation_id"),
		Limit:         limit,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if list == nil {
		list = []saga.Instance{}
	}
	c.JSON(http.StatusOK, list)
}

type CreateSagaResponse struct {
	SagaID string      `json:"saga_id"`
	Status saga.Status `json:"status"`
}

// CreateSaga godoc
// @Summary      Create and start a saga
// @Description  Starts the saga in the background and returns 202. With wait=true the call blocks until the saga is terminal.
// @Tags         saga
// @Accept       json
// @Produce      json
// @Param        wait     query     bool               false  "Execute synchronously"
// @Param        request  body      saga.CreateRequest true   "Saga definition"
// @Success      200      {object}  CreateSagaResponse
// @Success      202      {object}  CreateSagaResponse
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      422      {object}  errors.ErrorResponse
// @Failure      503      {object}  errors.ErrorResponse
// @Router       /saga [post]
func (h *Handler) CreateSaga(c *gin.Context) {
	var req saga.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	id, err := h.Sagas.Create(ctx, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		status, err := h.Sagas.Execute(ctx, id)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, CreateSagaResponse{SagaID: id, Status: status})
		return
	}

	if err := h.Sagas.Start(ctx, id); err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, CreateSagaResponse{SagaID: id, Status: saga.StatusRunning})
}

// CancelSaga godoc
// @Summary      Cancel a saga
// @Description  Records a cancel request. It is honored before the next step starts and triggers compensation.
// @Tags         saga
// @Produce      json
// @Param        saga_id  path      string  true  "Saga ID"
// @Success      202      {object}  saga.Instance
// @Failure      404      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Router       /saga/{saga_id}/cancel [post]
func (h *Handler) CancelSaga(c *gin.Context) {
	inst, err := h.Sagas.Cancel(c.Request.Context(), c.Param("saga_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inst)
}

// EventHistory godoc
// @Summary      Query event history
// @Description  Filtered replay query by type, correlation, source and time range
// @Tags         events
// @Produce      json
// @Param        event_type      query     []string  false  "Event types"  collectionFormat(multi)
// @Param        correlation_id  query     string    false  "Correlation ID"
// @Param        source_id       query     string    false  "Source ID"
// @Param        from            query     string    false  "RFC3339 lower bound on produced_at"
// @Param        to              query     string    false  "RFC3339 upper bound on produced_at"
// @Param        expression      query     string    false  "CEL filter expression"
// @Param        limit           query     int       false  "Maximum events"
// @Success      200             {array}   events.Envelope
// @Failure      400             {object}  errors.ErrorResponse
// @Failure      503             {object}  errors.ErrorResponse
// @Router       /events/history [get]
func (h *Handler) EventHistory(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	from, err := queryTime(c, "from")
	if err != nil {
		h.badRequest(c, err)
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		h.badRequest(c, err)
		return
	}

	h.replay(c, replay.Filter{
		EventTypes:    queryList(c, "event_type"),
		CorrelationID: c.Query("correlation_id"),
		SourceID:      c.Query("source_id"),
		From:          from,
		To:            to,
		Expression:    c.Query("expression"),
		Limit:         limit,
	})
}

// ReplayEvents godoc
// @Summary      Replay events
// @Description  Read matching envelopes in replay order. Replay never re-triggers side effects.
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        filter  body      replay.Filter  true  "Replay filter"
// @Success      200     {array}   events.Envelope
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      503     {object}  errors.ErrorResponse
// @Router       /events/replay [post]
func (h *Handler) ReplayEvents(c *gin.Context) {
	var f replay.Filter
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&f); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	h.replay(c, f)
}

func (h *Handler) replay(c *gin.Context, f replay.Filter) {
	envs, err := h.Replay.Replay(c.Request.Context(), f)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if envs == nil {
		envs = []events.Envelope{}
	}
	c.JSON(http.StatusOK, envs)
}

type ClearResponse struct {
	Deleted int64 `json:"deleted"`
}

// ClearEvents godoc
// @Summary      Purge events
// @Description  Delete matching events. At least one bound is required.
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        request  body      replay.ClearRequest  true  "Purge bounds"
// @Success      200      {object}  ClearResponse
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      503      {object}  errors.ErrorResponse
// @Router       /events/clear [post]
func (h *Handler) ClearEvents(c *gin.Context) {
	var req replay.ClearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	n, err := h.Replay.Clear(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, ClearResponse{Deleted: n})
}

// EventStats godoc
// @Summary      Event history statistics
// @Tags         events
// @Produce      json
// @Success      200  {object}  replay.Stats
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /events/stats [get]
func (h *Handler) EventStats(c *gin.Context) {
	stats, err := h.Replay.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// TracingStats godoc
// @Summary      Tracing statistics
// @Description  Aggregate span and trace counts
// @Tags         tracing
// @Produce      json
// @Success      200  {object}  tracer.Stats
// @Router       /tracing/stats [get]
func (h *Handler) TracingStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Tracer.Stats())
}

// GetTrace godoc
// @Summary      Get a trace
// @Description  All spans of one trace ordered by start time
// @Tags         tracing
// @Produce      json
// @Param        trace_id  path      string  true  "Trace ID"
// @Success      200       {array}   tracer.Span
// @Failure      404       {object}  errors.ErrorResponse
// @Router       /tracing/trace/{trace_id} [get]
func (h *Handler) GetTrace(c *gin.Context) {
	spans, err := h.Tracer.GetTrace(c.Param("trace_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, spans)
}

// GetTraceSummary godoc
// @Summary      Summarize a trace
// @Tags         tracing
// @Produce      json
// @Param        trace_id  path      string  true  "Trace ID"
// @Success      200       {object}  tracer.TraceSummary
// @Failure      404       {object}  errors.ErrorResponse
// @Router       /tracing/trace/{trace_id}/summary [get]
func (h *Handler) GetTraceSummary(c *gin.Context) {
	summary, err := h.Tracer.GetTraceSummary(c.Param("trace_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetServiceStats godoc
// @Summary      Service span statistics
// @Description  Span counts and latency for one service. Unknown services report zero counts.
// @Tags         tracing
// @Produce      json
// @Param        service_name  path      string  true  "Service name"
// @Success      200           {object}  tracer.ServiceStats
// @Router       /tracing/service/{service_name} [get]
func (h *Handler) GetServiceStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Tracer.GetServiceStats(c.Param("service_name")))
}
