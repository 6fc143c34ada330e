// Package httpserver exposes the REST control surface for runs and orders,
// the SSE event feed, and the health probe.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/app/orders"
	"github.com/5TFG4/Weaver-sub002/internal/app/runs"
	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/runstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthCheckTimeout = 2 * time.Second

	apiPrefix = "/api/v1"

	runsPath        = apiPrefix + "/runs"
	runDetailPrefix = runsPath + "/"

	ordersPath        = apiPrefix + "/orders"
	orderDetailPrefix = ordersPath + "/"

	eventsPath  = apiPrefix + "/events"
	healthzPath = apiPrefix + "/healthz"

	correlationHeader = "X-Correlation-ID"
)

const scope = "api"

type handlerFunc func(http.ResponseWriter, *http.Request)

// Pinger reports repository reachability. The PostgreSQL store satisfies it;
// in-memory deployments pass nil.
type Pinger interface {
	Ping(ctx context.Context) error
}

type httpServer struct {
	logger   *zap.Logger
	runs     *runs.Manager
	orders   *orders.Manager
	stream   http.Handler
	journal  eventlog.Log
	adapters *exchange.Registry
	repo     Pinger
}

// NewHandler assembles the /api/v1 route table around the run and order
// managers. stream serves the SSE feed and may be nil to disable it; repo
// may be nil when no external repository is configured.
func NewHandler(logger *zap.Logger, runMgr *runs.Manager, orderMgr *orders.Manager, stream http.Handler, journal eventlog.Log, adapters *exchange.Registry, repo Pinger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &httpServer{
		logger:   logger.Named("http"),
		runs:     runMgr,
		orders:   orderMgr,
		stream:   stream,
		journal:  journal,
		adapters: adapters,
		repo:     repo,
	}
	mux := http.NewServeMux()

	mux.Handle(runsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listRuns,
		http.MethodPost: server.createRun,
	}))
	mux.Handle(runDetailPrefix, http.HandlerFunc(server.handleRun))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))

	if stream != nil {
		mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: stream.ServeHTTP,
		}))
	}

	mux.Handle(healthzPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.healthz,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, r, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type createRunPayload struct {
	Mode       string     `json:"mode"`
	StrategyID string     `json:"strategy_id"`
	Symbols    []string   `json:"symbols"`
	Timeframe  string     `json:"timeframe"`
	StartTime  *time.Time `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
}

func (s *httpServer) createRun(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload createRunPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	run, err := s.runs.Create(r.Context(), runstore.Run{
		Mode:       schema.RunMode(strings.TrimSpace(payload.Mode)),
		StrategyID: strings.TrimSpace(payload.StrategyID),
		Symbols:    payload.Symbols,
		Timeframe:  schema.Timeframe(strings.TrimSpace(payload.Timeframe)),
		StartTime:  payload.StartTime,
		EndTime:    payload.EndTime,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *httpServer) listRuns(w http.ResponseWriter, r *http.Request) {
	query, err := runQuery(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	items, err := s.runs.List(r.Context(), query)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if items == nil {
		items = []runstore.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": items})
}

func (s *httpServer) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, runDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" {
		s.writeErr(w, r, errs.NotFound(scope, "run id required"))
		return
	}
	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.getRun(w, r, id)
		return
	}
	switch action {
	case "start":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.startRun(w, r, id)
	case "stop":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.stopRun(w, r, id)
	default:
		s.writeErr(w, r, errs.NotFound(scope, "unknown run action", errs.WithDetail("action", action)))
	}
}

func (s *httpServer) getRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *httpServer) startRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := s.runs.Start(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *httpServer) stopRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := s.runs.Stop(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	query, err := orderQuery(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	items, err := s.orders.List(r.Context(), query)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if items == nil {
		items = []orderstore.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": items})
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" {
		s.writeErr(w, r, errs.NotFound(scope, "order id required"))
		return
	}
	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.getOrder(w, r, id)
		return
	}
	switch action {
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.cancelOrder(w, r, id)
	case "fills":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.orderFills(w, r, id)
	default:
		s.writeErr(w, r, errs.NotFound(scope, "unknown order action", errs.WithDetail("action", action)))
	}
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	order, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request, id string) {
	order, err := s.orders.Cancel(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) orderFills(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.orders.Get(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	fills, err := s.orders.Fills(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if fills == nil {
		fills = []orderstore.Fill{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": fills})
}

func (s *httpServer) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if err := s.journal.Healthy(ctx); err != nil {
		s.logger.Warn("event log health check failed", zap.Error(err))
		checks["event_log"] = "unreachable"
		healthy = false
	} else {
		checks["event_log"] = "ok"
	}
	if s.repo != nil {
		if err := s.repo.Ping(ctx); err != nil {
			s.logger.Warn("repository health check failed", zap.Error(err))
			checks["repository"] = "unreachable"
			healthy = false
		} else {
			checks["repository"] = "ok"
		}
	}
	if s.adapters.Connected() {
		checks["adapters"] = "ok"
	} else {
		checks["adapters"] = "disconnected"
		healthy = false
	}

	body := map[string]any{
		"status":      "ok",
		"checks":      checks,
		"active_runs": s.runs.Active(),
	}
	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func runQuery(r *http.Request) (runstore.Query, error) {
	var query runstore.Query
	params := r.URL.Query()
	if raw := strings.TrimSpace(params.Get("mode")); raw != "" {
		mode := schema.RunMode(raw)
		if !mode.Valid() {
			return runstore.Query{}, errs.Invalid(scope, "unknown mode filter", errs.WithDetail("mode", raw))
		}
		query.Mode = mode
	}
	if raw := strings.TrimSpace(params.Get("status")); raw != "" {
		status := schema.RunStatus(raw)
		if !status.Valid() {
			return runstore.Query{}, errs.Invalid(scope, "unknown status filter", errs.WithDetail("status", raw))
		}
		query.Status = status
	}
	limit, err := limitParam(params.Get("limit"))
	if err != nil {
		return runstore.Query{}, err
	}
	query.Limit = limit
	return query, nil
}

func orderQuery(r *http.Request) (orderstore.Query, error) {
	var query orderstore.Query
	params := r.URL.Query()
	query.RunID = strings.TrimSpace(params.Get("run_id"))
	query.Symbol = strings.TrimSpace(params.Get("symbol"))
	for _, raw := range params["status"] {
		status := schema.OrderStatus(strings.TrimSpace(raw))
		if !status.Valid() {
			return orderstore.Query{}, errs.Invalid(scope, "unknown status filter", errs.WithDetail("status", raw))
		}
		query.Statuses = append(query.Statuses, status)
	}
	limit, err := limitParam(params.Get("limit"))
	if err != nil {
		return orderstore.Query{}, err
	}
	query.Limit = limit
	return query, nil
}

func limitParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errs.Invalid(scope, "limit must be a non-negative integer", errs.WithDetail("limit", raw))
	}
	return limit, nil
}

type errorBody struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

// writeErr translates a taxonomy error into the boundary shape. Internal
// failures answer with a generic message; the cause goes to the log only.
func (s *httpServer) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var e *errs.E
	if !errors.As(err, &e) {
		s.logger.Error("unclassified error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, string(errs.CodeInternal), "internal error", nil)
		return
	}
	status := statusFor(e.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", string(e.Code)),
			zap.Error(err))
	}
	message := e.Message
	switch {
	case e.Code == errs.CodeInternal:
		message = "internal error"
	case message == "":
		message = strings.ToLower(http.StatusText(status))
	}
	writeError(w, r, status, string(e.Code), message, errorDetails(e))
}

// statusFor maps taxonomy codes onto transport statuses. Retryable
// conditions answer 503; venue rejections and internal failures answer 500.
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeTransient, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorDetails(e *errs.E) map[string]string {
	details := make(map[string]string, len(e.Details)+3)
	for key, value := range e.Details {
		details[key] = value
	}
	if e.RunID != "" {
		details["run_id"] = e.RunID
	}
	if e.OrderID != "" {
		details["order_id"] = e.OrderID
	}
	if e.RawCode != "" {
		details["venue_code"] = e.RawCode
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func (s *httpServer) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, string(errs.CodeInvalid), "request body too large", nil)
		return
	}
	writeError(w, r, http.StatusBadRequest, string(errs.CodeInvalid), "malformed request body",
		map[string]string{"decode": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, r, http.StatusMethodNotAllowed, string(errs.CodeInvalid), "method not allowed", nil)
}

func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]string) {
	id := correlationID(r)
	w.Header().Set(correlationHeader, id)
	writeJSON(w, status, errorBody{Code: code, Message: message, Details: details, CorrelationID: id})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-Correlation-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
