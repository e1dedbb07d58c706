// Package httpapi exposes the funding engine over REST plus a WebSocket
// event stream. Mutations require an authenticated caller; reads are open
// except for the treasury surface, which honors the configured admin token.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/pledgevault/internal/app"
	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/fees"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/reward"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/events"
	"github.com/R3E-Network/pledgevault/internal/app/metrics"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
	"github.com/R3E-Network/pledgevault/internal/middleware"
	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// Error codes surfaced in the response envelope, one per rejection kind the
// engine can produce.
const (
	codeBadRequest      = "bad_request"
	codeInvalidAmount   = "invalid_amount"
	codeAmountOverflow  = "amount_overflow"
	codeInsufficientFee = "insufficient_fee"
	codeDuplicate       = "duplicate_project"
	codeNotFound        = "project_not_found"
	codeNotActive       = "project_not_active"
	codeDeadlinePassed  = "deadline_passed"
	codeStillActive     = "project_still_active"
	codeUnauthorized    = "unauthorized"
	codeNoDeposit       = "no_donation_found"
	codeRateOutOfRange  = "rate_out_of_range"
	codeInternal        = "internal"
)

// Options configures the middleware stack around the REST API.
type Options struct {
	JWTSecret      string
	AdminToken     string
	RateLimitRPS   int
	RateLimitBurst int
	AllowedOrigins []string
	AuditLogPath   string
	Log            *logger.Logger
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
	log   *logger.Logger
}

// NewHandler returns the fully assembled HTTP surface: REST routes, event
// stream, health and metrics endpoints, wrapped in tracing, CORS, auth and
// rate limiting.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	if application == nil {
		return nil, fmt.Errorf("application is required")
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 25
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 50
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	sink, err := newFileAuditSink(opts.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", opts.AuditLogPath, err)
	}

	h := &handler{
		app:   application,
		audit: newAuditLog(0, sink),
		log:   log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Handle("/projects", h.mutation("create_project", h.handleCreateProject)).Methods(http.MethodPost)
	v1.HandleFunc("/projects", h.handleListProjects).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{id}", h.handleGetProject).Methods(http.MethodGet)
	v1.Handle("/projects/{id}/donations", h.mutation("donate", h.handleDonate)).Methods(http.MethodPost)
	v1.HandleFunc("/projects/{id}/donations/{donor}", h.handleGetDonation).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{id}/funders", h.handleGetFunders).Methods(http.MethodGet)
	v1.Handle("/projects/{id}/close", h.mutation("close_project", h.handleClose)).Methods(http.MethodPost)
	v1.Handle("/projects/{id}/refund", h.mutation("refund", h.handleRefund)).Methods(http.MethodPost)
	v1.Handle("/projects/{id}/deposit", middleware.RequireCaller(http.HandlerFunc(h.handleGetDeposit))).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/rewards/{identity}", h.handleRewards).Methods(http.MethodGet)
	v1.HandleFunc("/events/recent", h.handleRecentEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/stream", h.handleEventStream).Methods(http.MethodGet)

	treasury := v1.PathPrefix("/treasury").Subrouter()
	treasury.Use(middleware.NewAdminAuth(opts.AdminToken, log).Handler)
	treasury.HandleFunc("/accounts/{id}", h.handleTreasuryAccount).Methods(http.MethodGet)
	treasury.HandleFunc("/journal", h.handleTreasuryJournal).Methods(http.MethodGet)
	treasury.HandleFunc("/audit", h.handleAuditTrail).Methods(http.MethodGet)

	limiter := middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, log)
	limiter.StartCleanup(10 * time.Minute)
	auth := middleware.NewAuthMiddleware(opts.JWTSecret, log, []string{"/healthz", "/metrics"})

	var stack http.Handler = router
	stack = limiter.Handler(stack)
	stack = auth.Handler(stack)
	stack = middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(stack)
	stack = middleware.NewTracingMiddleware(log).Handler(stack)
	stack = metrics.InstrumentHandler(stack)
	return stack, nil
}

// mutation gates a state-changing endpoint behind an authenticated caller and
// records the call in the audit trail. The audit wrapper sits outside the
// caller check so rejected attempts are recorded as well.
func (h *handler) mutation(action string, fn http.HandlerFunc) http.Handler {
	return h.audited(action, middleware.RequireCaller(http.HandlerFunc(fn)))
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "pledgevault",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID         string            `json:"id"`
		Title      string            `json:"title"`
		Metadata   map[string]string `json:"metadata"`
		Goal       uint64            `json:"goal"`
		Deadline   time.Time         `json:"deadline"`
		FeePayment uint64            `json:"fee_payment"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}

	result, err := h.app.Funding.CreateProject(r.Context(), middleware.Caller(r.Context()), project.NewProject{
		ID:       payload.ID,
		Title:    payload.Title,
		Metadata: payload.Metadata,
		Goal:     payload.Goal,
		Deadline: payload.Deadline,
	}, payload.FeePayment)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.app.Funding.ListProjects(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if projects == nil {
		projects = []project.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Funding.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) handleDonate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount uint64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}

	receipt, err := h.app.Funding.Donate(r.Context(), middleware.Caller(r.Context()), mux.Vars(r)["id"], payload.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *handler) handleGetDonation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	amount, err := h.app.Funding.GetDonation(r.Context(), vars["id"], vars["donor"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ProjectID string `json:"project_id"`
		Donor     string `json:"donor"`
		Amount    uint64 `json:"amount"`
	}{vars["id"], vars["donor"], amount})
}

func (h *handler) handleGetFunders(w http.ResponseWriter, r *http.Request) {
	funders, err := h.app.Funding.GetFunders(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if funders == nil {
		funders = []string{}
	}
	writeJSON(w, http.StatusOK, funders)
}

func (h *handler) handleClose(w http.ResponseWriter, r *http.Request) {
	closed, err := h.app.Funding.Withdraw(r.Context(), middleware.Caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (h *handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	refunded, err := h.app.Funding.Refund(r.Context(), mux.Vars(r)["id"], middleware.Caller(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refunded)
}

func (h *handler) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	deposit, err := h.app.Funding.GetDeposit(r.Context(), mux.Vars(r)["id"], middleware.Caller(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deposit)
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Funding.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleRewards(w http.ResponseWriter, r *http.Request) {
	grants, err := h.app.Funding.Rewards(r.Context(), mux.Vars(r)["identity"], queryLimit(r, 100))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if grants == nil {
		grants = []reward.Grant{}
	}
	writeJSON(w, http.StatusOK, grants)
}

func (h *handler) handleTreasuryAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.app.Ledger.Balance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *handler) handleTreasuryJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := h.app.Ledger.Journal(r.Context(), storage.JournalQuery{
		Account:   r.URL.Query().Get("account"),
		ProjectID: r.URL.Query().Get("project"),
		Limit:     queryLimit(r, 100),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []treasury.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.audit.listLimit(queryLimit(r, 0)))
}

func (h *handler) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	var recent []events.Event
	if projectID := strings.TrimSpace(r.URL.Query().Get("project")); projectID != "" {
		recent = h.app.Events.RecentByProject(projectID, limit)
	} else {
		recent = h.app.Events.Recent(limit)
	}
	if recent == nil {
		recent = []events.Event{}
	}
	writeJSON(w, http.StatusOK, recent)
}

// queryLimit parses the limit query parameter, falling back to def when it is
// absent or unusable.
func queryLimit(r *http.Request, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": err.Error()},
	})
}

// writeServiceError maps engine rejections onto status codes and envelope
// codes. Anything outside the taxonomy is an internal fault.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err)
	case errors.Is(err, escrow.ErrNoDeposit):
		writeError(w, http.StatusNotFound, codeNoDeposit, err)
	case errors.Is(err, project.ErrDuplicate):
		writeError(w, http.StatusConflict, codeDuplicate, err)
	case errors.Is(err, project.ErrNotActive):
		writeError(w, http.StatusConflict, codeNotActive, err)
	case errors.Is(err, project.ErrDeadlinePassed):
		writeError(w, http.StatusConflict, codeDeadlinePassed, err)
	case errors.Is(err, project.ErrStillActive):
		writeError(w, http.StatusConflict, codeStillActive, err)
	case errors.Is(err, project.ErrUnauthorized):
		writeError(w, http.StatusForbidden, codeUnauthorized, err)
	case errors.Is(err, project.ErrInsufficientFee):
		writeError(w, http.StatusPaymentRequired, codeInsufficientFee, err)
	case errors.Is(err, fees.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, codeInvalidAmount, err)
	case errors.Is(err, fees.ErrAmountOverflow):
		writeError(w, http.StatusBadRequest, codeAmountOverflow, err)
	case errors.Is(err, fees.ErrRateOutOfRange):
		writeError(w, http.StatusInternalServerError, codeRateOutOfRange, err)
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err)
	}
}
