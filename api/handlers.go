/*
handlers.go - HTTP handlers for the accrual and ledger engine

PURPOSE:
  Exposes the engine's trigger and reporting operations over REST.
  Handlers parse and validate input, check the permission gate, call
  the domain operation, and serialize the result.

ENDPOINTS:
  Runs:
    POST   /api/runs                     Submit a run (gated)
    GET    /api/runs                     List runs (filter: type, status)
    GET    /api/runs/{id}                Run detail

  Portfolio:
    POST   /api/portfolio/deltas         Apply a delta batch (gated)
    GET    /api/portfolio?loanId=        Portfolio cells for a loan

  Journal / statements:
    GET    /api/loans/{id}/statement     Reconstruct a statement
    POST   /api/entries/{id}/void        Void a journal entry (gated)

ERROR MAPPING:
  409 duplicate run or job, 400 validation (bad dates, reversal
  violations), 404 missing loan/run/entry, 503 queue backpressure,
  500 everything else. The mapping runs off the error taxonomy's
  classifier helpers, never off message text.

SEE ALSO:
  - dto.go: wire shapes
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/metrics"
	"github.com/warp/lending-engine/money"
	"github.com/warp/lending-engine/process"
)

// Handler holds every dependency the endpoints need.
type Handler struct {
	Store        ledger.TxStore
	Orchestrator *process.Orchestrator
	Writer       *ledger.Writer
	Statements   *ledger.StatementBuilder
	Auth         Authorizer
	Metrics      *metrics.Metrics

	log zerolog.Logger
}

func NewHandler(store ledger.TxStore, orch *process.Orchestrator, auth Authorizer, m *metrics.Metrics, log zerolog.Logger) *Handler {
	if auth == nil {
		auth = AllowAll{}
	}
	return &Handler{
		Store:        store,
		Orchestrator: orch,
		Writer:       ledger.NewWriter(store),
		Statements:   ledger.NewStatementBuilder(store),
		Auth:         auth,
		Metrics:      m,
		log:          log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// SubmitRun creates and enqueues a process run.
// POST /api/runs
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Allow(r.Context(), r, PermSubmitRun); err != nil {
		writeError(w, http.StatusForbidden, "Not allowed to submit runs", err)
		return
	}

	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if !validProcessType(req.ProcessType) {
		writeError(w, http.StatusBadRequest, "Unknown process_type", nil)
		return
	}
	processDate, err := time.Parse(money.DateLayout, req.ProcessDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid process_date (use YYYY-MM-DD)", err)
		return
	}
	var transactionDate time.Time
	if req.TransactionDate != "" {
		transactionDate, err = time.Parse(money.DateLayout, req.TransactionDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid transaction_date (use YYYY-MM-DD)", err)
			return
		}
	}

	trigger := ledger.TriggerAPI
	if req.Trigger == string(ledger.TriggerManual) {
		trigger = ledger.TriggerManual
	}

	run, err := h.Orchestrator.Submit(r.Context(), process.SubmitRequest{
		Type:               ledger.ProcessType(req.ProcessType),
		ScopeType:          ledger.ScopeType(req.ScopeType),
		ScopeID:            req.ScopeID,
		AccountingPeriodID: req.AccountingPeriodID,
		ProcessDate:        processDate,
		TransactionDate:    transactionDate,
		Trigger:            trigger,
		Actor:              process.Actor{ID: req.ActorID, Name: req.ActorName},
	})
	if err != nil {
		h.writeDomainError(w, "Failed to submit run", err)
		return
	}

	writeJSON(w, http.StatusCreated, toRunDTO(*run))
}

// ListRuns returns the run audit trail, newest first.
// GET /api/runs?type=&status=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	var filter ledger.RunFilter
	if v := r.URL.Query().Get("type"); v != "" {
		typ := ledger.ProcessType(v)
		filter.Type = &typ
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := ledger.RunStatus(v)
		filter.Status = &status
	}

	runs, err := h.Store.Runs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns one run.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to load run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// =============================================================================
// PORTFOLIO HANDLERS
// =============================================================================

// ApplyDeltas applies a batch of portfolio movements atomically.
// POST /api/portfolio/deltas
func (h *Handler) ApplyDeltas(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Allow(r.Context(), r, PermApplyDeltas); err != nil {
		writeError(w, http.StatusForbidden, "Not allowed to apply deltas", err)
		return
	}

	var req ApplyDeltasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Deltas) == 0 {
		writeError(w, http.StatusBadRequest, "Delta batch is empty", nil)
		return
	}

	movementDate, err := time.Parse(money.DateLayout, req.MovementDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid movement_date (use YYYY-MM-DD)", err)
		return
	}

	deltas := make([]ledger.PortfolioDelta, 0, len(req.Deltas))
	for _, d := range req.Deltas {
		delta := ledger.PortfolioDelta{
			Key: ledger.PortfolioKey{
				GLAccountID:       d.GLAccountID,
				ThirdPartyID:      d.ThirdPartyID,
				LoanID:            d.LoanID,
				InstallmentNumber: d.InstallmentNumber,
			},
		}
		if delta.ChargeDelta, err = parseAmount(d.ChargeDelta); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid charge_delta", err)
			return
		}
		if delta.PaymentDelta, err = parseAmount(d.PaymentDelta); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payment_delta", err)
			return
		}
		if d.DueDate != "" {
			if delta.DueDate, err = time.Parse(money.DateLayout, d.DueDate); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid due_date (use YYYY-MM-DD)", err)
				return
			}
		}
		deltas = append(deltas, delta)
	}

	if err := h.Writer.ApplyDeltas(r.Context(), movementDate, deltas); err != nil {
		h.writeDomainError(w, "Failed to apply deltas", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.DeltasApplied.Add(float64(len(deltas)))
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPortfolio returns the balance cells for one loan.
// GET /api/portfolio?loanId=
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	loanID := r.URL.Query().Get("loanId")
	if loanID == "" {
		writeError(w, http.StatusBadRequest, "Missing loanId query parameter", nil)
		return
	}
	if _, err := h.Store.Loan(r.Context(), loanID); err != nil {
		h.writeDomainError(w, "Failed to load loan", err)
		return
	}

	cells, err := h.Store.PortfolioByLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load portfolio", err)
		return
	}

	dtos := make([]PortfolioEntryDTO, len(cells))
	for i, cell := range cells {
		dtos[i] = toPortfolioDTO(cell)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// STATEMENT / JOURNAL HANDLERS
// =============================================================================

// GetStatement reconstructs a loan's statement for a date window.
// GET /api/loans/{id}/statement?from=&to=
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	loanID := chi.URLParam(r, "id")

	var from, to *time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(money.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", err)
			return
		}
		from = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(money.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", err)
			return
		}
		to = &t
	}

	statement, err := h.Statements.Build(r.Context(), loanID, from, to)
	if err != nil {
		h.writeDomainError(w, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(statement))
}

// VoidEntry flips a journal entry to VOIDED.
// POST /api/entries/{id}/void
func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Allow(r.Context(), r, PermVoidEntry); err != nil {
		writeError(w, http.StatusForbidden, "Not allowed to void entries", err)
		return
	}

	if err := h.Store.VoidEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, "Failed to void entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func validProcessType(s string) bool {
	for _, typ := range ledger.ProcessTypes() {
		if string(typ) == s {
			return true
		}
	}
	return false
}

// parseAmount accepts both human decimal conventions ("1.234,56") and
// canonical signed strings. Reversals arrive with a minus sign, which
// the flexible parser rejects, so those fall through to strict parsing.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	if d, ok := money.ParseFlexible(s); ok {
		return d, nil
	}
	return decimal.NewFromString(s)
}

// writeDomainError maps taxonomy classes to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrQueueFull) || errors.Is(err, ledger.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
