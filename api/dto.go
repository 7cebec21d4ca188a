/*
dto.go - Request and response shapes for the HTTP API

PURPOSE:
  JSON-facing structures, kept separate from domain types so the wire
  format can evolve without touching the core. Monetary values render
  as "0.00"-formatted strings and dates as "2006-01-02"; both come from
  the money package so the API and the store agree byte for byte.
*/
package api

import (
	"time"

	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/money"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// PROCESS RUNS
// =============================================================================

// SubmitRunRequest creates and enqueues a run.
type SubmitRunRequest struct {
	ProcessType        string `json:"process_type"`
	ScopeType          string `json:"scope_type,omitempty"`
	ScopeID            string `json:"scope_id,omitempty"`
	AccountingPeriodID string `json:"accounting_period_id,omitempty"`
	ProcessDate        string `json:"process_date"`
	TransactionDate    string `json:"transaction_date,omitempty"`
	// Trigger defaults to API; MANUAL marks a human-initiated backfill.
	Trigger   string `json:"trigger,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
}

type RunDTO struct {
	ID                 string  `json:"id"`
	ProcessType        string  `json:"process_type"`
	ScopeType          string  `json:"scope_type"`
	ScopeID            string  `json:"scope_id,omitempty"`
	AccountingPeriodID string  `json:"accounting_period_id,omitempty"`
	ProcessDate        string  `json:"process_date"`
	TransactionDate    string  `json:"transaction_date"`
	Trigger            string  `json:"trigger"`
	ExecutedByID       string  `json:"executed_by_id,omitempty"`
	ExecutedByName     string  `json:"executed_by_name,omitempty"`
	StartedAt          *string `json:"started_at,omitempty"`
	FinishedAt         *string `json:"finished_at,omitempty"`
	Status             string  `json:"status"`
	Note               string  `json:"note,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

func toRunDTO(run ledger.ProcessRun) RunDTO {
	return RunDTO{
		ID:                 run.ID,
		ProcessType:        string(run.Type),
		ScopeType:          string(run.ScopeType),
		ScopeID:            run.ScopeID,
		AccountingPeriodID: run.AccountingPeriodID,
		ProcessDate:        money.FormatDate(run.ProcessDate),
		TransactionDate:    money.FormatDate(run.TransactionDate),
		Trigger:            string(run.Trigger),
		ExecutedByID:       run.ExecutedByID,
		ExecutedByName:     run.ExecutedByName,
		StartedAt:          rfc3339Ptr(run.StartedAt),
		FinishedAt:         rfc3339Ptr(run.FinishedAt),
		Status:             string(run.Status),
		Note:               run.Note,
		CreatedAt:          run.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// =============================================================================
// PORTFOLIO
// =============================================================================

// DeltaRequest is one movement inside an ApplyDeltasRequest batch.
type DeltaRequest struct {
	GLAccountID       string `json:"gl_account_id"`
	ThirdPartyID      string `json:"third_party_id"`
	LoanID            string `json:"loan_id"`
	InstallmentNumber int    `json:"installment_number"`
	ChargeDelta       string `json:"charge_delta,omitempty"`
	PaymentDelta      string `json:"payment_delta,omitempty"`
	DueDate           string `json:"due_date,omitempty"`
}

// ApplyDeltasRequest applies a batch of portfolio movements
// atomically.
type ApplyDeltasRequest struct {
	MovementDate string         `json:"movement_date"`
	Deltas       []DeltaRequest `json:"deltas"`
}

type PortfolioEntryDTO struct {
	GLAccountID       string `json:"gl_account_id"`
	ThirdPartyID      string `json:"third_party_id"`
	LoanID            string `json:"loan_id"`
	InstallmentNumber int    `json:"installment_number"`
	ChargeAmount      string `json:"charge_amount"`
	PaymentAmount     string `json:"payment_amount"`
	Balance           string `json:"balance"`
	DueDate           string `json:"due_date,omitempty"`
	LastMovementDate  string `json:"last_movement_date,omitempty"`
	Status            string `json:"status"`
}

func toPortfolioDTO(e ledger.PortfolioEntry) PortfolioEntryDTO {
	dto := PortfolioEntryDTO{
		GLAccountID:       e.Key.GLAccountID,
		ThirdPartyID:      e.Key.ThirdPartyID,
		LoanID:            e.Key.LoanID,
		InstallmentNumber: e.Key.InstallmentNumber,
		ChargeAmount:      money.Format(e.ChargeAmount),
		PaymentAmount:     money.Format(e.PaymentAmount),
		Balance:           money.Format(e.Balance),
		Status:            string(e.Status),
	}
	if !e.DueDate.IsZero() {
		dto.DueDate = money.FormatDate(e.DueDate)
	}
	if !e.LastMovementDate.IsZero() {
		dto.LastMovementDate = money.FormatDate(e.LastMovementDate)
	}
	return dto
}

// =============================================================================
// STATEMENTS
// =============================================================================

type StatementRowDTO struct {
	EntryID           string      `json:"entry_id"`
	EntryDate         string      `json:"entry_date"`
	DocumentCode      string      `json:"document_code"`
	Sequence          int         `json:"sequence"`
	SourceType        string      `json:"source_type"`
	SourceLabel       string      `json:"source_label"`
	GLAccountID       string      `json:"gl_account_id"`
	Nature            string      `json:"nature"`
	Amount            string      `json:"amount"`
	Description       string      `json:"description,omitempty"`
	InstallmentNumber int         `json:"installment_number,omitempty"`
	Status            string      `json:"status"`
	ReceivableDelta   string      `json:"receivable_delta"`
	RunningBalance    string      `json:"running_balance"`
	Payment           *PaymentDTO `json:"payment,omitempty"`
}

type PaymentDTO struct {
	ID            string `json:"id"`
	ReceiptNumber string `json:"receipt_number,omitempty"`
	Amount        string `json:"amount"`
	PaidAt        string `json:"paid_at"`
}

type StatementDTO struct {
	LoanID         string            `json:"loan_id"`
	From           string            `json:"from,omitempty"`
	To             string            `json:"to,omitempty"`
	OpeningBalance string            `json:"opening_balance"`
	ClosingBalance string            `json:"closing_balance"`
	Rows           []StatementRowDTO `json:"rows"`
}

func toStatementDTO(s *ledger.Statement) StatementDTO {
	dto := StatementDTO{
		LoanID:         s.LoanID,
		OpeningBalance: money.Format(s.OpeningBalance),
		ClosingBalance: money.Format(s.ClosingBalance),
		Rows:           make([]StatementRowDTO, 0, len(s.Rows)),
	}
	if s.From != nil {
		dto.From = money.FormatDate(*s.From)
	}
	if s.To != nil {
		dto.To = money.FormatDate(*s.To)
	}
	for _, row := range s.Rows {
		r := StatementRowDTO{
			EntryID:           row.Entry.ID,
			EntryDate:         money.FormatDate(row.Entry.EntryDate),
			DocumentCode:      row.Entry.DocumentCode,
			Sequence:          row.Entry.Sequence,
			SourceType:        string(row.Entry.SourceType),
			SourceLabel:       row.SourceLabel,
			GLAccountID:       row.Entry.GLAccountID,
			Nature:            string(row.Entry.Nature),
			Amount:            money.Format(row.Entry.Amount),
			Description:       row.Entry.Description,
			InstallmentNumber: row.Entry.InstallmentNumber,
			Status:            string(row.Entry.Status),
			ReceivableDelta:   money.Format(row.ReceivableDelta),
			RunningBalance:    money.Format(row.RunningBalance),
		}
		if row.RelatedPayment != nil {
			r.Payment = &PaymentDTO{
				ID:            row.RelatedPayment.ID,
				ReceiptNumber: row.RelatedPayment.ReceiptNumber,
				Amount:        money.Format(row.RelatedPayment.Amount),
				PaidAt:        row.RelatedPayment.PaidAt.UTC().Format(time.RFC3339),
			}
		}
		dto.Rows = append(dto.Rows, r)
	}
	return dto
}
