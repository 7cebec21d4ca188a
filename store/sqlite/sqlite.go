/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.TxStore using SQLite. The same patterns apply to
  PostgreSQL in production - only minor SQL dialect differences.

KEY TABLES:
  accounting_entries: Immutable journal (void via status flip only)
  portfolio_entries:  Aggregated balance cells, one row per composite key
  process_runs:       Append-only run audit trail
  gl_accounts, loans, installments, loan_concepts, payments:
                      Read-side collaborator data

MONEY REPRESENTATION:
  Monetary columns are stored as integer cents. Every amount passes
  through money.Round before persistence, so cents are exact and the
  portfolio upsert can do integer arithmetic inside a single statement.

ATOMIC UPSERT:
  UpsertPortfolioDelta is one INSERT ... ON CONFLICT DO UPDATE: the
  increment, balance recomputation, and status flip happen inside the
  statement, so concurrent writers on the same key cannot lose updates.

UNIQUENESS:
  A partial unique index on (process_type, process_date) WHERE status is
  not FAILED enforces the one-non-failed-run-per-day invariant; the
  constraint violation surfaces as ledger.ErrDuplicateRun.

CONCURRENCY:
  The pool is capped at one connection, so transactions serialize and
  SQLITE_BUSY cannot occur. WAL mode keeps readers unblocked.

SEE ALSO:
  - ledger/store.go: interface contracts
  - store/memory/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/billing"
	"github.com/warp/lending-engine/ledger"
	"github.com/warp/lending-engine/money"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.TxStore over SQLite.
type Store struct {
	db *sql.DB
	q  dbtx
	tx *sql.Tx
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Accounting journal (immutable; status flip is the only update)
	CREATE TABLE IF NOT EXISTS accounting_entries (
		id TEXT PRIMARY KEY,
		entry_date TEXT NOT NULL,
		process_type TEXT NOT NULL DEFAULT '',
		document_code TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		loan_id TEXT NOT NULL,
		gl_account_id TEXT NOT NULL,
		nature TEXT NOT NULL,
		amount_cents INTEGER NOT NULL CHECK (amount_cents >= 0),
		description TEXT NOT NULL DEFAULT '',
		installment_number INTEGER NOT NULL DEFAULT 0,
		due_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ACTIVE'
	);

	-- Replay order is (entry_date, document_code, sequence, id)
	CREATE INDEX IF NOT EXISTS idx_entries_loan_replay
		ON accounting_entries(loan_id, entry_date, document_code, sequence, id);

	-- Portfolio balance cells
	CREATE TABLE IF NOT EXISTS portfolio_entries (
		gl_account_id TEXT NOT NULL,
		third_party_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		charge_cents INTEGER NOT NULL DEFAULT 0,
		payment_cents INTEGER NOT NULL DEFAULT 0,
		balance_cents INTEGER NOT NULL DEFAULT 0,
		due_date TEXT NOT NULL DEFAULT '',
		last_movement_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'OPEN',
		PRIMARY KEY (gl_account_id, third_party_id, loan_id, installment_number)
	);

	CREATE INDEX IF NOT EXISTS idx_portfolio_loan
		ON portfolio_entries(loan_id);

	-- Process runs (append-only audit trail)
	CREATE TABLE IF NOT EXISTS process_runs (
		id TEXT PRIMARY KEY,
		process_type TEXT NOT NULL,
		scope_type TEXT NOT NULL DEFAULT 'GENERAL',
		scope_id TEXT NOT NULL DEFAULT '',
		accounting_period_id TEXT NOT NULL DEFAULT '',
		process_date TEXT NOT NULL,
		transaction_date TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		executed_by_id TEXT NOT NULL DEFAULT '',
		executed_by_name TEXT NOT NULL DEFAULT '',
		started_at TEXT,
		finished_at TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one non-failed run per (type, process date)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_type_date_live
		ON process_runs(process_type, process_date)
		WHERE status != 'FAILED';

	CREATE INDEX IF NOT EXISTS idx_runs_status
		ON process_runs(status);

	-- GL accounts
	CREATE TABLE IF NOT EXISTS gl_accounts (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		detail_type TEXT NOT NULL DEFAULT 'NONE'
	);

	-- Loans (read-side collaborator data)
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		third_party_id TEXT NOT NULL,
		disbursed_cents INTEGER NOT NULL DEFAULT 0,
		principal_cents INTEGER NOT NULL DEFAULT 0,
		outstanding_cents INTEGER NOT NULL DEFAULT 0,
		installment_cents INTEGER NOT NULL DEFAULT 0,
		annual_rate TEXT NOT NULL DEFAULT '0',
		late_rate TEXT NOT NULL DEFAULT '0',
		current_installment INTEGER NOT NULL DEFAULT 0,
		next_due_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);

	CREATE TABLE IF NOT EXISTS installments (
		loan_id TEXT NOT NULL,
		third_party_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		outstanding_cents INTEGER NOT NULL DEFAULT 0,
		paid INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (loan_id, number)
	);

	CREATE INDEX IF NOT EXISTS idx_installments_due
		ON installments(paid, due_date);

	CREATE TABLE IF NOT EXISTS loan_concepts (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		method TEXT NOT NULL,
		base_kind TEXT NOT NULL DEFAULT '',
		rate TEXT NOT NULL DEFAULT '0',
		amount TEXT NOT NULL DEFAULT '0',
		min_amount TEXT,
		max_amount TEXT,
		rounding TEXT NOT NULL DEFAULT 'NEAREST',
		rounding_decimals INTEGER NOT NULL DEFAULT 2,
		charge_account_id TEXT NOT NULL DEFAULT '',
		income_account_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_concepts_loan
		ON loan_concepts(loan_id, category);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		receipt_number TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL DEFAULT 0,
		paid_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func toCents(d decimal.Decimal) int64 {
	return money.Round(d).Shift(2).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func dateOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return money.FormatDate(t)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(money.DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func scanNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// JOURNAL STORE
// =============================================================================

func (s *Store) AppendEntries(ctx context.Context, entries []ledger.AccountingEntry) error {
	// Outside an explicit transaction a multi-entry append still has to
	// be atomic.
	if s.tx == nil && len(entries) > 1 {
		return s.WithTx(ctx, func(tx ledger.Store) error {
			return tx.AppendEntries(ctx, entries)
		})
	}

	const query = `
		INSERT INTO accounting_entries
		(id, entry_date, process_type, document_code, sequence, source_type, source_id,
		 loan_id, gl_account_id, nature, amount_cents, description, installment_number,
		 due_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		status := e.Status
		if status == "" {
			status = ledger.EntryActive
		}
		_, err := s.q.ExecContext(ctx, query,
			e.ID,
			money.FormatDate(e.EntryDate),
			string(e.ProcessType),
			e.DocumentCode,
			e.Sequence,
			string(e.SourceType),
			e.SourceID,
			e.LoanID,
			e.GLAccountID,
			string(e.Nature),
			toCents(e.Amount),
			e.Description,
			e.InstallmentNumber,
			dateOrEmpty(e.DueDate),
			string(status),
		)
		if err != nil {
			return fmt.Errorf("failed to append entry %s: %w", e.ID, err)
		}
	}
	return nil
}

const entryColumns = `id, entry_date, process_type, document_code, sequence, source_type,
	source_id, loan_id, gl_account_id, nature, amount_cents, description,
	installment_number, due_date, status`

func (s *Store) EntriesBefore(ctx context.Context, loanID string, before time.Time) ([]ledger.AccountingEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM accounting_entries
		WHERE loan_id = ? AND entry_date < ?
		ORDER BY entry_date, document_code, sequence, id
	`
	return s.queryEntries(ctx, query, loanID, money.FormatDate(before))
}

func (s *Store) EntriesInRange(ctx context.Context, loanID string, from, to *time.Time) ([]ledger.AccountingEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM accounting_entries
		WHERE loan_id = ?
	`
	args := []any{loanID}
	if from != nil {
		query += ` AND entry_date >= ?`
		args = append(args, money.FormatDate(*from))
	}
	if to != nil {
		query += ` AND entry_date <= ?`
		args = append(args, money.FormatDate(*to))
	}
	query += ` ORDER BY entry_date, document_code, sequence, id`
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.AccountingEntry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AccountingEntry
	for rows.Next() {
		var (
			e          ledger.AccountingEntry
			entryDate  string
			dueDate    string
			amountCent int64
		)
		err := rows.Scan(
			&e.ID, &entryDate, &e.ProcessType, &e.DocumentCode, &e.Sequence,
			&e.SourceType, &e.SourceID, &e.LoanID, &e.GLAccountID, &e.Nature,
			&amountCent, &e.Description, &e.InstallmentNumber, &dueDate, &e.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.EntryDate = parseDate(entryDate)
		e.DueDate = parseDate(dueDate)
		e.Amount = fromCents(amountCent)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) VoidEntry(ctx context.Context, entryID string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE accounting_entries SET status = 'VOIDED'
		WHERE id = ? AND status = 'ACTIVE'
	`, entryID)
	if err != nil {
		return fmt.Errorf("failed to void entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

// =============================================================================
// PORTFOLIO STORE
// =============================================================================

func (s *Store) PortfolioEntry(ctx context.Context, key ledger.PortfolioKey) (*ledger.PortfolioEntry, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT charge_cents, payment_cents, balance_cents, due_date, last_movement_date, status
		FROM portfolio_entries
		WHERE gl_account_id = ? AND third_party_id = ? AND loan_id = ? AND installment_number = ?
	`, key.GLAccountID, key.ThirdPartyID, key.LoanID, key.InstallmentNumber)

	var (
		charge, payment, balance int64
		dueDate, movedAt         string
		status                   string
	)
	err := row.Scan(&charge, &payment, &balance, &dueDate, &movedAt, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio entry: %w", err)
	}
	return &ledger.PortfolioEntry{
		Key:              key,
		ChargeAmount:     fromCents(charge),
		PaymentAmount:    fromCents(payment),
		Balance:          fromCents(balance),
		DueDate:          parseDate(dueDate),
		LastMovementDate: parseDate(movedAt),
		Status:           ledger.PortfolioStatus(status),
	}, nil
}

func (s *Store) UpdatePortfolioEntry(ctx context.Context, entry ledger.PortfolioEntry) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE portfolio_entries
		SET charge_cents = ?, payment_cents = ?, balance_cents = ?,
		    due_date = ?, last_movement_date = ?, status = ?
		WHERE gl_account_id = ? AND third_party_id = ? AND loan_id = ? AND installment_number = ?
	`,
		toCents(entry.ChargeAmount), toCents(entry.PaymentAmount), toCents(entry.Balance),
		dateOrEmpty(entry.DueDate), dateOrEmpty(entry.LastMovementDate), string(entry.Status),
		entry.Key.GLAccountID, entry.Key.ThirdPartyID, entry.Key.LoanID, entry.Key.InstallmentNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to update portfolio entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ledger.MissingEntryError{Key: entry.Key}
	}
	return nil
}

// UpsertPortfolioDelta performs the whole increment inside one
// statement so concurrent callers on the same key serialize in the
// database, not in application code.
func (s *Store) UpsertPortfolioDelta(ctx context.Context, delta ledger.PortfolioDelta, movedAt time.Time) error {
	chargeCents := toCents(delta.ChargeDelta)
	paymentCents := toCents(delta.PaymentDelta)
	balanceCents := chargeCents - paymentCents

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO portfolio_entries
		(gl_account_id, third_party_id, loan_id, installment_number,
		 charge_cents, payment_cents, balance_cents, due_date, last_movement_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(gl_account_id, third_party_id, loan_id, installment_number) DO UPDATE SET
			charge_cents = charge_cents + excluded.charge_cents,
			payment_cents = payment_cents + excluded.payment_cents,
			balance_cents = (charge_cents + excluded.charge_cents) - (payment_cents + excluded.payment_cents),
			due_date = CASE WHEN due_date = '' THEN excluded.due_date ELSE due_date END,
			last_movement_date = excluded.last_movement_date,
			status = CASE
				WHEN (charge_cents + excluded.charge_cents) - (payment_cents + excluded.payment_cents) <= 1
				THEN 'CLOSED' ELSE 'OPEN'
			END
	`,
		delta.Key.GLAccountID, delta.Key.ThirdPartyID, delta.Key.LoanID, delta.Key.InstallmentNumber,
		chargeCents, paymentCents, balanceCents,
		dateOrEmpty(delta.DueDate), dateOrEmpty(movedAt),
		string(ledger.StatusForBalance(fromCents(balanceCents))),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio entry: %w", err)
	}
	return nil
}

func (s *Store) PortfolioByLoan(ctx context.Context, loanID string) ([]ledger.PortfolioEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT gl_account_id, third_party_id, loan_id, installment_number,
		       charge_cents, payment_cents, balance_cents, due_date, last_movement_date, status
		FROM portfolio_entries
		WHERE loan_id = ?
		ORDER BY gl_account_id, installment_number
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio: %w", err)
	}
	defer rows.Close()

	var result []ledger.PortfolioEntry
	for rows.Next() {
		var (
			e                        ledger.PortfolioEntry
			charge, payment, balance int64
			dueDate, movedAt         string
		)
		err := rows.Scan(
			&e.Key.GLAccountID, &e.Key.ThirdPartyID, &e.Key.LoanID, &e.Key.InstallmentNumber,
			&charge, &payment, &balance, &dueDate, &movedAt, &e.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio entry: %w", err)
		}
		e.ChargeAmount = fromCents(charge)
		e.PaymentAmount = fromCents(payment)
		e.Balance = fromCents(balance)
		e.DueDate = parseDate(dueDate)
		e.LastMovementDate = parseDate(movedAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// RUN STORE
// =============================================================================

func (s *Store) CreateRun(ctx context.Context, run ledger.ProcessRun) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO process_runs
		(id, process_type, scope_type, scope_id, accounting_period_id, process_date,
		 transaction_date, trigger_source, executed_by_id, executed_by_name,
		 started_at, finished_at, status, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, string(run.Type), string(run.ScopeType), run.ScopeID, run.AccountingPeriodID,
		money.FormatDate(run.ProcessDate), money.FormatDate(run.TransactionDate),
		string(run.Trigger), run.ExecutedByID, run.ExecutedByName,
		nullTime(run.StartedAt), nullTime(run.FinishedAt),
		string(run.Status), run.Note, run.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateRun
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `id, process_type, scope_type, scope_id, accounting_period_id,
	process_date, transaction_date, trigger_source, executed_by_id, executed_by_name,
	started_at, finished_at, status, note, created_at`

func (s *Store) Run(ctx context.Context, id string) (*ledger.ProcessRun, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM process_runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) Runs(ctx context.Context, filter ledger.RunFilter) ([]ledger.ProcessRun, error) {
	query := `SELECT ` + runColumns + ` FROM process_runs WHERE 1=1`
	var args []any
	if filter.Type != nil {
		query += ` AND process_type = ?`
		args = append(args, string(*filter.Type))
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var result []ledger.ProcessRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

func scanRun(scan func(...any) error) (*ledger.ProcessRun, error) {
	var (
		r                     ledger.ProcessRun
		processDate, txDate   string
		startedAt, finishedAt sql.NullString
		createdAt             string
	)
	err := scan(
		&r.ID, &r.Type, &r.ScopeType, &r.ScopeID, &r.AccountingPeriodID,
		&processDate, &txDate, &r.Trigger, &r.ExecutedByID, &r.ExecutedByName,
		&startedAt, &finishedAt, &r.Status, &r.Note, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	r.ProcessDate = parseDate(processDate)
	r.TransactionDate = parseDate(txDate)
	r.StartedAt = scanNullTime(startedAt)
	r.FinishedAt = scanNullTime(finishedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

func (s *Store) ClaimRun(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE process_runs SET status = 'RUNNING', started_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) FinishRun(ctx context.Context, id string, status ledger.RunStatus, at time.Time, note string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE process_runs SET status = ?, finished_at = ?, note = ?
		WHERE id = ?
	`, string(status), at.UTC().Format(time.RFC3339), note, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrRunNotFound
	}
	return nil
}

// =============================================================================
// READ-SIDE COLLABORATORS
// =============================================================================

const loanColumns = `id, third_party_id, disbursed_cents, principal_cents, outstanding_cents,
	installment_cents, annual_rate, late_rate, current_installment, next_due_date, status`

func (s *Store) ActiveLoans(ctx context.Context) ([]ledger.Loan, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+loanColumns+` FROM loans WHERE status = 'active' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var result []ledger.Loan
	for rows.Next() {
		l, err := scanLoan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (s *Store) Loan(ctx context.Context, id string) (*ledger.Loan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	return l, nil
}

func scanLoan(scan func(...any) error) (*ledger.Loan, error) {
	var (
		l                                              ledger.Loan
		disbursed, principal, outstanding, installment int64
		annualRate, lateRate, nextDue                  string
	)
	err := scan(
		&l.ID, &l.ThirdPartyID, &disbursed, &principal, &outstanding,
		&installment, &annualRate, &lateRate, &l.CurrentInstallment, &nextDue, &l.Status,
	)
	if err != nil {
		return nil, err
	}
	l.DisbursedAmount = fromCents(disbursed)
	l.Principal = fromCents(principal)
	l.OutstandingBalance = fromCents(outstanding)
	l.InstallmentAmount = fromCents(installment)
	l.AnnualRate = parseDecimal(annualRate)
	l.LateRate = parseDecimal(lateRate)
	l.NextDueDate = parseDate(nextDue)
	return &l, nil
}

func (s *Store) OverdueInstallments(ctx context.Context, asOf time.Time) ([]ledger.Installment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT loan_id, third_party_id, number, due_date, amount_cents, outstanding_cents, paid
		FROM installments
		WHERE paid = 0 AND due_date < ?
		ORDER BY loan_id, number
	`, money.FormatDate(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var result []ledger.Installment
	for rows.Next() {
		var (
			i                   ledger.Installment
			amount, outstanding int64
			dueDate             string
			paid                int
		)
		if err := rows.Scan(&i.LoanID, &i.ThirdPartyID, &i.Number, &dueDate, &amount, &outstanding, &paid); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		i.DueDate = parseDate(dueDate)
		i.Amount = fromCents(amount)
		i.Outstanding = fromCents(outstanding)
		i.Paid = paid != 0
		result = append(result, i)
	}
	return result, rows.Err()
}

func (s *Store) ConceptsFor(ctx context.Context, loanID string, category billing.Category) ([]billing.Concept, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, category, method, base_kind, rate, amount, min_amount, max_amount,
		       rounding, rounding_decimals, charge_account_id, income_account_id
		FROM loan_concepts
		WHERE loan_id = ? AND category = ?
		ORDER BY id
	`, loanID, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to query concepts: %w", err)
	}
	defer rows.Close()

	var result []billing.Concept
	for rows.Next() {
		var (
			c                    billing.Concept
			rate, amount         string
			minAmount, maxAmount sql.NullString
		)
		err := rows.Scan(
			&c.ID, &c.Name, &c.Category, &c.Method, &c.Base, &rate, &amount,
			&minAmount, &maxAmount, &c.Rounding, &c.RoundingDecimals,
			&c.ChargeAccountID, &c.IncomeAccountID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan concept: %w", err)
		}
		c.Rate = parseDecimal(rate)
		c.Amount = parseDecimal(amount)
		if minAmount.Valid {
			d := parseDecimal(minAmount.String)
			c.MinAmount = &d
		}
		if maxAmount.Valid {
			d := parseDecimal(maxAmount.String)
			c.MaxAmount = &d
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) Payment(ctx context.Context, id string) (*ledger.PaymentRef, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, receipt_number, amount_cents, paid_at FROM payments WHERE id = ?
	`, id)

	var (
		p      ledger.PaymentRef
		amount int64
		paidAt string
	)
	err := row.Scan(&p.ID, &p.ReceiptNumber, &amount, &paidAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	p.Amount = fromCents(amount)
	if t, err := time.Parse(time.RFC3339, paidAt); err == nil {
		p.PaidAt = t
	}
	return &p, nil
}

func (s *Store) Accounts(ctx context.Context) ([]ledger.GLAccount, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, code, name, detail_type FROM gl_accounts ORDER BY code, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var result []ledger.GLAccount
	for rows.Next() {
		var a ledger.GLAccount
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.DetailType); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) Account(ctx context.Context, id string) (*ledger.GLAccount, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, code, name, detail_type FROM gl_accounts WHERE id = ?
	`, id)
	var a ledger.GLAccount
	err := row.Scan(&a.ID, &a.Code, &a.Name, &a.DetailType)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &a, nil
}

// =============================================================================
// BOOTSTRAP WRITES (collaborator data; used by admin tooling and tests)
// =============================================================================

func (s *Store) SaveAccount(ctx context.Context, a ledger.GLAccount) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO gl_accounts (id, code, name, detail_type) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET code = excluded.code, name = excluded.name,
			detail_type = excluded.detail_type
	`, a.ID, a.Code, a.Name, string(a.DetailType))
	return err
}

func (s *Store) SaveLoan(ctx context.Context, l ledger.Loan) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loans
		(id, third_party_id, disbursed_cents, principal_cents, outstanding_cents,
		 installment_cents, annual_rate, late_rate, current_installment, next_due_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outstanding_cents = excluded.outstanding_cents,
			current_installment = excluded.current_installment,
			next_due_date = excluded.next_due_date,
			status = excluded.status
	`,
		l.ID, l.ThirdPartyID, toCents(l.DisbursedAmount), toCents(l.Principal),
		toCents(l.OutstandingBalance), toCents(l.InstallmentAmount),
		l.AnnualRate.String(), l.LateRate.String(), l.CurrentInstallment,
		dateOrEmpty(l.NextDueDate), l.Status,
	)
	return err
}

func (s *Store) SaveInstallment(ctx context.Context, i ledger.Installment) error {
	paid := 0
	if i.Paid {
		paid = 1
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO installments
		(loan_id, third_party_id, number, due_date, amount_cents, outstanding_cents, paid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(loan_id, number) DO UPDATE SET
			outstanding_cents = excluded.outstanding_cents, paid = excluded.paid
	`,
		i.LoanID, i.ThirdPartyID, i.Number, dateOrEmpty(i.DueDate),
		toCents(i.Amount), toCents(i.Outstanding), paid,
	)
	return err
}

func (s *Store) SaveConcept(ctx context.Context, loanID string, c billing.Concept) error {
	var minAmount, maxAmount any
	if c.MinAmount != nil {
		minAmount = c.MinAmount.String()
	}
	if c.MaxAmount != nil {
		maxAmount = c.MaxAmount.String()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loan_concepts
		(id, loan_id, name, category, method, base_kind, rate, amount, min_amount,
		 max_amount, rounding, rounding_decimals, charge_account_id, income_account_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, loanID, c.Name, string(c.Category), string(c.Method), string(c.Base),
		c.Rate.String(), c.Amount.String(), minAmount, maxAmount,
		string(c.Rounding), c.RoundingDecimals, c.ChargeAccountID, c.IncomeAccountID,
	)
	return err
}

func (s *Store) SavePayment(ctx context.Context, p ledger.PaymentRef) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (id, receipt_number, amount_cents, paid_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.ReceiptNumber, toCents(p.Amount), p.PaidAt.UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn inside a database transaction. Nested calls reuse
// the enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	child := &Store{db: s.db, q: tx, tx: tx}
	if err := fn(child); err != nil {
		return err
	}
	return tx.Commit()
}
