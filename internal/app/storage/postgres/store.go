package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/tokenbridge/relayer/internal/app/domain/deposit"
	"github.com/tokenbridge/relayer/internal/app/domain/relayer"
	"github.com/tokenbridge/relayer/internal/app/domain/withdrawal"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.DepositStore = (*Store)(nil)
var _ storage.WithdrawalStore = (*Store)(nil)
var _ storage.RelayerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return New(db), nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type depositRow struct {
	ID            string         `db:"id"`
	SourceAddress string         `db:"source_address"`
	DestAddress   string         `db:"dest_address"`
	Amount        string         `db:"amount"`
	Confirmations int64          `db:"confirmations"`
	Status        string         `db:"status"`
	FirstSeenAt   time.Time      `db:"first_seen_at"`
	ProcessedAt   sql.NullTime   `db:"processed_at"`
	Signature     []byte         `db:"attestation_signature"`
	FailureReason sql.NullString `db:"failure_reason"`
}

func (r depositRow) toDomain() (deposit.Deposit, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return deposit.Deposit{}, fmt.Errorf("deposit %s: %w", r.ID, err)
	}
	dep := deposit.Deposit{
		ID:                   r.ID,
		SourceAddress:        r.SourceAddress,
		DestAddress:          r.DestAddress,
		Amount:               amount,
		Confirmations:        uint64(r.Confirmations),
		Status:               deposit.Status(r.Status),
		FirstSeenAt:          r.FirstSeenAt,
		AttestationSignature: r.Signature,
		FailureReason:        r.FailureReason.String,
	}
	if r.ProcessedAt.Valid {
		dep.ProcessedAt = r.ProcessedAt.Time
	}
	return dep, nil
}

// --- DepositStore -----------------------------------------------------------

func (s *Store) CreateDeposit(ctx context.Context, dep deposit.Deposit) (deposit.Deposit, error) {
	if dep.FirstSeenAt.IsZero() {
		dep.FirstSeenAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_deposits
			(id, source_address, dest_address, amount, confirmations, status, first_seen_at, attestation_signature, failure_reason)
		VALUES (LOWER($1), $2, $3, $4, $5, $6, $7, $8, $9)
	`, dep.ID, dep.SourceAddress, dep.DestAddress, formatAmount(dep.Amount),
		int64(dep.Confirmations), string(dep.Status), dep.FirstSeenAt, dep.AttestationSignature, dep.FailureReason)
	if err != nil {
		if isUniqueViolation(err) {
			return deposit.Deposit{}, fault.Newf(fault.StateConflict, "CONFLICTING_DEPOSIT", "deposit %s already exists", dep.ID)
		}
		return deposit.Deposit{}, err
	}
	return dep, nil
}

func (s *Store) UpdateDeposit(ctx context.Context, dep deposit.Deposit) (deposit.Deposit, error) {
	var processedAt interface{}
	if !dep.ProcessedAt.IsZero() {
		processedAt = dep.ProcessedAt
	}
	// Terminal rows never match the status guard, keeping them immutable.
	res, err := s.db.ExecContext(ctx, `
		UPDATE bridge_deposits
		SET confirmations = $2, status = $3, processed_at = $4, attestation_signature = $5, failure_reason = $6
		WHERE id = LOWER($1) AND status NOT IN ('completed', 'failed')
	`, dep.ID, int64(dep.Confirmations), string(dep.Status), processedAt, dep.AttestationSignature, dep.FailureReason)
	if err != nil {
		return deposit.Deposit{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return deposit.Deposit{}, err
	}
	if affected == 0 {
		if _, getErr := s.GetDeposit(ctx, dep.ID); getErr != nil {
			return deposit.Deposit{}, getErr
		}
		return deposit.Deposit{}, fault.Newf(fault.StateConflict, "ALREADY_PROCESSED", "deposit %s is terminal and immutable", dep.ID)
	}
	return dep, nil
}

func (s *Store) GetDeposit(ctx context.Context, id string) (deposit.Deposit, error) {
	var row depositRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, source_address, dest_address, amount, confirmations, status, first_seen_at, processed_at, attestation_signature, failure_reason
		FROM bridge_deposits WHERE id = LOWER($1)
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return deposit.Deposit{}, fault.Newf(fault.NotFound, "NOT_FOUND", "deposit %s not found", id)
	}
	if err != nil {
		return deposit.Deposit{}, err
	}
	return row.toDomain()
}

func (s *Store) ListDeposits(ctx context.Context, status deposit.Status) ([]deposit.Deposit, error) {
	query := `
		SELECT id, source_address, dest_address, amount, confirmations, status, first_seen_at, processed_at, attestation_signature, failure_reason
		FROM bridge_deposits`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY first_seen_at ASC`

	var rows []depositRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]deposit.Deposit, 0, len(rows))
	for _, row := range rows {
		dep, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, nil
}

// --- WithdrawalStore --------------------------------------------------------

type withdrawalRow struct {
	ID            string         `db:"id"`
	Requester     string         `db:"requester"`
	DestAddress   string         `db:"dest_source_chain_address"`
	Amount        string         `db:"amount"`
	Fee           string         `db:"fee"`
	Status        string         `db:"status"`
	RequestedAt   time.Time      `db:"requested_at"`
	ResolvedAt    sql.NullTime   `db:"resolved_at"`
	FailureReason sql.NullString `db:"failure_reason"`
}

func (r withdrawalRow) toDomain() (withdrawal.Withdrawal, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("withdrawal %s: %w", r.ID, err)
	}
	fee, err := parseAmount(r.Fee)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("withdrawal %s: %w", r.ID, err)
	}
	w := withdrawal.Withdrawal{
		ID:                     r.ID,
		Requester:              r.Requester,
		DestSourceChainAddress: r.DestAddress,
		Amount:                 amount,
		Fee:                    fee,
		Status:                 withdrawal.Status(r.Status),
		RequestedAt:            r.RequestedAt,
		FailureReason:          r.FailureReason.String,
	}
	if r.ResolvedAt.Valid {
		w.ResolvedAt = r.ResolvedAt.Time
	}
	return w, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error) {
	if w.RequestedAt.IsZero() {
		w.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_withdrawals
			(id, requester, dest_source_chain_address, amount, fee, status, requested_at, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.ID, w.Requester, w.DestSourceChainAddress, formatAmount(w.Amount), formatAmount(w.Fee),
		string(w.Status), w.RequestedAt, w.FailureReason)
	if err != nil {
		if isUniqueViolation(err) {
			return withdrawal.Withdrawal{}, fault.Newf(fault.StateConflict, "CONFLICTING_WITHDRAWAL", "withdrawal %s already exists", w.ID)
		}
		return withdrawal.Withdrawal{}, err
	}
	return w, nil
}

func (s *Store) UpdateWithdrawal(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error) {
	var resolvedAt interface{}
	if !w.ResolvedAt.IsZero() {
		resolvedAt = w.ResolvedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bridge_withdrawals
		SET fee = $2, status = $3, resolved_at = $4, failure_reason = $5
		WHERE id = $1 AND status NOT IN ('paid', 'refunded')
	`, w.ID, formatAmount(w.Fee), string(w.Status), resolvedAt, w.FailureReason)
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}
	if affected == 0 {
		if _, getErr := s.GetWithdrawal(ctx, w.ID); getErr != nil {
			return withdrawal.Withdrawal{}, getErr
		}
		return withdrawal.Withdrawal{}, fault.Newf(fault.StateConflict, "ALREADY_RESOLVED", "withdrawal %s is terminal and immutable", w.ID)
	}
	return w, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (withdrawal.Withdrawal, error) {
	var row withdrawalRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, requester, dest_source_chain_address, amount, fee, status, requested_at, resolved_at, failure_reason
		FROM bridge_withdrawals WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return withdrawal.Withdrawal{}, fault.Newf(fault.NotFound, "NOT_FOUND", "withdrawal %s not found", id)
	}
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}
	return row.toDomain()
}

func (s *Store) ListWithdrawals(ctx context.Context, status withdrawal.Status) ([]withdrawal.Withdrawal, error) {
	query := `
		SELECT id, requester, dest_source_chain_address, amount, fee, status, requested_at, resolved_at, failure_reason
		FROM bridge_withdrawals`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY requested_at ASC`

	var rows []withdrawalRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]withdrawal.Withdrawal, 0, len(rows))
	for _, row := range rows {
		w, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) ListLockedWithdrawals(ctx context.Context) ([]withdrawal.Withdrawal, error) {
	return s.ListWithdrawals(ctx, withdrawal.StatusLocked)
}

// --- RelayerStore -----------------------------------------------------------

type relayerRow struct {
	Address          string    `db:"address"`
	AccruedBalance   string    `db:"accrued_balance"`
	DailyCompensated string    `db:"daily_compensated"`
	LastDailyReset   time.Time `db:"last_daily_reset"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r relayerRow) toDomain() (relayer.Account, error) {
	balance, err := parseAmount(r.AccruedBalance)
	if err != nil {
		return relayer.Account{}, fmt.Errorf("relayer %s: %w", r.Address, err)
	}
	daily, err := parseAmount(r.DailyCompensated)
	if err != nil {
		return relayer.Account{}, fmt.Errorf("relayer %s: %w", r.Address, err)
	}
	return relayer.Account{
		Address:          r.Address,
		AccruedBalance:   balance,
		DailyCompensated: daily,
		LastDailyReset:   r.LastDailyReset,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func (s *Store) GetRelayerAccount(ctx context.Context, address string) (relayer.Account, error) {
	var row relayerRow
	err := s.db.GetContext(ctx, &row, `
		SELECT address, accrued_balance, daily_compensated, last_daily_reset, created_at, updated_at
		FROM relayer_accounts WHERE address = LOWER($1)
	`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return relayer.Account{}, fault.Newf(fault.NotFound, "NOT_FOUND", "relayer %s not found", address)
	}
	if err != nil {
		return relayer.Account{}, err
	}
	return row.toDomain()
}

func (s *Store) PutRelayerAccount(ctx context.Context, acct relayer.Account) (relayer.Account, error) {
	now := time.Now().UTC()
	acct.UpdatedAt = now
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relayer_accounts (address, accrued_balance, daily_compensated, last_daily_reset, created_at, updated_at)
		VALUES (LOWER($1), $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE
		SET accrued_balance = EXCLUDED.accrued_balance,
		    daily_compensated = EXCLUDED.daily_compensated,
		    last_daily_reset = EXCLUDED.last_daily_reset,
		    updated_at = EXCLUDED.updated_at
	`, acct.Address, formatAmount(acct.AccruedBalance), formatAmount(acct.DailyCompensated),
		acct.LastDailyReset, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return relayer.Account{}, err
	}
	return acct, nil
}

func (s *Store) ListRelayerAccounts(ctx context.Context) ([]relayer.Account, error) {
	var rows []relayerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT address, accrued_balance, daily_compensated, last_daily_reset, created_at, updated_at
		FROM relayer_accounts ORDER BY address ASC
	`)
	if err != nil {
		return nil, err
	}
	out := make([]relayer.Account, 0, len(rows))
	for _, row := range rows {
		acct, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

// --- helpers ----------------------------------------------------------------

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", raw)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	// lib/pq unique_violation SQLSTATE.
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
