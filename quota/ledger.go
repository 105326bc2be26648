package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/telemetry"
)

var (
	// ErrQuotaExhausted is returned by Decision.Err when a charge was refused.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrUnknownRole is returned for roles outside the policy table.
	ErrUnknownRole = errors.New("unknown role")
)

// Decision reasons.
const (
	ReasonCharged        = "charged"
	ReasonAlreadyCharged = "already_charged"
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonUnmetered      = "unmetered"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Decision is the outcome of CheckAndRecord.
// Remaining is -1 for unmetered roles.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	Remaining int    `json:"remaining"`
}

// Err returns ErrQuotaExhausted for refused decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrQuotaExhausted, d.Reason)
}

// Usage is one user's consumption in the current day bucket.
type Usage struct {
	Day    string         `json:"day"`
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
}

// Ledger is the append-only relational record of charges.
type Ledger struct {
	db      *sql.DB
	driver  string
	table   Table
	now     func() time.Time
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

// WithMetrics records decisions on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(led *Ledger) { led.metrics = m }
}

// WithClock overrides the clock used for day buckets.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// Open opens a ledger database with driver ("sqlite3" or "pgx") and creates the schema.
func Open(ctx context.Context, driver, dsn string, table Table, opts ...Option) (*Ledger, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported quota driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open quota database: %w", err)
	}
	led, err := New(ctx, db, driver, table, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return led, nil
}

// New wraps an open database. For SQLite the pool is limited to one connection,
// which serializes ledger transactions.
func New(ctx context.Context, db *sql.DB, driver string, table Table, opts ...Option) (*Ledger, error) {
	if table == nil {
		table = DefaultTable()
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	led := &Ledger{
		db:     db,
		driver: driver,
		table:  table,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(led)
	}
	if err := led.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize quota schema: %w", err)
	}
	return led, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quota_entries (
			user_id TEXT NOT NULL,
			resource_kind TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			day TEXT NOT NULL,
			consumed_at TEXT NOT NULL,
			credits INTEGER NOT NULL DEFAULT 1,
			UNIQUE (user_id, resource_kind, resource_id, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_user_day ON quota_entries(user_id, day)`,
	}
	for _, s := range stmts {
		if _, err := l.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (l *Ledger) rebind(query string) string {
	if l.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *Ledger) day() string {
	return l.now().UTC().Format("2006-01-02")
}

// CheckAndRecord charges one credit for (userID, kind, resourceID) in today's bucket.
// Charging the same resource again the same day returns already_charged without a new row.
func (l *Ledger) CheckAndRecord(ctx context.Context, userID string, role Role, kind, resourceID string) (Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanQuotaCheck,
		attribute.String(telemetry.AttrUserID, userID),
		attribute.String("conthunt.quota.kind", kind))
	defer span.End()

	d, err := l.checkAndRecord(ctx, userID, role, kind, resourceID)
	telemetry.MarkSpanResult(span, err)
	if err != nil {
		return Decision{}, err
	}
	l.metrics.RecordQuota(kind, d.Reason)
	l.logger.Debug("quota decision",
		zap.String("user_id", userID),
		zap.String("kind", kind),
		zap.String("resource_id", resourceID),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", d.Reason),
		zap.Int("remaining", d.Remaining))
	return d, nil
}

func (l *Ledger) checkAndRecord(ctx context.Context, userID string, role Role, kind, resourceID string) (Decision, error) {
	if userID == "" || kind == "" || resourceID == "" {
		return Decision{}, fmt.Errorf("quota charge requires user, kind and resource")
	}
	policy, err := l.table.Policy(role)
	if err != nil {
		return Decision{}, err
	}
	if policy.Unmetered {
		return Decision{Allowed: true, Reason: ReasonUnmetered, Remaining: -1}, nil
	}

	now := l.now().UTC()
	day := now.Format("2006-01-02")

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	if l.driver == DriverPostgres {
		// Serializes charges per user so the count below cannot go stale.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return Decision{}, fmt.Errorf("failed to lock user quota: %w", err)
		}
	}

	usage, err := l.usage(ctx, tx, userID, day)
	if err != nil {
		return Decision{}, err
	}

	var one int
	err = tx.QueryRowContext(ctx, l.rebind(
		`SELECT 1 FROM quota_entries WHERE user_id = ? AND resource_kind = ? AND resource_id = ? AND day = ?`),
		userID, kind, resourceID, day).Scan(&one)
	switch {
	case err == nil:
		return Decision{Allowed: true, Reason: ReasonAlreadyCharged, Remaining: remaining(policy, kind, usage)}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Decision{}, fmt.Errorf("failed to look up quota entry: %w", err)
	}

	if remaining(policy, kind, usage) <= 0 {
		return Decision{Allowed: false, Reason: ReasonQuotaExhausted, Remaining: 0}, nil
	}

	_, err = tx.ExecContext(ctx, l.rebind(
		`INSERT INTO quota_entries (user_id, resource_kind, resource_id, day, consumed_at, credits) VALUES (?, ?, ?, ?, ?, 1)`),
		userID, kind, resourceID, day, now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return Decision{Allowed: true, Reason: ReasonAlreadyCharged, Remaining: remaining(policy, kind, usage)}, nil
		}
		return Decision{}, fmt.Errorf("failed to record quota entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	usage.Total++
	usage.ByKind[kind]++
	return Decision{Allowed: true, Reason: ReasonCharged, Remaining: remaining(policy, kind, usage)}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (l *Ledger) usage(ctx context.Context, q querier, userID, day string) (Usage, error) {
	rows, err := q.QueryContext(ctx, l.rebind(
		`SELECT resource_kind, COALESCE(SUM(credits), 0) FROM quota_entries WHERE user_id = ? AND day = ? GROUP BY resource_kind`),
		userID, day)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to count quota entries: %w", err)
	}
	defer rows.Close()

	u := Usage{Day: day, ByKind: make(map[string]int)}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return Usage{}, fmt.Errorf("failed to scan quota usage: %w", err)
		}
		u.ByKind[kind] = n
		u.Total += n
	}
	if err := rows.Err(); err != nil {
		return Usage{}, fmt.Errorf("failed to count quota entries: %w", err)
	}
	return u, nil
}

func remaining(p Policy, kind string, u Usage) int {
	left := p.DailyCredits - u.Total
	if c := p.KindCap(kind); c > 0 {
		left = min(left, c-u.ByKind[kind])
	}
	return max(left, 0)
}

// Usage returns today's consumption for userID.
func (l *Ledger) Usage(ctx context.Context, userID string) (Usage, error) {
	return l.usage(ctx, l.db, userID, l.day())
}

// Remaining returns the credits userID may still spend today, or -1 when unmetered.
func (l *Ledger) Remaining(ctx context.Context, userID string, role Role) (int, error) {
	policy, err := l.table.Policy(role)
	if err != nil {
		return 0, err
	}
	if policy.Unmetered {
		return -1, nil
	}
	u, err := l.Usage(ctx, userID)
	if err != nil {
		return 0, err
	}
	return max(policy.DailyCredits-u.Total, 0), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
