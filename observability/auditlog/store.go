package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"assetescrow/core/events"
)

// DefaultLimit caps List results when the filter does not set a limit.
const DefaultLimit = 100

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrIdempotencyInProgress is returned while another request holds the key.
var ErrIdempotencyInProgress = errors.New("request with this idempotency key already in progress")

// pendingStatus marks a reserved key whose response is not known yet.
const pendingStatus = 0

// Store persists committed escrow events and idempotent API responses in
// SQLite. It implements events.Emitter.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Entry is one persisted event.
type Entry struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	PaymentID  string            `json:"paymentId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type          string
	PaymentID     string
	AfterSequence int64
	Limit         int
}

// Open creates or opens the SQLite database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS escrow_events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            payment_id TEXT,
            attributes TEXT NOT NULL,
            recorded_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS escrow_events_payment ON escrow_events(payment_id);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            caller TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(caller, idempotency_key)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("auditlog: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Emit implements events.Emitter. Write failures are logged rather than
// returned because emission happens after the escrow has committed.
func (s *Store) Emit(evt events.Event) {
	rec, ok := evt.(*events.Record)
	if !ok {
		if evt == nil {
			return
		}
		rec = &events.Record{Type: evt.EventType(), Attributes: map[string]string{}}
	}
	if _, err := s.Append(context.Background(), rec); err != nil {
		s.logger.Error("audit log append failed", "type", rec.Type, "error", err)
	}
}

// Append persists rec and returns its sequence number.
func (s *Store) Append(ctx context.Context, rec *events.Record) (int64, error) {
	if rec == nil || strings.TrimSpace(rec.Type) == "" {
		return 0, fmt.Errorf("auditlog: event type required")
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return 0, err
	}
	var paymentID sql.NullString
	if id := attrs["paymentId"]; id != "" {
		paymentID = sql.NullString{String: strings.ToLower(id), Valid: true}
	}
	const stmt = `INSERT INTO escrow_events(type, payment_id, attributes, recorded_at) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, rec.Type, paymentID, string(payload), s.now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns events matching f in ascending sequence order.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.PaymentID != "" {
		clauses = append(clauses, "payment_id = ?")
		args = append(args, strings.ToLower(f.PaymentID))
	}
	if f.AfterSequence > 0 {
		clauses = append(clauses, "sequence > ?")
		args = append(args, f.AfterSequence)
	}
	limit := f.Limit
	if limit <= 0 || limit > 10*DefaultLimit {
		limit = DefaultLimit
	}
	query := `SELECT sequence, type, payment_id, attributes, recorded_at FROM escrow_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY sequence ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry     Entry
			paymentID sql.NullString
			payload   string
		)
		if err := rows.Scan(&entry.Sequence, &entry.Type, &paymentID, &payload, &entry.RecordedAt); err != nil {
			return nil, err
		}
		entry.PaymentID = paymentID.String
		if err := json.Unmarshal([]byte(payload), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("auditlog: decode attributes of %d: %w", entry.Sequence, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the response cached for (caller, key), nil when
// none exists.
func (s *Store) LookupIdempotency(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE caller = ? AND idempotency_key = ?`
	var (
		status     int
		body       []byte
		storedHash string
	)
	err := s.db.QueryRowContext(ctx, query, caller, key).Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	if status == pendingStatus {
		return nil, ErrIdempotencyInProgress
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// ReserveIdempotency claims (caller, key) for a request about to run. It
// returns nil, nil when the claim succeeded, the cached response when the key
// already completed, and ErrIdempotencyInProgress while another request holds
// it. The claim must be settled with SaveIdempotency or ReleaseIdempotency.
func (s *Store) ReserveIdempotency(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	const stmt = `INSERT INTO idempotency_keys(caller, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(caller, idempotency_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, stmt, caller, key, requestHash, pendingStatus, []byte{}, s.now())
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 1 {
		return nil, nil
	}
	cached, err := s.LookupIdempotency(ctx, caller, key, requestHash)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		// Released between the insert and the read.
		return nil, ErrIdempotencyInProgress
	}
	return cached, nil
}

// ReleaseIdempotency drops an unsettled reservation so the key can be reused.
func (s *Store) ReleaseIdempotency(ctx context.Context, caller, key string) error {
	const stmt = `DELETE FROM idempotency_keys WHERE caller = ? AND idempotency_key = ? AND response_status = ?`
	_, err := s.db.ExecContext(ctx, stmt, caller, key, pendingStatus)
	return err
}

// SaveIdempotency caches the response produced for (caller, key).
func (s *Store) SaveIdempotency(ctx context.Context, caller, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(caller, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, caller, key, requestHash, status, body, s.now())
	return err
}
