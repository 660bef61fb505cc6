// Package logsink persists the bounded request/response telemetry log.
// Rows are appended by the dispatcher and evicted oldest-first once the
// count exceeds the retention ceiling.
package logsink

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// BodyCap is the stored prefix size for request and response bodies.
const BodyCap = 64 * 1024

var ErrNotFound = errors.New("log record not found")

// Record is one proxied request. Bodies and header maps are only populated
// on the detail view.
type Record struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	AccountID  string    `json:"account_id"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	RequestHeaders  http.Header `json:"request_headers,omitempty"`
	ResponseHeaders http.Header `json:"response_headers,omitempty"`
	RequestBody     []byte      `json:"request_body,omitempty"`
	ResponseBody    []byte      `json:"response_body,omitempty"`
}

// Sink is the bounded log store. A disabled sink turns Append into a no-op
// so the dispatcher can skip body capture end-to-end.
type Sink struct {
	db      *sql.DB
	maxLogs int
	enabled bool
}

func Open(dbPath string, maxLogs int, enabled bool) (*Sink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &Sink{db: db, maxLogs: maxLogs, enabled: enabled}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

// Enabled reports whether body capture should happen at all.
func (s *Sink) Enabled() bool { return s.enabled }

// Append stores a record and evicts the oldest rows above the retention
// ceiling. Bodies are truncated to BodyCap before storage.
func (s *Sink) Append(ctx context.Context, r *Record) error {
	if !s.enabled {
		return nil
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	reqHdr := marshalHeader(r.RequestHeaders)
	respHdr := marshalHeader(r.ResponseHeaders)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (created_at, method, path, status, duration_ms,
			account_id, error, model, input_tokens, output_tokens,
			request_headers, response_headers, request_body, response_body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CreatedAt.UnixMilli(), r.Method, r.Path, r.Status, r.DurationMs,
		r.AccountID, r.Error, r.Model, r.InputTokens, r.OutputTokens,
		reqHdr, respHdr, cap64(r.RequestBody), cap64(r.ResponseBody))
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}

	// FIFO eviction: lowest rowids go first.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM request_log WHERE id <= (
			SELECT id FROM request_log ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		s.maxLogs)
	if err != nil {
		return fmt.Errorf("evict logs: %w", err)
	}
	return nil
}

// Count returns the number of rows matching the filter.
func (s *Sink) Count(ctx context.Context, filter string, errorsOnly bool) (int, error) {
	where, args := buildWhere(filter, errorsOnly)
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM request_log WHERE "+where, args...).Scan(&n)
	return n, err
}

// Query returns matching rows newest-first. Paths come back query-stripped;
// Detail carries the full path.
func (s *Sink) Query(ctx context.Context, filter string, errorsOnly bool, limit, offset int) ([]*Record, error) {
	where, args := buildWhere(filter, errorsOnly)
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, method, path, status, duration_ms, account_id,
			error, model, input_tokens, output_tokens
		FROM request_log WHERE `+where+` ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		var ts int64
		if err := rows.Scan(&r.ID, &ts, &r.Method, &r.Path, &r.Status, &r.DurationMs,
			&r.AccountID, &r.Error, &r.Model, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(ts).UTC()
		r.Path = stripQuery(r.Path)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Detail returns the full record including header maps and bodies.
func (s *Sink) Detail(ctx context.Context, id int64) (*Record, error) {
	r := &Record{}
	var ts int64
	var reqHdr, respHdr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, method, path, status, duration_ms, account_id,
			error, model, input_tokens, output_tokens,
			request_headers, response_headers, request_body, response_body
		FROM request_log WHERE id = ?`, id).Scan(
		&r.ID, &ts, &r.Method, &r.Path, &r.Status, &r.DurationMs,
		&r.AccountID, &r.Error, &r.Model, &r.InputTokens, &r.OutputTokens,
		&reqHdr, &respHdr, &r.RequestBody, &r.ResponseBody)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(ts).UTC()
	r.RequestHeaders = unmarshalHeader(reqHdr)
	r.ResponseHeaders = unmarshalHeader(respHdr)
	return r, nil
}

// Clear drops all rows.
func (s *Sink) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM request_log")
	return err
}

// buildWhere composes the case-insensitive substring filter over path,
// stringified status, and account id, plus the errors-only restriction.
func buildWhere(filter string, errorsOnly bool) (string, []interface{}) {
	where := "1=1"
	var args []interface{}
	if filter != "" {
		where += ` AND (instr(lower(path), ?) > 0
			OR instr(CAST(status AS TEXT), ?) > 0
			OR instr(lower(account_id), ?) > 0)`
		f := strings.ToLower(filter)
		args = append(args, f, f, f)
	}
	if errorsOnly {
		where += " AND (status >= 400 OR error != '')"
	}
	return where, args
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func cap64(b []byte) []byte {
	if len(b) > BodyCap {
		return b[:BodyCap]
	}
	return b
}

func marshalHeader(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	data, _ := json.Marshal(h)
	return string(data)
}

func unmarshalHeader(s string) http.Header {
	if s == "" {
		return nil
	}
	var h http.Header
	if json.Unmarshal([]byte(s), &h) != nil {
		return nil
	}
	return h
}
