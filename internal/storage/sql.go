package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

// sqlStore holds the queries shared by PostgresStore and SQLiteStore.
// Queries are written with $N placeholders in ascending order.
type sqlStore struct {
	db *sql.DB

	// positional rewrites $N placeholders to ?
	positional bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.positional {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations and health checks
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// ========== Session Methods ==========

const sessionColumns = `dev_eui, seq_window, state, outcome, version, created_at, updated_at, data`

// GetSession gets a session
func (s *sqlStore) GetSession(ctx context.Context, key models.SessionKey) (*models.DeviceSession, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM device_sessions WHERE dev_eui = $1 AND seq_window = $2`)

	row := s.db.QueryRowContext(ctx, query, key.DevEUI[:], int64(key.Window))
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return session, err
}

// CreateSession creates a session
func (s *sqlStore) CreateSession(ctx context.Context, session *models.DeviceSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	query := s.rebind(`
		INSERT INTO device_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dev_eui, seq_window) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		session.Key.DevEUI[:], int64(session.Key.Window), string(session.State), string(session.Outcome),
		int64(1), session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateKey
	}

	session.Version = 1
	return nil
}

// UpdateSession conditionally updates a session
func (s *sqlStore) UpdateSession(ctx context.Context, session *models.DeviceSession, expected int64) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	query := s.rebind(`
		UPDATE device_sessions
		SET state = $1, outcome = $2, version = $3, updated_at = $4, data = $5
		WHERE dev_eui = $6 AND seq_window = $7 AND version = $8`)

	res, err := s.db.ExecContext(ctx, query,
		string(session.State), string(session.Outcome), expected+1, session.UpdatedAt.UnixNano(), data,
		session.Key.DevEUI[:], int64(session.Key.Window), expected,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if err := s.checkConditional(ctx, res, session.Key); err != nil {
		return err
	}

	session.Version = expected + 1
	return nil
}

// DeleteSession conditionally deletes a session
func (s *sqlStore) DeleteSession(ctx context.Context, key models.SessionKey, expected int64) error {
	query := s.rebind(`DELETE FROM device_sessions WHERE dev_eui = $1 AND seq_window = $2 AND version = $3`)

	res, err := s.db.ExecContext(ctx, query, key.DevEUI[:], int64(key.Window), expected)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return s.checkConditional(ctx, res, key)
}

// checkConditional distinguishes a missing row from a lost race
func (s *sqlStore) checkConditional(ctx context.Context, res sql.Result, key models.SessionKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	query := s.rebind(`SELECT 1 FROM device_sessions WHERE dev_eui = $1 AND seq_window = $2`)
	err = s.db.QueryRowContext(ctx, query, key.DevEUI[:], int64(key.Window)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

// CountSessions counts sessions
func (s *sqlStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_sessions`).Scan(&n)
	return n, err
}

// ListSessions lists sessions, least recently updated first
func (s *sqlStore) ListSessions(ctx context.Context, filter SessionFilter, limit int) ([]*models.DeviceSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM device_sessions WHERE 1=1`
	args := []interface{}{}
	argCount := 0

	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			argCount++
			marks[i] = fmt.Sprintf("$%d", argCount)
			args = append(args, string(st))
		}
		query += " AND state IN (" + strings.Join(marks, ", ") + ")"
	}

	if filter.UpdatedBefore != nil {
		argCount++
		query += fmt.Sprintf(" AND updated_at < $%d", argCount)
		args = append(args, filter.UpdatedBefore.UnixNano())
	}

	query += " ORDER BY updated_at ASC, dev_eui ASC, seq_window ASC"

	if limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.DeviceSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.DeviceSession, error) {
	var (
		devEUI             []byte
		window             int64
		state, outcome     string
		createdAt, updated int64
		data               []byte
	)

	session := &models.DeviceSession{}
	if err := row.Scan(&devEUI, &window, &state, &outcome, &session.Version, &createdAt, &updated, &data); err != nil {
		return nil, err
	}

	if len(devEUI) != len(session.Key.DevEUI) {
		return nil, fmt.Errorf("%w: dev_eui length %d", ErrInvalidData, len(devEUI))
	}
	copy(session.Key.DevEUI[:], devEUI)
	session.Key.Window = uint32(window)
	session.State = models.SessionState(state)
	session.Outcome = models.Outcome(outcome)

	if err := decodeSession(data, session); err != nil {
		return nil, err
	}
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updated).UTC()

	return session, nil
}

// ========== Evidence Methods ==========

// prepareEvidence assigns ids and timestamps
func prepareEvidence(r *models.EvidenceRecord) error {
	if r.Type == "" {
		return fmt.Errorf("%w: evidence type is required", ErrInvalidData)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Level == "" {
		r.Level = models.EvidenceLevelInfo
	}
	return nil
}

// AppendEvidence appends evidence records in a single transaction
func (s *sqlStore) AppendEvidence(ctx context.Context, records ...*models.EvidenceRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if err := prepareEvidence(r); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evidence tx: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO evidence (
			id, created_at, dev_eui, seq_window, f_cnt, seq,
			type, level, tag, payload, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare evidence insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var tag sql.NullInt64
		if r.Tag != nil {
			tag = sql.NullInt64{Int64: int64(*r.Tag), Valid: true}
		}
		details := r.Details
		if details == nil {
			details = models.Variables{}
		}

		_, err := stmt.ExecContext(ctx,
			r.ID.String(), r.CreatedAt.UnixNano(), r.DevEUI[:], int64(r.Window), int64(r.FCnt), r.Seq,
			string(r.Type), string(r.Level), tag, r.Payload, details,
		)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}

	return tx.Commit()
}

// ListEvidence lists evidence records with filters
func (s *sqlStore) ListEvidence(ctx context.Context, filter EvidenceFilter, limit, offset int) ([]*models.EvidenceRecord, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filter.DevEUI != nil {
		argCount++
		where += fmt.Sprintf(" AND dev_eui = $%d", argCount)
		args = append(args, filter.DevEUI[:])
	}

	if filter.Window != nil {
		argCount++
		where += fmt.Sprintf(" AND seq_window = $%d", argCount)
		args = append(args, int64(*filter.Window))
	}

	if filter.Type != nil {
		argCount++
		where += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, string(*filter.Type))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM evidence"+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count evidence: %w", err)
	}

	query := `SELECT id, created_at, dev_eui, seq_window, f_cnt, seq, type, level, tag, payload, details
		FROM evidence` + where + " ORDER BY created_at ASC, f_cnt ASC, seq ASC"
	if limit <= 0 {
		limit = 100
	}
	argCount++
	query += fmt.Sprintf(" LIMIT $%d", argCount)
	args = append(args, limit)
	argCount++
	query += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []*models.EvidenceRecord
	for rows.Next() {
		var (
			r            models.EvidenceRecord
			id           string
			createdAt    int64
			devEUI       []byte
			window, fCnt int64
			typ, level   string
			tag          sql.NullInt64
		)
		if err := rows.Scan(&id, &createdAt, &devEUI, &window, &fCnt, &r.Seq, &typ, &level, &tag, &r.Payload, &r.Details); err != nil {
			return nil, 0, err
		}

		r.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: evidence id %q", ErrInvalidData, id)
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		copy(r.DevEUI[:], devEUI)
		r.Window = uint32(window)
		r.FCnt = uint32(fCnt)
		r.Type = models.EvidenceType(typ)
		r.Level = models.EvidenceLevel(level)
		if tag.Valid {
			t := uint8(tag.Int64)
			r.Tag = &t
		}
		out = append(out, &r)
	}

	return out, total, rows.Err()
}
