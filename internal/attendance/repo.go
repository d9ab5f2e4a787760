package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Unique index names from the migrations; used to tell conflicts apart.
const (
	constraintSingleOpen   = "sessions_single_open"
	constraintRecordPhase  = "records_session_cuenta_phase"
	constraintRecordDevice = "records_session_phase_device"
)

// PostgresStore persists attendance data in Postgres.
type PostgresStore struct {
	db    *sql.DB
	types *pgtype.Map
}

// NewPostgresStore creates a repo over a pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, types: pgtype.NewMap()}
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const studentColumns = `cuenta, name, email, fingerprints, registered_at, registered_via, active`

func (r *PostgresStore) scanStudent(row interface{ Scan(...any) error }) (Student, error) {
	var st Student
	err := row.Scan(&st.Cuenta, &st.Name, &st.Email, r.types.SQLScanner(&st.Fingerprints), &st.RegisteredAt, &st.RegisteredVia, &st.Active)
	return st, err
}

// GetStudent returns a single student by account number.
func (r *PostgresStore) GetStudent(ctx context.Context, cuenta string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE cuenta = $1`, cuenta)
	st, err := r.scanStudent(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

// ListStudents returns the whole roster.
func (r *PostgresStore) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY cuenta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		st, err := r.scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CreateStudent inserts a student, replacing any row with the same cuenta.
func (r *PostgresStore) CreateStudent(ctx context.Context, st Student) error {
	if st.Fingerprints == nil {
		st.Fingerprints = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cuenta) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			fingerprints = EXCLUDED.fingerprints,
			registered_at = EXCLUDED.registered_at,
			registered_via = EXCLUDED.registered_via,
			active = EXCLUDED.active
	`, st.Cuenta, st.Name, st.Email, st.Fingerprints, st.RegisteredAt, st.RegisteredVia, st.Active)
	return err
}

func (r *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStudentName changes only the display name.
func (r *PostgresStore) UpdateStudentName(ctx context.Context, cuenta, name string) error {
	return r.execOne(ctx, `UPDATE students SET name = $2 WHERE cuenta = $1`, cuenta, name)
}

// SetFingerprints replaces the bound device list.
func (r *PostgresStore) SetFingerprints(ctx context.Context, cuenta string, fingerprints []string) error {
	if fingerprints == nil {
		fingerprints = []string{}
	}
	return r.execOne(ctx, `UPDATE students SET fingerprints = $2 WHERE cuenta = $1`, cuenta, fingerprints)
}

// DeleteStudents removes the given students.
func (r *PostgresStore) DeleteStudents(ctx context.Context, cuentas []string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE cuenta = ANY($1)`, cuentas)
	return err
}

const sessionColumns = `id, label, number, date, phase, active_token, token_expires_at, created_by, closed_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var closedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Label, &s.Number, &s.Date, &s.Phase, &s.ActiveToken, &s.TokenExpiresAt, &s.CreatedBy, &closedAt)
	if closedAt.Valid {
		s.ClosedAt = &closedAt.Time
	}
	return s, err
}

// CreateSession inserts a new session. The partial unique index on open
// sessions rejects a second one.
func (r *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.Label, s.Number, s.Date, s.Phase, s.ActiveToken, s.TokenExpiresAt, s.CreatedBy, s.ClosedAt)
	return sessionConflict(err)
}

func sessionConflict(err error) error {
	if name, ok := uniqueViolation(err); ok && name == constraintSingleOpen {
		return ErrSessionOpen
	}
	return err
}

// GetSession returns a single session by id.
func (r *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ActiveSession uses the partial index on open sessions.
func (r *PostgresStore) ActiveSession(ctx context.Context) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE phase <> 'closed' LIMIT 1`))
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (r *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSessions counts every session ever created.
func (r *PostgresStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// UpdateSessionPhase moves the session to phase with a fresh token.
func (r *PostgresStore) UpdateSessionPhase(ctx context.Context, id string, phase Phase, token string, expiresAt time.Time) error {
	return r.execOne(ctx, `
		UPDATE sessions SET phase = $2, active_token = $3, token_expires_at = $4
		WHERE id = $1
	`, id, phase, token, expiresAt)
}

// UpdateSessionToken stores a rotated token.
func (r *PostgresStore) UpdateSessionToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	return r.execOne(ctx, `
		UPDATE sessions SET active_token = $2, token_expires_at = $3
		WHERE id = $1
	`, id, token, expiresAt)
}

// CloseSession marks the session closed and clears its token.
func (r *PostgresStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	return r.execOne(ctx, `
		UPDATE sessions SET phase = 'closed', active_token = '', closed_at = $2
		WHERE id = $1
	`, id, closedAt)
}

// DeleteSessions removes sessions; their records cascade.
func (r *PostgresStore) DeleteSessions(ctx context.Context, ids []string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ANY($1)`, ids)
	return err
}

const recordColumns = `id, session_id, cuenta, phase, recorded_at, fingerprint, token_used`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Cuenta, &rec.Phase, &rec.Timestamp, &rec.Fingerprint, &rec.TokenUsed)
	return rec, err
}

// InsertRecord writes a check-in; unique indexes close the race between the
// validator's read checks and this write.
func (r *PostgresStore) InsertRecord(ctx context.Context, rec *Record) error {
	return recordConflict(insertRecord(ctx, r.db, rec))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.SessionID, rec.Cuenta, rec.Phase, rec.Timestamp, rec.Fingerprint, rec.TokenUsed)
	return err
}

// recordConflict maps unique violations on records to store errors.
func recordConflict(err error) error {
	if name, ok := uniqueViolation(err); ok {
		switch name {
		case constraintRecordPhase:
			return ErrDuplicateRecord
		case constraintRecordDevice:
			return ErrDeviceClaimed
		}
	}
	return err
}

// CommitCheckIn enrolls, binds and inserts in one transaction. The student
// row is locked so two new devices racing for the last slot cannot both bind.
func (r *PostgresStore) CommitCheckIn(ctx context.Context, rec *Record, enroll *Student) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin check-in: %w", err)
	}
	defer tx.Rollback()

	if enroll != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO students (`+studentColumns+`)
			VALUES ($1, $2, $3, '{}', $4, $5, $6)
			ON CONFLICT (cuenta) DO NOTHING
		`, rec.Cuenta, enroll.Name, enroll.Email, enroll.RegisteredAt, enroll.RegisteredVia, enroll.Active); err != nil {
			return fmt.Errorf("enroll %s: %w", rec.Cuenta, err)
		}
	}

	var devices int
	var bound bool
	err = tx.QueryRowContext(ctx, `
		SELECT cardinality(fingerprints), $2 = ANY(fingerprints)
		FROM students WHERE cuenta = $1 FOR UPDATE
	`, rec.Cuenta, rec.Fingerprint).Scan(&devices, &bound)
	if err != nil {
		return notFound(err)
	}
	if rec.Fingerprint != "" && !bound {
		if devices >= MaxFingerprints {
			return ErrDeviceLimit
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE students SET fingerprints = array_append(fingerprints, $2) WHERE cuenta = $1`,
			rec.Cuenta, rec.Fingerprint); err != nil {
			return fmt.Errorf("bind device to %s: %w", rec.Cuenta, err)
		}
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return recordConflict(err)
	}
	return tx.Commit()
}

func (r *PostgresStore) findRecord(ctx context.Context, where string, args ...any) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE `+where+` LIMIT 1`, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// FindRecord looks up the record for (session, cuenta, phase).
func (r *PostgresStore) FindRecord(ctx context.Context, sessionID, cuenta string, phase Phase) (*Record, error) {
	return r.findRecord(ctx, `session_id = $1 AND cuenta = $2 AND phase = $3`, sessionID, cuenta, phase)
}

// FindRecordByDevice looks up the record a fingerprint made in (session, phase).
func (r *PostgresStore) FindRecordByDevice(ctx context.Context, sessionID string, phase Phase, fingerprint string) (*Record, error) {
	return r.findRecord(ctx, `session_id = $1 AND phase = $2 AND fingerprint = $3`, sessionID, phase, fingerprint)
}

func (r *PostgresStore) listRecords(ctx context.Context, where string, args ...any) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY recorded_at"
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRecords returns every record.
func (r *PostgresStore) ListRecords(ctx context.Context) ([]Record, error) {
	return r.listRecords(ctx, "")
}

// ListRecordsBySession returns the records of one session.
func (r *PostgresStore) ListRecordsBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return r.listRecords(ctx, "session_id = $1", sessionID)
}

// ListRecordsByStudent returns the records of one student.
func (r *PostgresStore) ListRecordsByStudent(ctx context.Context, cuenta string) ([]Record, error) {
	return r.listRecords(ctx, "cuenta = $1", cuenta)
}

// ReassignRecord moves a record to another account.
func (r *PostgresStore) ReassignRecord(ctx context.Context, rec Record, toCuenta string) error {
	err := r.execOne(ctx, `UPDATE records SET cuenta = $2 WHERE id = $1`, rec.ID, toCuenta)
	if name, ok := uniqueViolation(err); ok && name == constraintRecordPhase {
		return ErrDuplicateRecord
	}
	return err
}

// DeleteRecords removes the given records.
func (r *PostgresStore) DeleteRecords(ctx context.Context, records []Record) error {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE id = ANY($1)`, ids)
	return err
}

// GetCourseConfig reads the singleton settings row.
func (r *PostgresStore) GetCourseConfig(ctx context.Context) (*CourseConfig, error) {
	var cfg CourseConfig
	err := r.db.QueryRowContext(ctx, `
		SELECT materia_name, total_classes, profesor_name, semestre FROM course_config WHERE id
	`).Scan(&cfg.MateriaName, &cfg.TotalClasses, &cfg.ProfesorName, &cfg.Semestre)
	if err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

// SaveCourseConfig upserts the singleton settings row.
func (r *PostgresStore) SaveCourseConfig(ctx context.Context, cfg CourseConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO course_config (id, materia_name, total_classes, profesor_name, semestre)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			materia_name = EXCLUDED.materia_name,
			total_classes = EXCLUDED.total_classes,
			profesor_name = EXCLUDED.profesor_name,
			semestre = EXCLUDED.semestre
	`, cfg.MateriaName, cfg.TotalClasses, cfg.ProfesorName, cfg.Semestre)
	if err != nil {
		return fmt.Errorf("save course config: %w", err)
	}
	return nil
}
