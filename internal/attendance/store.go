package attendance

import (
	"context"
	"time"
)

// Store is the persistence contract shared by the Postgres, Firestore and
// in-memory backends. Lookups of a single item return ErrNotFound when absent.
type Store interface {
	GetStudent(ctx context.Context, cuenta string) (*Student, error)
	ListStudents(ctx context.Context) ([]Student, error)
	CreateStudent(ctx context.Context, st Student) error
	UpdateStudentName(ctx context.Context, cuenta, name string) error
	SetFingerprints(ctx context.Context, cuenta string, fingerprints []string) error
	DeleteStudents(ctx context.Context, cuentas []string) error

	// CreateSession assigns s.ID and fails with ErrSessionOpen when another
	// session has not been closed yet.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ActiveSession(ctx context.Context) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	CountSessions(ctx context.Context) (int, error)
	UpdateSessionPhase(ctx context.Context, id string, phase Phase, token string, expiresAt time.Time) error
	UpdateSessionToken(ctx context.Context, id, token string, expiresAt time.Time) error
	CloseSession(ctx context.Context, id string, closedAt time.Time) error
	DeleteSessions(ctx context.Context, ids []string) error

	// InsertRecord is a conditional write: it fails with ErrDuplicateRecord when
	// (session, cuenta, phase) exists and with ErrDeviceClaimed when the
	// fingerprint already checked in another cuenta for (session, phase).
	// Records with an empty fingerprint claim no device.
	InsertRecord(ctx context.Context, r *Record) error
	// CommitCheckIn inserts r like InsertRecord and, in the same write, binds
	// r.Fingerprint to the student. When enroll is non-nil the student is
	// created first unless it already exists. Binding a new device to a
	// student at MaxFingerprints fails with ErrDeviceLimit; a missing student
	// with a nil enroll fails with ErrNotFound. Nothing is written on error.
	CommitCheckIn(ctx context.Context, r *Record, enroll *Student) error
	FindRecord(ctx context.Context, sessionID, cuenta string, phase Phase) (*Record, error)
	FindRecordByDevice(ctx context.Context, sessionID string, phase Phase, fingerprint string) (*Record, error)
	ListRecords(ctx context.Context) ([]Record, error)
	ListRecordsBySession(ctx context.Context, sessionID string) ([]Record, error)
	ListRecordsByStudent(ctx context.Context, cuenta string) ([]Record, error)
	ReassignRecord(ctx context.Context, r Record, toCuenta string) error
	DeleteRecords(ctx context.Context, records []Record) error

	GetCourseConfig(ctx context.Context) (*CourseConfig, error)
	SaveCourseConfig(ctx context.Context, cfg CourseConfig) error
}
