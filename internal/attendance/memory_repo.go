package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It backs local development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	students map[string]Student
	sessions map[string]Session
	records  map[string]Record
	config   *CourseConfig
	activeID string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		students: make(map[string]Student),
		sessions: make(map[string]Session),
		records:  make(map[string]Record),
	}
}

func cloneStudent(st Student) Student {
	st.Fingerprints = append([]string(nil), st.Fingerprints...)
	return st
}

func (m *MemoryStore) GetStudent(_ context.Context, cuenta string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.students[cuenta]
	if !ok {
		return nil, ErrNotFound
	}
	st = cloneStudent(st)
	return &st, nil
}

func (m *MemoryStore) ListStudents(_ context.Context) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Student, 0, len(m.students))
	for _, st := range m.students {
		out = append(out, cloneStudent(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cuenta < out[j].Cuenta })
	return out, nil
}

func (m *MemoryStore) CreateStudent(_ context.Context, st Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[st.Cuenta] = cloneStudent(st)
	return nil
}

func (m *MemoryStore) UpdateStudentName(_ context.Context, cuenta, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[cuenta]
	if !ok {
		return ErrNotFound
	}
	st.Name = name
	m.students[cuenta] = st
	return nil
}

func (m *MemoryStore) SetFingerprints(_ context.Context, cuenta string, fingerprints []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[cuenta]
	if !ok {
		return ErrNotFound
	}
	st.Fingerprints = append([]string{}, fingerprints...)
	m.students[cuenta] = st
	return nil
}

func (m *MemoryStore) DeleteStudents(_ context.Context, cuentas []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cuentas {
		delete(m.students, c)
	}
	return nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID != "" {
		return ErrSessionOpen
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = *s
	if !s.Closed() {
		m.activeID = s.ID
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ActiveSession(_ context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return nil, ErrNotFound
	}
	s := m.sessions[m.activeID]
	return &s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) CountSessions(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

func (m *MemoryStore) UpdateSessionPhase(_ context.Context, id string, phase Phase, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Phase, s.ActiveToken, s.TokenExpiresAt = phase, token, expiresAt
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) UpdateSessionToken(_ context.Context, id, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.ActiveToken, s.TokenExpiresAt = token, expiresAt
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) CloseSession(_ context.Context, id string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Phase = PhaseClosed
	s.ActiveToken = ""
	s.ClosedAt = &closedAt
	m.sessions[id] = s
	if m.activeID == id {
		m.activeID = ""
	}
	return nil
}

func (m *MemoryStore) DeleteSessions(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.sessions, id)
		if m.activeID == id {
			m.activeID = ""
		}
	}
	return nil
}

func (m *MemoryStore) InsertRecord(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRecordLocked(r); err != nil {
		return err
	}
	m.putRecordLocked(r)
	return nil
}

func (m *MemoryStore) CommitCheckIn(_ context.Context, r *Record, enroll *Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRecordLocked(r); err != nil {
		return err
	}
	st, ok := m.students[r.Cuenta]
	switch {
	case ok:
		st = cloneStudent(st)
	case enroll != nil:
		st = cloneStudent(*enroll)
		st.Fingerprints = nil
	default:
		return ErrNotFound
	}
	if r.Fingerprint != "" && !st.HasFingerprint(r.Fingerprint) {
		if len(st.Fingerprints) >= MaxFingerprints {
			return ErrDeviceLimit
		}
		st.Fingerprints = append(st.Fingerprints, r.Fingerprint)
	}
	m.students[st.Cuenta] = st
	m.putRecordLocked(r)
	return nil
}

func (m *MemoryStore) putRecordLocked(r *Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.records[r.ID] = *r
}

func (m *MemoryStore) checkRecordLocked(r *Record) error {
	for _, existing := range m.records {
		if existing.SessionID != r.SessionID || existing.Phase != r.Phase {
			continue
		}
		if existing.Cuenta == r.Cuenta {
			return ErrDuplicateRecord
		}
		if r.Fingerprint != "" && existing.Fingerprint == r.Fingerprint {
			return ErrDeviceClaimed
		}
	}
	return nil
}

func (m *MemoryStore) FindRecord(_ context.Context, sessionID, cuenta string, phase Phase) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.SessionID == sessionID && r.Cuenta == cuenta && r.Phase == phase {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindRecordByDevice(_ context.Context, sessionID string, phase Phase, fingerprint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.SessionID == sessionID && r.Phase == phase && r.Fingerprint == fingerprint {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) filterRecords(keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *MemoryStore) ListRecords(_ context.Context) ([]Record, error) {
	return m.filterRecords(func(Record) bool { return true }), nil
}

func (m *MemoryStore) ListRecordsBySession(_ context.Context, sessionID string) ([]Record, error) {
	return m.filterRecords(func(r Record) bool { return r.SessionID == sessionID }), nil
}

func (m *MemoryStore) ListRecordsByStudent(_ context.Context, cuenta string) ([]Record, error) {
	return m.filterRecords(func(r Record) bool { return r.Cuenta == cuenta }), nil
}

func (m *MemoryStore) ReassignRecord(_ context.Context, r Record, toCuenta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Cuenta = toCuenta
	m.records[r.ID] = existing
	return nil
}

func (m *MemoryStore) DeleteRecords(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		delete(m.records, r.ID)
	}
	return nil
}

func (m *MemoryStore) GetCourseConfig(_ context.Context) (*CourseConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil, ErrNotFound
	}
	cfg := *m.config
	return &cfg, nil
}

func (m *MemoryStore) SaveCourseConfig(_ context.Context, cfg CourseConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &cfg
	return nil
}
