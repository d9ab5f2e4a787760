package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ActiveSession returns the open session, or ErrNotFound when none is open.
func (s *Service) ActiveSession(ctx context.Context) (*Session, error) {
	return s.store.ActiveSession(ctx)
}

// CreateSession opens the next class in the entrada phase with a fresh token.
func (s *Service) CreateSession(ctx context.Context, createdBy string) (*Session, error) {
	n, err := s.store.CountSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	now := s.opts.Now()
	sess := &Session{
		Label:          fmt.Sprintf("Clase %d", n+1),
		Number:         n + 1,
		Date:           now,
		Phase:          PhaseEntrada,
		ActiveToken:    NewToken(),
		TokenExpiresAt: now.Add(s.opts.TokenTTL),
		CreatedBy:      createdBy,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, ErrSessionOpen) {
			return nil, reject(CodeSessionOpen, "Ya hay una sesión abierta. Ciérrala antes de crear otra.")
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info("session created", zap.String("session_id", sess.ID), zap.Int("number", sess.Number), zap.String("created_by", createdBy))
	s.publish(ctx, SessionEvent{
		Type:      EventSessionCreated,
		SessionID: sess.ID,
		Phase:     sess.Phase,
		Token:     sess.ActiveToken,
		ExpiresAt: sess.TokenExpiresAt,
	})
	return sess, nil
}

func (s *Service) openSession(ctx context.Context, id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, reject(CodeMissingFields, "sessionId requerido")
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sess.Closed() {
		return nil, reject(CodeSessionClosed, "Esta sesión ya fue cerrada")
	}
	return sess, nil
}

// ChangePhase moves an open session to phase and issues a new token, so codes
// shown during the previous phase stop working.
func (s *Service) ChangePhase(ctx context.Context, id string, phase Phase) (*Session, error) {
	if !phase.Valid() {
		return nil, reject(CodeInvalidPhase, "phase debe ser 'entrada' o 'salida'")
	}
	sess, err := s.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	token, expires := NewToken(), s.opts.Now().Add(s.opts.TokenTTL)
	if err := s.store.UpdateSessionPhase(ctx, sess.ID, phase, token, expires); err != nil {
		return nil, fmt.Errorf("change phase of %s: %w", sess.ID, err)
	}
	sess.Phase, sess.ActiveToken, sess.TokenExpiresAt = phase, token, expires

	s.log.Info("session phase changed", zap.String("session_id", sess.ID), zap.String("phase", string(phase)))
	s.publish(ctx, SessionEvent{Type: EventSessionPhase, SessionID: sess.ID, Phase: phase, Token: token, ExpiresAt: expires})
	return sess, nil
}

// RotateToken replaces the active token of an open session.
func (s *Service) RotateToken(ctx context.Context, id string) (*Session, error) {
	sess, err := s.openSession(ctx, id)
	if err != nil {
		return nil, err
	}
	token, expires := NewToken(), s.opts.Now().Add(s.opts.TokenTTL)
	if err := s.store.UpdateSessionToken(ctx, sess.ID, token, expires); err != nil {
		return nil, fmt.Errorf("rotate token of %s: %w", sess.ID, err)
	}
	sess.ActiveToken, sess.TokenExpiresAt = token, expires

	s.log.Debug("session token rotated", zap.String("session_id", sess.ID))
	s.publish(ctx, SessionEvent{Type: EventSessionToken, SessionID: sess.ID, Phase: sess.Phase, Token: token, ExpiresAt: expires})
	return sess, nil
}

// RotateExpired rotates the active session's token once it has expired. It
// reports whether a rotation happened.
func (s *Service) RotateExpired(ctx context.Context) (bool, error) {
	sess, err := s.store.ActiveSession(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load active session: %w", err)
	}
	if s.opts.Now().Before(sess.TokenExpiresAt) {
		return false, nil
	}
	if _, err := s.RotateToken(ctx, sess.ID); err != nil {
		return false, err
	}
	return true, nil
}

// CloseResult reports what closing a session did.
type CloseResult struct {
	Session     *Session `json:"session"`
	Synthesized int      `json:"synthesized"`
}

// CloseSession closes an open session. With autoSalida every student that
// checked in to entrada without a salida gets a synthetic salida record.
func (s *Service) CloseSession(ctx context.Context, id string, autoSalida bool) (CloseResult, error) {
	sess, err := s.openSession(ctx, id)
	if err != nil {
		return CloseResult{}, err
	}
	now := s.opts.Now()

	synthesized := 0
	if autoSalida {
		records, err := s.store.ListRecordsBySession(ctx, sess.ID)
		if err != nil {
			return CloseResult{}, fmt.Errorf("list records of %s: %w", sess.ID, err)
		}
		for _, cuenta := range missingSalida(records) {
			rec := Record{
				SessionID: sess.ID,
				Cuenta:    cuenta,
				Phase:     PhaseSalida,
				Timestamp: now,
				TokenUsed: SyntheticToken,
			}
			err := s.store.InsertRecord(ctx, &rec)
			if errors.Is(err, ErrDuplicateRecord) {
				continue
			}
			if err != nil {
				return CloseResult{}, fmt.Errorf("synthesize salida for %s: %w", cuenta, err)
			}
			synthesized++
		}
	}

	if err := s.store.CloseSession(ctx, sess.ID, now); err != nil {
		return CloseResult{}, fmt.Errorf("close session %s: %w", sess.ID, err)
	}
	sess.Phase, sess.ActiveToken, sess.ClosedAt = PhaseClosed, "", &now

	s.log.Info("session closed", zap.String("session_id", sess.ID), zap.Bool("auto_salida", autoSalida), zap.Int("synthesized", synthesized))
	s.publish(ctx, SessionEvent{Type: EventSessionClosed, SessionID: sess.ID, Phase: PhaseClosed, Count: synthesized})
	return CloseResult{Session: sess, Synthesized: synthesized}, nil
}

// missingSalida lists, in first-seen order, the accounts with an entrada
// record and no salida record.
func missingSalida(records []Record) []string {
	salida := make(map[string]bool)
	for _, r := range records {
		if r.Phase == PhaseSalida {
			salida[r.Cuenta] = true
		}
	}
	var out []string
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Phase != PhaseEntrada || salida[r.Cuenta] || seen[r.Cuenta] {
			continue
		}
		seen[r.Cuenta] = true
		out = append(out, r.Cuenta)
	}
	return out
}

// ListSessions returns every session, newest first.
func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	return s.store.ListSessions(ctx)
}

// SessionDetail is a session with its records and the names behind them.
type SessionDetail struct {
	Session Session           `json:"session"`
	Records []Record          `json:"records"`
	Names   map[string]string `json:"names"`
}

// Session loads one session without its records.
func (s *Service) Session(ctx context.Context, id string) (*Session, error) {
	return s.store.GetSession(ctx, id)
}

// SessionDetail loads a session with its records.
func (s *Service) SessionDetail(ctx context.Context, id string) (SessionDetail, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}
	records, err := s.store.ListRecordsBySession(ctx, id)
	if err != nil {
		return SessionDetail{}, fmt.Errorf("list records of %s: %w", id, err)
	}
	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return SessionDetail{}, fmt.Errorf("list students: %w", err)
	}
	names := make(map[string]string, len(students))
	for _, st := range students {
		names[st.Cuenta] = st.Name
	}
	if records == nil {
		records = []Record{}
	}
	return SessionDetail{Session: *sess, Records: records, Names: names}, nil
}

// CourseConfig returns the stored course settings, or defaults built from the
// service options when none were saved.
func (s *Service) CourseConfig(ctx context.Context) (CourseConfig, error) {
	cfg, err := s.store.GetCourseConfig(ctx)
	if errors.Is(err, ErrNotFound) {
		return CourseConfig{TotalClasses: s.opts.TotalClasses}, nil
	}
	if err != nil {
		return CourseConfig{}, fmt.Errorf("load course config: %w", err)
	}
	if cfg.TotalClasses <= 0 {
		cfg.TotalClasses = s.opts.TotalClasses
	}
	return *cfg, nil
}

// SaveCourseConfig validates and stores the course settings.
func (s *Service) SaveCourseConfig(ctx context.Context, cfg CourseConfig) (CourseConfig, error) {
	cfg.MateriaName = strings.TrimSpace(cfg.MateriaName)
	cfg.ProfesorName = strings.TrimSpace(cfg.ProfesorName)
	cfg.Semestre = strings.TrimSpace(cfg.Semestre)
	if cfg.TotalClasses <= 0 || cfg.TotalClasses > 200 {
		return CourseConfig{}, reject(CodeInvalidInput, "El total de clases debe estar entre 1 y 200")
	}
	if err := s.store.SaveCourseConfig(ctx, cfg); err != nil {
		return CourseConfig{}, err
	}
	return cfg, nil
}

// totalClasses is N for projections: the configured course length, falling
// back to the service default.
func (s *Service) totalClasses(ctx context.Context) int {
	cfg, err := s.CourseConfig(ctx)
	if err != nil {
		s.log.Warn("course config unavailable, using default total", zap.Error(err))
		return s.opts.TotalClasses
	}
	return cfg.TotalClasses
}

// RunRotation calls RotateExpired every interval until ctx ends.
func (s *Service) RunRotation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotated, err := s.RotateExpired(ctx)
			if err != nil {
				if rej, ok := AsRejection(err); ok {
					s.log.Debug("rotation skipped", zap.String("reason", rej.Code))
					continue
				}
				s.log.Warn("token rotation failed", zap.Error(err))
				continue
			}
			if rotated {
				s.log.Debug("expired token rotated")
			}
		}
	}
}
