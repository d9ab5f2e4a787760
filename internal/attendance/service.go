package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Event types pushed to instructor screens.
const (
	EventSessionCreated  = "session.created"
	EventSessionPhase    = "session.phase"
	EventSessionToken    = "session.token"
	EventSessionClosed   = "session.closed"
	EventCheckinAccepted = "checkin.accepted"
)

// SessionEvent describes a change worth showing live.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Phase     Phase     `json:"phase,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Cuenta    string    `json:"cuenta,omitempty"`
	Name      string    `json:"name,omitempty"`
	Count     int       `json:"count,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher fans session events out. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, evt SessionEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, SessionEvent) error { return nil }

// Options tune the service.
type Options struct {
	TokenTTL         time.Duration
	EnforceExpiry    bool
	TotalClasses     int
	PassingThreshold int
	Now              func() time.Time
}

// Service coordinates sessions, check-ins, the roster and reports.
type Service struct {
	store  Store
	events Publisher
	log    *zap.Logger
	opts   Options
}

// NewService creates a service backed by a store. events and log may be nil.
func NewService(store Store, events Publisher, log *zap.Logger, opts Options) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Second
	}
	if opts.TotalClasses <= 0 {
		opts.TotalClasses = 30
	}
	if opts.PassingThreshold <= 0 {
		opts.PassingThreshold = 80
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, events: events, log: log, opts: opts}
}

func (s *Service) publish(ctx context.Context, evt SessionEvent) {
	evt.At = s.opts.Now()
	if err := s.events.Publish(ctx, evt); err != nil {
		s.log.Warn("publish session event failed", zap.String("type", evt.Type), zap.String("session_id", evt.SessionID), zap.Error(err))
	}
}

// CheckInRequest is what a student submits.
type CheckInRequest struct {
	Token       string `json:"token"`
	Cuenta      string `json:"cuenta"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	SessionID   string `json:"sessionId"`
	Phase       Phase  `json:"phase"`
}

// CheckInResult is returned for an accepted check-in.
type CheckInResult struct {
	Message    string   `json:"message"`
	Record     Record   `json:"record"`
	Attendance *Summary `json:"attendance,omitempty"`
}

// CheckIn validates a check-in attempt and records it. Checks run in a fixed
// order and the first failure is returned as a *Rejection before any write.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (CheckInResult, error) {
	req.Token = strings.TrimSpace(req.Token)
	req.Cuenta = strings.TrimSpace(req.Cuenta)
	req.Fingerprint = strings.TrimSpace(req.Fingerprint)
	req.SessionID = strings.TrimSpace(req.SessionID)

	if req.Token == "" || req.Cuenta == "" || req.Fingerprint == "" || req.SessionID == "" || req.Phase == "" {
		return CheckInResult{}, reject(CodeMissingFields, "Faltan campos requeridos")
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if errors.Is(err, ErrNotFound) {
		return CheckInResult{}, reject(CodeSessionNotFound, "Sesión no encontrada o cerrada")
	}
	if err != nil {
		return CheckInResult{}, fmt.Errorf("load session %s: %w", req.SessionID, err)
	}
	if sess.Closed() {
		return CheckInResult{}, reject(CodeSessionClosed, "Esta sesión ya fue cerrada")
	}
	if sess.Phase != req.Phase {
		return CheckInResult{}, rejectf(CodeWrongPhase, "La clase está en fase de %s, no %s", sess.Phase, req.Phase)
	}
	if !TokensMatch(req.Token, sess.ActiveToken) {
		return CheckInResult{}, reject(CodeInvalidToken, "Código inválido o expirado")
	}
	now := s.opts.Now()
	if s.opts.EnforceExpiry && now.After(sess.TokenExpiresAt) {
		return CheckInResult{}, reject(CodeTokenExpired, "Código expirado, espera el siguiente")
	}
	if !ValidCuenta(req.Cuenta) {
		return CheckInResult{}, reject(CodeInvalidCuenta, "Número de cuenta inválido (debe tener 8-10 dígitos)")
	}

	if _, err := s.store.FindRecord(ctx, sess.ID, req.Cuenta, req.Phase); err == nil {
		return CheckInResult{}, errDuplicate(req.Phase)
	} else if !errors.Is(err, ErrNotFound) {
		return CheckInResult{}, fmt.Errorf("find record: %w", err)
	}

	if other, err := s.store.FindRecordByDevice(ctx, sess.ID, req.Phase, req.Fingerprint); err == nil {
		if other.Cuenta != req.Cuenta {
			return CheckInResult{}, errDeviceInUse()
		}
	} else if !errors.Is(err, ErrNotFound) {
		return CheckInResult{}, fmt.Errorf("find device record: %w", err)
	}

	student, err := s.store.GetStudent(ctx, req.Cuenta)
	var enroll *Student
	newDevice := false
	switch {
	case err == nil:
		if !student.HasFingerprint(req.Fingerprint) {
			if len(student.Fingerprints) >= MaxFingerprints {
				return CheckInResult{}, errDeviceUnknown()
			}
			newDevice = true
		}
	case errors.Is(err, ErrNotFound):
		name := strings.TrimSpace(req.Name)
		if name == "" {
			rej := reject(CodeNeedsName, "Primera vez registrándote. Incluye tu nombre completo.")
			rej.NeedsName = true
			return CheckInResult{}, rej
		}
		enroll = &Student{
			Cuenta:        req.Cuenta,
			Name:          name,
			RegisteredAt:  now,
			RegisteredVia: RegisteredViaSelf,
			Active:        true,
		}
		student = enroll
		newDevice = true
	default:
		return CheckInResult{}, fmt.Errorf("load student %s: %w", req.Cuenta, err)
	}

	rec := Record{
		SessionID:   sess.ID,
		Cuenta:      req.Cuenta,
		Phase:       req.Phase,
		Timestamp:   now,
		Fingerprint: req.Fingerprint,
		TokenUsed:   NormalizeToken(req.Token),
	}
	switch err := s.store.CommitCheckIn(ctx, &rec, enroll); {
	case errors.Is(err, ErrDuplicateRecord):
		return CheckInResult{}, errDuplicate(req.Phase)
	case errors.Is(err, ErrDeviceClaimed):
		return CheckInResult{}, errDeviceInUse()
	case errors.Is(err, ErrDeviceLimit):
		return CheckInResult{}, errDeviceUnknown()
	case err != nil:
		return CheckInResult{}, fmt.Errorf("commit check-in: %w", err)
	}

	// The record is stored; a failed summary read only drops it from the reply.
	var attendance *Summary
	if sum, err := s.summary(ctx, req.Cuenta); err != nil {
		s.log.Warn("attendance summary after check-in failed",
			zap.String("cuenta", req.Cuenta),
			zap.Error(err),
		)
	} else {
		attendance = &sum
	}

	s.log.Info("check-in accepted",
		zap.String("session_id", sess.ID),
		zap.String("cuenta", req.Cuenta),
		zap.String("phase", string(req.Phase)),
		zap.Bool("new_device", newDevice),
	)
	s.publish(ctx, SessionEvent{
		Type:      EventCheckinAccepted,
		SessionID: sess.ID,
		Phase:     req.Phase,
		Cuenta:    req.Cuenta,
		Name:      student.Name,
	})

	return CheckInResult{
		Message:    req.Phase.Label() + " registrada correctamente",
		Record:     rec,
		Attendance: attendance,
	}, nil
}

func (s *Service) summary(ctx context.Context, cuenta string) (Summary, error) {
	records, err := s.store.ListRecordsByStudent(ctx, cuenta)
	if err != nil {
		return Summary{}, fmt.Errorf("list records of %s: %w", cuenta, err)
	}
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list sessions: %w", err)
	}
	return Calculate(records, sessions, cuenta), nil
}
