package api

import (
	"go.uber.org/zap"

	"asistencia/internal/attendance"
)

// CheckInObserver records check-in outcomes. *metrics.Metrics satisfies it.
type CheckInObserver interface {
	ObserveCheckIn(err error)
}

type nopObserver struct{}

func (nopObserver) ObserveCheckIn(error) {}

// Handler serves the attendance endpoints.
type Handler struct {
	svc      *attendance.Service
	observer CheckInObserver
	log      *zap.Logger
}

// NewHandler creates a Handler. observer may be nil.
func NewHandler(svc *attendance.Service, observer CheckInObserver, log *zap.Logger) *Handler {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Handler{svc: svc, observer: observer, log: log}
}
