package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Report is the course-wide attendance report.
type Report struct {
	Course         CourseConfig    `json:"course"`
	ClosedSessions int             `json:"closedSessions"`
	Threshold      int             `json:"threshold"`
	Students       []StudentReport `json:"students"`
}

// FullReport computes a row for every student on the roster.
func (s *Service) FullReport(ctx context.Context) (Report, error) {
	course, err := s.CourseConfig(ctx)
	if err != nil {
		return Report{}, err
	}
	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list students: %w", err)
	}
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list records: %w", err)
	}
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sessions: %w", err)
	}
	closed := 0
	for _, sess := range sessions {
		if sess.Closed() {
			closed++
		}
	}
	return Report{
		Course:         course,
		ClosedSessions: closed,
		Threshold:      s.opts.PassingThreshold,
		Students:       BuildReport(students, records, sessions, course.TotalClasses, s.opts.PassingThreshold),
	}, nil
}

// StudentAttendance is what a student sees about themselves.
type StudentAttendance struct {
	Exists            bool   `json:"exists"`
	Name              string `json:"name,omitempty"`
	Attended          int    `json:"attended"`
	Partial           int    `json:"partial"`
	Missed            int    `json:"missed"`
	Total             int    `json:"total"`
	Percentage        int    `json:"percentage"`
	RemainingAbsences int    `json:"remainingAbsences"`
	BestCase          int    `json:"bestCase"`
	Status            Status `json:"status,omitempty"`
}

// StudentAttendance computes the self-service view for cuenta. An unknown
// account yields Exists=false rather than an error.
func (s *Service) StudentAttendance(ctx context.Context, cuenta string) (StudentAttendance, error) {
	cuenta = strings.TrimSpace(cuenta)
	if !ValidCuenta(cuenta) {
		return StudentAttendance{}, reject(CodeInvalidCuenta, "Número de cuenta inválido")
	}
	st, err := s.store.GetStudent(ctx, cuenta)
	if errors.Is(err, ErrNotFound) {
		return StudentAttendance{Exists: false}, nil
	}
	if err != nil {
		return StudentAttendance{}, fmt.Errorf("load student %s: %w", cuenta, err)
	}
	sum, err := s.summary(ctx, cuenta)
	if err != nil {
		return StudentAttendance{}, err
	}
	proj := Project(sum, s.totalClasses(ctx), s.opts.PassingThreshold)
	return StudentAttendance{
		Exists:            true,
		Name:              st.Name,
		Attended:          sum.Attended,
		Partial:           sum.Partial,
		Missed:            sum.Missed,
		Total:             sum.Total,
		Percentage:        sum.Percentage,
		RemainingAbsences: proj.RemainingAbsences,
		BestCase:          proj.BestCase,
		Status:            Classify(sum.Percentage, proj.BestCase, s.opts.PassingThreshold),
	}, nil
}

// StudentDetail is the instructor's per-student page.
type StudentDetail struct {
	Student    Student             `json:"student"`
	Summary    Summary             `json:"summary"`
	Projection Projection          `json:"projection"`
	Status     Status              `json:"status"`
	Sessions   []SessionAttendance `json:"sessions"`
}

// StudentDetail returns the summary, projection and per-session breakdown.
func (s *Service) StudentDetail(ctx context.Context, cuenta string) (StudentDetail, error) {
	st, err := s.store.GetStudent(ctx, cuenta)
	if err != nil {
		return StudentDetail{}, err
	}
	records, err := s.store.ListRecordsByStudent(ctx, cuenta)
	if err != nil {
		return StudentDetail{}, fmt.Errorf("list records of %s: %w", cuenta, err)
	}
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return StudentDetail{}, fmt.Errorf("list sessions: %w", err)
	}
	sum := Calculate(records, sessions, cuenta)
	proj := Project(sum, s.totalClasses(ctx), s.opts.PassingThreshold)
	return StudentDetail{
		Student:    *st,
		Summary:    sum,
		Projection: proj,
		Status:     Classify(sum.Percentage, proj.BestCase, s.opts.PassingThreshold),
		Sessions:   Breakdown(records, sessions, cuenta),
	}, nil
}
