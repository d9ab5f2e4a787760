package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// resetBatchSize bounds each delete call during a course reset.
const resetBatchSize = 500

// RosterEntry is one student row to import.
type RosterEntry struct {
	Cuenta string `json:"cuenta"`
	Name   string `json:"name"`
}

// ImportResult counts what an import did. Errors lists rejected rows.
type ImportResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

// ListStudents returns the roster.
func (s *Service) ListStudents(ctx context.Context) ([]Student, error) {
	return s.store.ListStudents(ctx)
}

// ImportStudents creates new students and renames existing ones. Existing
// fingerprints and attendance history are left untouched.
func (s *Service) ImportStudents(ctx context.Context, entries []RosterEntry) (ImportResult, error) {
	if len(entries) == 0 {
		return ImportResult{}, reject(CodeInvalidInput, "No hay alumnos para subir")
	}
	res := ImportResult{Errors: []string{}}
	now := s.opts.Now()
	for _, e := range entries {
		cuenta := strings.TrimSpace(e.Cuenta)
		name := strings.TrimSpace(e.Name)
		if !ValidCuenta(cuenta) {
			res.Errors = append(res.Errors, "Cuenta inválida: "+cuenta)
			continue
		}
		if len([]rune(name)) < 2 {
			res.Errors = append(res.Errors, "Nombre inválido para cuenta "+cuenta)
			continue
		}

		_, err := s.store.GetStudent(ctx, cuenta)
		switch {
		case err == nil:
			if err := s.store.UpdateStudentName(ctx, cuenta, name); err != nil {
				return res, fmt.Errorf("rename %s: %w", cuenta, err)
			}
			res.Updated++
		case errors.Is(err, ErrNotFound):
			st := Student{
				Cuenta:        cuenta,
				Name:          name,
				Fingerprints:  []string{},
				RegisteredAt:  now,
				RegisteredVia: RegisteredViaCSV,
				Active:        true,
			}
			if err := s.store.CreateStudent(ctx, st); err != nil {
				return res, fmt.Errorf("create %s: %w", cuenta, err)
			}
			res.Created++
		default:
			return res, fmt.Errorf("load %s: %w", cuenta, err)
		}
	}
	s.log.Info("roster imported", zap.Int("created", res.Created), zap.Int("updated", res.Updated), zap.Int("rejected", len(res.Errors)))
	return res, nil
}

// MergeResult reports a merge.
type MergeResult struct {
	Transferred int    `json:"transferred"`
	Dropped     int    `json:"dropped"`
	Message     string `json:"message"`
}

// MergeStudents moves every record of from onto to, dropping records for a
// (session, phase) the destination already has, then deletes from.
func (s *Service) MergeStudents(ctx context.Context, from, to string) (MergeResult, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return MergeResult{}, reject(CodeMissingFields, "Se requieren ambas cuentas")
	}
	if from == to {
		return MergeResult{}, reject(CodeInvalidMerge, "Las cuentas deben ser diferentes")
	}
	if _, err := s.store.GetStudent(ctx, to); err != nil {
		if errors.Is(err, ErrNotFound) {
			return MergeResult{}, rejectf(CodeInvalidMerge, "La cuenta destino %s no existe", to)
		}
		return MergeResult{}, fmt.Errorf("load %s: %w", to, err)
	}

	source, err := s.store.ListRecordsByStudent(ctx, from)
	if err != nil {
		return MergeResult{}, fmt.Errorf("list records of %s: %w", from, err)
	}
	if len(source) == 0 {
		return MergeResult{}, rejectf(CodeInvalidMerge, "No hay registros para la cuenta %s", from)
	}
	dest, err := s.store.ListRecordsByStudent(ctx, to)
	if err != nil {
		return MergeResult{}, fmt.Errorf("list records of %s: %w", to, err)
	}
	have := make(map[string]bool, len(dest))
	for _, r := range dest {
		have[r.SessionID+"/"+string(r.Phase)] = true
	}

	var res MergeResult
	var drop []Record
	for _, r := range source {
		if have[r.SessionID+"/"+string(r.Phase)] {
			drop = append(drop, r)
			continue
		}
		err := s.store.ReassignRecord(ctx, r, to)
		if errors.Is(err, ErrDuplicateRecord) {
			drop = append(drop, r)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("reassign record %s: %w", r.ID, err)
		}
		res.Transferred++
	}
	if len(drop) > 0 {
		if err := s.store.DeleteRecords(ctx, drop); err != nil {
			return res, fmt.Errorf("delete duplicate records: %w", err)
		}
	}
	res.Dropped = len(drop)

	if err := s.store.DeleteStudents(ctx, []string{from}); err != nil {
		return res, fmt.Errorf("delete %s: %w", from, err)
	}
	res.Message = fmt.Sprintf("%d registro(s) transferidos de %s a %s. La cuenta %s fue eliminada.", res.Transferred, from, to, from)

	s.log.Info("students merged", zap.String("from", from), zap.String("to", to), zap.Int("transferred", res.Transferred), zap.Int("dropped", res.Dropped))
	return res, nil
}

// ResetFingerprints unbinds every device of a student.
func (s *Service) ResetFingerprints(ctx context.Context, cuenta string) error {
	if err := s.store.SetFingerprints(ctx, cuenta, nil); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("reset fingerprints of %s: %w", cuenta, err)
	}
	s.log.Info("fingerprints reset", zap.String("cuenta", cuenta))
	return nil
}

// ResetCounts reports how much a course reset removed.
type ResetCounts struct {
	Records  int `json:"records"`
	Sessions int `json:"sessions"`
	Students int `json:"students"`
}

// ResetCourse deletes every record and session in fixed size batches. With
// keepStudents the roster stays and only its device bindings are cleared.
// Batches are independent; a failure midway leaves earlier batches deleted.
func (s *Service) ResetCourse(ctx context.Context, keepStudents bool) (ResetCounts, error) {
	var counts ResetCounts

	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return counts, fmt.Errorf("list records: %w", err)
	}
	for _, chunk := range batches(records, resetBatchSize) {
		if err := s.store.DeleteRecords(ctx, chunk); err != nil {
			return counts, fmt.Errorf("delete records: %w", err)
		}
		counts.Records += len(chunk)
	}

	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return counts, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	for _, chunk := range batches(ids, resetBatchSize) {
		if err := s.store.DeleteSessions(ctx, chunk); err != nil {
			return counts, fmt.Errorf("delete sessions: %w", err)
		}
		counts.Sessions += len(chunk)
	}

	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return counts, fmt.Errorf("list students: %w", err)
	}
	if keepStudents {
		for _, st := range students {
			if len(st.Fingerprints) == 0 {
				continue
			}
			if err := s.store.SetFingerprints(ctx, st.Cuenta, nil); err != nil {
				return counts, fmt.Errorf("clear fingerprints of %s: %w", st.Cuenta, err)
			}
		}
	} else {
		cuentas := make([]string, len(students))
		for i, st := range students {
			cuentas[i] = st.Cuenta
		}
		for _, chunk := range batches(cuentas, resetBatchSize) {
			if err := s.store.DeleteStudents(ctx, chunk); err != nil {
				return counts, fmt.Errorf("delete students: %w", err)
			}
			counts.Students += len(chunk)
		}
	}

	s.log.Warn("course reset",
		zap.Bool("keep_students", keepStudents),
		zap.Int("records", counts.Records),
		zap.Int("sessions", counts.Sessions),
		zap.Int("students", counts.Students),
	)
	return counts, nil
}

func batches[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
