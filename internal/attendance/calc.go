package attendance

import (
	"math"
	"sort"
)

// Status classifies a student against the passing threshold.
type Status string

const (
	StatusOK       Status = "ok"
	StatusRisk     Status = "risk"
	StatusCritical Status = "critical"
)

// Label is the Spanish label used in exports.
func (s Status) Label() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRisk:
		return "En riesgo"
	default:
		return "Crítico"
	}
}

// Summary counts a student's participation over closed sessions.
type Summary struct {
	Attended   int `json:"attended"`
	Partial    int `json:"partial"`
	Missed     int `json:"missed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Credits weighs a partial session as half a complete one.
func (s Summary) Credits() float64 {
	return float64(s.Attended) + float64(s.Partial)*0.5
}

// Projection describes what a student can still reach by the end of the course.
type Projection struct {
	Current           int `json:"current"`
	BestCase          int `json:"bestCase"`
	Needed            int `json:"needed"`
	RemainingAbsences int `json:"remainingAbsences"`
}

type phaseSet map[string]map[Phase]bool

func groupPhases(records []Record, cuenta string) phaseSet {
	out := make(phaseSet)
	for _, r := range records {
		if r.Cuenta != cuenta {
			continue
		}
		if out[r.SessionID] == nil {
			out[r.SessionID] = make(map[Phase]bool, 2)
		}
		out[r.SessionID][r.Phase] = true
	}
	return out
}

// Calculate derives cuenta's summary from the record set and the session set.
// Only closed sessions count; with none closed the percentage is 100.
func Calculate(records []Record, sessions []Session, cuenta string) Summary {
	return tally(groupPhases(records, cuenta), sessions)
}

func tally(phases phaseSet, sessions []Session) Summary {
	var sum Summary
	for _, s := range sessions {
		if !s.Closed() {
			continue
		}
		sum.Total++
		p := phases[s.ID]
		switch {
		case p[PhaseEntrada] && p[PhaseSalida]:
			sum.Attended++
		case p[PhaseEntrada] || p[PhaseSalida]:
			sum.Partial++
		}
	}
	sum.Missed = sum.Total - sum.Attended - sum.Partial
	sum.Percentage = percent(sum.Credits(), sum.Total)
	return sum
}

func percent(credits float64, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(credits / float64(total) * 100))
}

// Project computes the end-of-course outlook for a course of totalClasses
// sessions with a passing threshold given in percent.
func Project(sum Summary, totalClasses, threshold int) Projection {
	credits := sum.Credits()
	minRequired := math.Ceil(float64(totalClasses) * float64(threshold) / 100)
	maxMissable := float64(totalClasses) - minRequired
	currentMissed := float64(sum.Total) - credits

	return Projection{
		Current:           percent(credits, totalClasses),
		BestCase:          percent(credits+float64(totalClasses-sum.Total), totalClasses),
		Needed:            int(math.Max(0, math.Ceil(minRequired-credits))),
		RemainingAbsences: int(math.Max(0, math.Floor(maxMissable-currentMissed))),
	}
}

// Classify returns ok when percentage already meets the threshold, risk when
// the best case still does, critical otherwise.
func Classify(percentage, bestCase, threshold int) Status {
	switch {
	case percentage >= threshold:
		return StatusOK
	case bestCase >= threshold:
		return StatusRisk
	default:
		return StatusCritical
	}
}

// StudentReport is one row of the course report.
type StudentReport struct {
	Cuenta            string `json:"cuenta"`
	Name              string `json:"name"`
	Attended          int    `json:"attended"`
	Partial           int    `json:"partial"`
	Missed            int    `json:"missed"`
	Percentage        int    `json:"percentage"`
	RemainingAbsences int    `json:"remainingAbsences"`
	Status            Status `json:"status"`
}

// BuildReport produces one row per student, ordered by name.
func BuildReport(students []Student, records []Record, sessions []Session, totalClasses, threshold int) []StudentReport {
	byCuenta := make(map[string]phaseSet, len(students))
	for _, r := range records {
		ps := byCuenta[r.Cuenta]
		if ps == nil {
			ps = make(phaseSet)
			byCuenta[r.Cuenta] = ps
		}
		if ps[r.SessionID] == nil {
			ps[r.SessionID] = make(map[Phase]bool, 2)
		}
		ps[r.SessionID][r.Phase] = true
	}

	out := make([]StudentReport, 0, len(students))
	for _, st := range students {
		sum := tally(byCuenta[st.Cuenta], sessions)
		proj := Project(sum, totalClasses, threshold)
		out = append(out, StudentReport{
			Cuenta:            st.Cuenta,
			Name:              st.Name,
			Attended:          sum.Attended,
			Partial:           sum.Partial,
			Missed:            sum.Missed,
			Percentage:        sum.Percentage,
			RemainingAbsences: proj.RemainingAbsences,
			Status:            Classify(sum.Percentage, proj.BestCase, threshold),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Cuenta < out[j].Cuenta
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SessionAttendance is a student's participation in a single session.
type SessionAttendance struct {
	SessionID string  `json:"sessionId"`
	Label     string  `json:"label"`
	Number    int     `json:"number"`
	Phase     Phase   `json:"phase"`
	Entrada   bool    `json:"entrada"`
	Salida    bool    `json:"salida"`
	Credit    float64 `json:"credit"`
}

// Breakdown lists cuenta's participation per session, most recent first.
func Breakdown(records []Record, sessions []Session, cuenta string) []SessionAttendance {
	phases := groupPhases(records, cuenta)
	out := make([]SessionAttendance, 0, len(sessions))
	for _, s := range sessions {
		p := phases[s.ID]
		row := SessionAttendance{
			SessionID: s.ID,
			Label:     s.Label,
			Number:    s.Number,
			Phase:     s.Phase,
			Entrada:   p[PhaseEntrada],
			Salida:    p[PhaseSalida],
		}
		switch {
		case row.Entrada && row.Salida:
			row.Credit = 1
		case row.Entrada || row.Salida:
			row.Credit = 0.5
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out
}
