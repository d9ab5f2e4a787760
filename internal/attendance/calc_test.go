package attendance

import (
	"fmt"
	"testing"
	"time"
)

// closedSessions builds n closed sessions s1..sn.
func closedSessions(n int) []Session {
	out := make([]Session, n)
	for i := range out {
		out[i] = Session{ID: fmt.Sprintf("s%d", i+1), Number: i + 1, Phase: PhaseClosed}
	}
	return out
}

// attend adds entrada (and salida when full) records for cuenta in the given sessions.
func attend(records []Record, cuenta string, full bool, sessions ...Session) []Record {
	for _, s := range sessions {
		records = append(records, Record{SessionID: s.ID, Cuenta: cuenta, Phase: PhaseEntrada})
		if full {
			records = append(records, Record{SessionID: s.ID, Cuenta: cuenta, Phase: PhaseSalida})
		}
	}
	return records
}

func TestCalculate_NoClosedSessions(t *testing.T) {
	open := []Session{{ID: "s1", Phase: PhaseEntrada}}
	records := attend(nil, "12345678", true, open...)

	sum := Calculate(records, open, "12345678")
	if sum.Total != 0 || sum.Percentage != 100 {
		t.Errorf("expected 100%% over 0 sessions, got %+v", sum)
	}
}

func TestCalculate_CompletePartialAbsent(t *testing.T) {
	sessions := closedSessions(4)
	var records []Record
	records = attend(records, "12345678", true, sessions[0], sessions[1])
	records = attend(records, "12345678", false, sessions[2])
	// Salida only still counts as partial.
	records = append(records, Record{SessionID: "s4", Cuenta: "87654321", Phase: PhaseSalida})

	sum := Calculate(records, sessions, "12345678")
	if sum.Attended != 2 || sum.Partial != 1 || sum.Missed != 1 || sum.Total != 4 {
		t.Fatalf("unexpected counts %+v", sum)
	}
	// (2 + 0.5) / 4 = 62.5 -> 63
	if sum.Percentage != 63 {
		t.Errorf("expected 63, got %d", sum.Percentage)
	}

	other := Calculate(records, sessions, "87654321")
	if other.Partial != 1 || other.Percentage != 13 {
		t.Errorf("expected one partial at 13%%, got %+v", other)
	}
}

func TestCalculate_IgnoresOpenSessions(t *testing.T) {
	sessions := append(closedSessions(2), Session{ID: "open", Phase: PhaseSalida})
	records := attend(nil, "12345678", true, sessions...)

	sum := Calculate(records, sessions, "12345678")
	if sum.Total != 2 || sum.Attended != 2 || sum.Percentage != 100 {
		t.Errorf("open session must not count: %+v", sum)
	}
}

func TestCalculate_PercentageProperty(t *testing.T) {
	for total := 1; total <= 12; total++ {
		for c := 0; c <= total; c++ {
			for p := 0; c+p <= total; p++ {
				sessions := closedSessions(total)
				records := attend(nil, "12345678", true, sessions[:c]...)
				records = attend(records, "12345678", false, sessions[c:c+p]...)

				sum := Calculate(records, sessions, "12345678")
				want := percent(float64(c)+0.5*float64(p), total)
				if sum.Percentage != want {
					t.Fatalf("total=%d c=%d p=%d: got %d want %d", total, c, p, sum.Percentage, want)
				}
			}
		}
	}
}

func TestProject_AtThreshold(t *testing.T) {
	sessions := closedSessions(30)
	records := attend(nil, "12345678", true, sessions[:24]...)
	sum := Calculate(records, sessions, "12345678")
	proj := Project(sum, 30, 80)

	if sum.Percentage != 80 {
		t.Errorf("expected 80%%, got %d", sum.Percentage)
	}
	if proj.BestCase != 80 || proj.Current != 80 {
		t.Errorf("unexpected projection %+v", proj)
	}
	if proj.RemainingAbsences != 0 || proj.Needed != 0 {
		t.Errorf("expected no slack left, got %+v", proj)
	}
	if got := Classify(sum.Percentage, proj.BestCase, 80); got != StatusOK {
		t.Errorf("expected ok, got %s", got)
	}
}

func TestProject_Critical(t *testing.T) {
	sessions := closedSessions(20)
	records := attend(nil, "12345678", true, sessions[:10]...)
	sum := Calculate(records, sessions, "12345678")
	proj := Project(sum, 30, 80)

	if proj.Current != 33 {
		t.Errorf("expected current 33, got %d", proj.Current)
	}
	if proj.BestCase != 67 {
		t.Errorf("expected best case 67, got %d", proj.BestCase)
	}
	if proj.Needed != 14 {
		t.Errorf("expected 14 needed, got %d", proj.Needed)
	}
	if proj.RemainingAbsences != 0 {
		t.Errorf("expected remaining absences floored at 0, got %d", proj.RemainingAbsences)
	}
	if got := Classify(sum.Percentage, proj.BestCase, 80); got != StatusCritical {
		t.Errorf("expected critical, got %s", got)
	}
}

func TestProject_Risk(t *testing.T) {
	sessions := closedSessions(10)
	records := attend(nil, "12345678", true, sessions[:7]...)
	sum := Calculate(records, sessions, "12345678")
	proj := Project(sum, 30, 80)

	// 70% now, best case (7+20)/30 = 90%.
	if sum.Percentage != 70 || proj.BestCase != 90 {
		t.Fatalf("unexpected %d / %+v", sum.Percentage, proj)
	}
	// max missable 6, missed 3.
	if proj.RemainingAbsences != 3 {
		t.Errorf("expected 3 remaining absences, got %d", proj.RemainingAbsences)
	}
	if got := Classify(sum.Percentage, proj.BestCase, 80); got != StatusRisk {
		t.Errorf("expected risk, got %s", got)
	}
}

func TestBuildReport_SortedByName(t *testing.T) {
	sessions := closedSessions(2)
	students := []Student{
		{Cuenta: "22222222", Name: "Zamora"},
		{Cuenta: "11111111", Name: "Alvarez"},
	}
	records := attend(nil, "22222222", true, sessions...)

	rows := BuildReport(students, records, sessions, 30, 80)
	if len(rows) != 2 || rows[0].Name != "Alvarez" {
		t.Fatalf("expected rows ordered by name, got %+v", rows)
	}
	if rows[1].Percentage != 100 || rows[1].Status != StatusOK {
		t.Errorf("unexpected row %+v", rows[1])
	}
	if rows[0].Missed != 2 || rows[0].Percentage != 0 {
		t.Errorf("unexpected row %+v", rows[0])
	}
}

func TestBreakdown_NewestFirst(t *testing.T) {
	sessions := closedSessions(3)
	sessions = append(sessions, Session{ID: "s4", Number: 4, Phase: PhaseEntrada, Date: time.Now()})
	records := attend(nil, "12345678", true, sessions[0])
	records = attend(records, "12345678", false, sessions[2])

	rows := Breakdown(records, sessions, "12345678")
	if len(rows) != 4 || rows[0].Number != 4 {
		t.Fatalf("expected 4 rows newest first, got %+v", rows)
	}
	if rows[1].Credit != 0.5 || rows[3].Credit != 1 || rows[2].Credit != 0 {
		t.Errorf("unexpected credits %+v", rows)
	}
}
