package attendance

import (
	"regexp"
	"time"
)

// Phase is the check-in window a session is in.
type Phase string

const (
	PhaseEntrada Phase = "entrada"
	PhaseSalida  Phase = "salida"
	PhaseClosed  Phase = "closed"
)

// Valid reports whether p is a phase students can check in to.
func (p Phase) Valid() bool {
	return p == PhaseEntrada || p == PhaseSalida
}

// Label is the user-facing, capitalized phase name.
func (p Phase) Label() string {
	switch p {
	case PhaseEntrada:
		return "Entrada"
	case PhaseSalida:
		return "Salida"
	default:
		return "Cerrada"
	}
}

const (
	// MaxFingerprints is how many devices an account may check in from.
	MaxFingerprints = 2

	// SyntheticToken marks salida records created when a session is closed.
	SyntheticToken = "AUTO-SALIDA"

	RegisteredViaSelf = "self"
	RegisteredViaCSV  = "csv"
)

var cuentaPattern = regexp.MustCompile(`^\d{8,10}$`)

// ValidCuenta reports whether s is an 8 to 10 digit account number.
func ValidCuenta(s string) bool {
	return cuentaPattern.MatchString(s)
}

// Student is a roster entry keyed by account number.
type Student struct {
	Cuenta        string    `json:"cuenta" firestore:"cuenta"`
	Name          string    `json:"name" firestore:"name"`
	Email         string    `json:"email,omitempty" firestore:"email,omitempty"`
	Fingerprints  []string  `json:"fingerprints" firestore:"fingerprints"`
	RegisteredAt  time.Time `json:"registeredAt" firestore:"registeredAt"`
	RegisteredVia string    `json:"registeredVia" firestore:"registeredVia"`
	Active        bool      `json:"active" firestore:"active"`
}

// HasFingerprint reports whether fp is bound to the student.
func (s Student) HasFingerprint(fp string) bool {
	for _, f := range s.Fingerprints {
		if f == fp {
			return true
		}
	}
	return false
}

// Session is one class meeting.
type Session struct {
	ID             string     `json:"id" firestore:"-"`
	Label          string     `json:"label" firestore:"label"`
	Number         int        `json:"number" firestore:"number"`
	Date           time.Time  `json:"date" firestore:"date"`
	Phase          Phase      `json:"phase" firestore:"phase"`
	ActiveToken    string     `json:"activeToken,omitempty" firestore:"activeToken"`
	TokenExpiresAt time.Time  `json:"tokenExpiresAt" firestore:"tokenExpiresAt"`
	CreatedBy      string     `json:"createdBy" firestore:"createdBy"`
	ClosedAt       *time.Time `json:"closedAt,omitempty" firestore:"closedAt"`
}

// Closed reports whether the session reached its terminal phase.
func (s Session) Closed() bool {
	return s.Phase == PhaseClosed
}

// Record is one check-in of a student for one phase of a session.
type Record struct {
	ID          string    `json:"id" firestore:"-"`
	SessionID   string    `json:"sessionId" firestore:"sessionId"`
	Cuenta      string    `json:"cuenta" firestore:"cuenta"`
	Phase       Phase     `json:"phase" firestore:"phase"`
	Timestamp   time.Time `json:"timestamp" firestore:"timestamp"`
	Fingerprint string    `json:"fingerprint" firestore:"fingerprint"`
	TokenUsed   string    `json:"tokenUsed" firestore:"tokenUsed"`
}

// Synthetic reports whether the record was generated on session close.
func (r Record) Synthetic() bool {
	return r.TokenUsed == SyntheticToken
}

// CourseConfig is the instructor-editable course settings document.
type CourseConfig struct {
	MateriaName  string `json:"materiaName" firestore:"materiaName"`
	TotalClasses int    `json:"totalClasses" firestore:"totalClasses"`
	ProfesorName string `json:"profesorName" firestore:"profesorName"`
	Semestre     string `json:"semestre" firestore:"semestre"`
}
