package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"asistencia/internal/attendance"
	"asistencia/internal/auth"
	"asistencia/internal/httpmiddleware"
	"asistencia/internal/metrics"
)

const instructorToken = "prof-token"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if token != instructorToken {
		return auth.Identity{}, errors.New("unknown token")
	}
	return auth.Identity{UID: "prof-1", Email: "prof@example.edu"}, nil
}

type testAPI struct {
	t      *testing.T
	engine *gin.Engine
	store  *attendance.MemoryStore
}

func newTestAPI(t *testing.T, opts ...func(*Deps)) *testAPI {
	t.Helper()
	store := attendance.NewMemoryStore()
	svc := attendance.NewService(store, nil, zap.NewNop(), attendance.Options{})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	deps := Deps{
		Handler:          NewHandler(svc, m, zap.NewNop()),
		Verifier:         stubVerifier{},
		Sessions:         auth.NewSessionHandlers(stubVerifier{}, 0, false, zap.NewNop()),
		Metrics:          m,
		Gatherer:         reg,
		CheckInLimiter:   httpmiddleware.NewTokenBucket(100, 100),
		CheckInIPLimiter: httpmiddleware.NewTokenBucket(100, 100),
		Health: map[string]HealthCheck{
			"store": func(context.Context) bool { return true },
		},
		AllowedOrigins: []string{"http://localhost:3000"},
		Log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testAPI{t: t, engine: NewRouter(deps), store: store}
}

func (a *testAPI) do(method, path string, body any, instructor bool) *httptest.ResponseRecorder {
	a.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if instructor {
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: instructorToken})
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func (a *testAPI) createSession() (id, token string) {
	a.t.Helper()
	w := a.do(http.MethodPost, "/api/session/create", nil, true)
	if w.Code != http.StatusOK {
		a.t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	body := decode(a.t, w)
	return body["sessionId"].(string), body["token"].(string)
}

func TestInstructorRoutesRequireAuth(t *testing.T) {
	a := newTestAPI(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/session/create"},
		{http.MethodGet, "/api/students"},
		{http.MethodGet, "/api/reports"},
		{http.MethodPost, "/api/reset-course"},
		{http.MethodGet, "/api/config"},
	} {
		if w := a.do(route.method, route.path, nil, false); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status %d, want 401", route.method, route.path, w.Code)
		}
	}
}

func TestActiveSession(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(http.MethodGet, "/api/session/active", nil, false)
	if body := decode(t, w); body["active"] != false {
		t.Fatalf("expected no active session, got %v", body)
	}

	id, _ := a.createSession()
	body := decode(t, a.do(http.MethodGet, "/api/session/active", nil, false))
	if body["active"] != true || body["sessionId"] != id || body["phase"] != "entrada" {
		t.Fatalf("unexpected active session %v", body)
	}
	if _, leaked := body["token"]; leaked {
		t.Error("public endpoint must not expose the token")
	}

	w = a.do(http.MethodPost, "/api/session/create", nil, true)
	if w.Code != http.StatusBadRequest || decode(t, w)["code"] != attendance.CodeSessionOpen {
		t.Fatalf("second create: %d %s", w.Code, w.Body.String())
	}
}

func TestCheckInFlow(t *testing.T) {
	a := newTestAPI(t)
	id, token := a.createSession()

	req := map[string]any{
		"token":       strings.ToLower(token),
		"cuenta":      "31245678",
		"fingerprint": "fp-1",
		"sessionId":   id,
		"phase":       "entrada",
	}
	w := a.do(http.MethodPost, "/api/checkin", req, false)
	body := decode(t, w)
	if w.Code != http.StatusBadRequest || body["needsName"] != true {
		t.Fatalf("expected needsName rejection, got %d %v", w.Code, body)
	}

	req["name"] = "Ana López"
	w = a.do(http.MethodPost, "/api/checkin", req, false)
	body = decode(t, w)
	if w.Code != http.StatusOK || body["message"] != "Entrada registrada correctamente" {
		t.Fatalf("check-in: %d %v", w.Code, body)
	}

	w = a.do(http.MethodPost, "/api/checkin", req, false)
	body = decode(t, w)
	if w.Code != http.StatusBadRequest || body["message"] != "Ya registraste tu entrada" || body["success"] != false {
		t.Fatalf("duplicate: %d %v", w.Code, body)
	}

	w = a.do(http.MethodPost, "/api/session/change-phase", map[string]any{"sessionId": id, "phase": "salida"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("change phase: %d %s", w.Code, w.Body.String())
	}
	w = a.do(http.MethodPost, "/api/checkin", req, false)
	if w.Code != http.StatusBadRequest || decode(t, w)["code"] != attendance.CodeWrongPhase {
		t.Fatalf("entrada during salida: %d %s", w.Code, w.Body.String())
	}

	w = a.do(http.MethodPost, "/api/session/close", map[string]any{"sessionId": id, "autoSalida": true}, true)
	body = decode(t, w)
	if w.Code != http.StatusOK || body["synthesized"] != float64(1) {
		t.Fatalf("close: %d %v", w.Code, body)
	}

	w = a.do(http.MethodGet, "/api/student/attendance?cuenta=31245678", nil, false)
	body = decode(t, w)
	if body["exists"] != true || body["attended"] != float64(1) || body["percentage"] != float64(100) {
		t.Fatalf("student attendance: %v", body)
	}
}

func TestCheckIn_RateLimitedPerCuenta(t *testing.T) {
	a := newTestAPI(t, func(d *Deps) {
		d.CheckInLimiter = httpmiddleware.NewTokenBucket(1, 1)
	})
	id, token := a.createSession()

	checkIn := func(cuenta, fp string) *httptest.ResponseRecorder {
		return a.do(http.MethodPost, "/api/checkin", map[string]any{
			"token":       token,
			"cuenta":      cuenta,
			"name":        "Alumno " + cuenta,
			"fingerprint": fp,
			"sessionId":   id,
			"phase":       "entrada",
		}, false)
	}

	// Every request comes from the same address.
	for i, cuenta := range []string{"31245678", "31245679", "31245680"} {
		if w := checkIn(cuenta, "fp-"+cuenta); w.Code != http.StatusOK {
			t.Fatalf("student %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	if w := checkIn("31245678", "fp-31245678"); w.Code != http.StatusTooManyRequests {
		t.Errorf("repeat from the same cuenta: status %d, want 429", w.Code)
	}
}

func TestStudentAttendance_Lookup(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(http.MethodGet, "/api/student/attendance?cuenta=12", nil, false); w.Code != http.StatusBadRequest {
		t.Errorf("invalid cuenta: status %d", w.Code)
	}
	w := a.do(http.MethodGet, "/api/student/attendance?cuenta=12345678", nil, false)
	if body := decode(t, w); w.Code != http.StatusOK || body["exists"] != false {
		t.Errorf("unknown student: %d %v", w.Code, body)
	}
}

func TestSessionNotFound(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(http.MethodGet, "/api/session/missing", nil, true); w.Code != http.StatusNotFound {
		t.Errorf("detail: status %d, want 404", w.Code)
	}
	w := a.do(http.MethodPost, "/api/session/rotate-token", map[string]any{"sessionId": "missing"}, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("rotate: status %d, want 404", w.Code)
	}
}

func TestSessionQR(t *testing.T) {
	a := newTestAPI(t)
	id, _ := a.createSession()
	w := a.do(http.MethodGet, "/api/session/"+id+"/qr.png", nil, true)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr: %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

// rosterlessStore serves sessions but fails every bulk read.
type rosterlessStore struct {
	*attendance.MemoryStore
}

func (rosterlessStore) ListStudents(context.Context) ([]attendance.Student, error) {
	return nil, errors.New("roster unavailable")
}

func (rosterlessStore) ListRecordsBySession(context.Context, string) ([]attendance.Record, error) {
	return nil, errors.New("records unavailable")
}

func TestSessionQR_ReadsOnlyTheSession(t *testing.T) {
	ctx := context.Background()
	svc := attendance.NewService(rosterlessStore{attendance.NewMemoryStore()}, nil, zap.NewNop(), attendance.Options{})
	sess, err := svc.CreateSession(ctx, "prof-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	a := newTestAPI(t, func(d *Deps) {
		d.Handler = NewHandler(svc, nil, zap.NewNop())
	})

	if w := a.do(http.MethodGet, "/api/session/"+sess.ID+"/qr.png", nil, true); w.Code != http.StatusOK {
		t.Fatalf("qr: %d %s", w.Code, w.Body.String())
	}
	if w := a.do(http.MethodGet, "/api/session/missing/qr.png", nil, true); w.Code != http.StatusNotFound {
		t.Errorf("missing session: status %d, want 404", w.Code)
	}
	if _, err := svc.CloseSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if w := a.do(http.MethodGet, "/api/session/"+sess.ID+"/qr.png", nil, true); w.Code != http.StatusConflict {
		t.Errorf("closed session: status %d, want 409", w.Code)
	}
}

func TestUploadStudents(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/api/students/upload", map[string]any{
		"students": []map[string]string{
			{"cuenta": "31245678", "name": "Ana López"},
			{"cuenta": "12", "name": "Mal"},
		},
	}, true)
	body := decode(t, w)
	if w.Code != http.StatusOK || body["created"] != float64(1) || len(body["errors"].([]any)) != 1 {
		t.Fatalf("json upload: %d %v", w.Code, body)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "lista.csv")
	_, _ = fw.Write([]byte("Cuenta;Nombre Completo\n31245678;Ana María López\n41234567;Luis Pérez\n"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/students/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: instructorToken})
	w = httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	body = decode(t, w)
	if w.Code != http.StatusOK || body["created"] != float64(1) || body["updated"] != float64(1) {
		t.Fatalf("csv upload: %d %v", w.Code, body)
	}

	w = a.do(http.MethodGet, "/api/students", nil, true)
	if n := len(decode(t, w)["students"].([]any)); n != 2 {
		t.Errorf("roster has %d students, want 2", n)
	}

	w = a.do(http.MethodPost, "/api/students/upload", map[string]any{"students": []any{}}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty upload: status %d", w.Code)
	}
}

func TestMergeStudents_Rejection(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(http.MethodPost, "/api/students/merge", map[string]string{"fromCuenta": "31245678", "toCuenta": "31245678"}, true)
	if body := decode(t, w); w.Code != http.StatusBadRequest || body["message"] != "Las cuentas deben ser diferentes" {
		t.Fatalf("merge: %d %v", w.Code, body)
	}
}

func TestReportExports(t *testing.T) {
	a := newTestAPI(t)
	a.do(http.MethodPost, "/api/students/upload", map[string]any{
		"students": []map[string]string{{"cuenta": "31245678", "name": "Ana López"}},
	}, true)

	w := a.do(http.MethodGet, "/api/reports/export.csv", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("csv export: %d", w.Code)
	}
	if !strings.HasPrefix(w.Body.String(), "\uFEFFCuenta,Nombre") {
		t.Errorf("csv export missing BOM or header: %q", w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "asistencia.csv") {
		t.Errorf("Content-Disposition = %q", w.Header().Get("Content-Disposition"))
	}

	w = a.do(http.MethodGet, "/api/reports/export.xlsx", nil, true)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != xlsxContentType {
		t.Fatalf("xlsx export: %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	w = a.do(http.MethodGet, "/api/reports/31245678", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("student report: %d %s", w.Code, w.Body.String())
	}
}

func TestConfig(t *testing.T) {
	a := newTestAPI(t)
	body := decode(t, a.do(http.MethodGet, "/api/config", nil, true))
	if body["totalClasses"] != float64(30) {
		t.Fatalf("default config: %v", body)
	}
	w := a.do(http.MethodPut, "/api/config", map[string]any{"totalClasses": 0}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid config: status %d", w.Code)
	}
	w = a.do(http.MethodPut, "/api/config", map[string]any{"totalClasses": 16, "materiaName": "Redes"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("save config: %d %s", w.Code, w.Body.String())
	}
	if body := decode(t, a.do(http.MethodGet, "/api/config", nil, true)); body["totalClasses"] != float64(16) {
		t.Errorf("saved config not returned: %v", body)
	}
}

func TestResetCourse(t *testing.T) {
	a := newTestAPI(t)
	a.createSession()
	w := a.do(http.MethodPost, "/api/reset-course", map[string]bool{"keepStudents": true}, true)
	body := decode(t, w)
	if w.Code != http.StatusOK || body["deleted"].(map[string]any)["sessions"] != float64(1) {
		t.Fatalf("reset: %d %v", w.Code, body)
	}
	if body := decode(t, a.do(http.MethodGet, "/api/session/active", nil, false)); body["active"] != false {
		t.Errorf("session survived reset: %v", body)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(http.MethodGet, "/healthz", nil, false); w.Code != http.StatusOK {
		t.Errorf("healthz: %d", w.Code)
	}
	a.do(http.MethodPost, "/api/checkin", map[string]any{}, false)
	w := a.do(http.MethodGet, "/metrics", nil, false)
	if !strings.Contains(w.Body.String(), "asistencia_checkins_total") {
		t.Errorf("metrics output lacks check-in counter")
	}
}

func TestHealthz_Degraded(t *testing.T) {
	engine := NewRouter(Deps{
		Handler:  NewHandler(attendance.NewService(attendance.NewMemoryStore(), nil, nil, attendance.Options{}), nil, zap.NewNop()),
		Verifier: stubVerifier{},
		Health:   map[string]HealthCheck{"redis": func(context.Context) bool { return false }},
		Log:      zap.NewNop(),
	})
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", w.Code)
	}
}
