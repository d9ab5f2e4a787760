package attendance

import (
	"context"
	"errors"
	"testing"
)

func TestImportStudents(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	ctx := context.Background()
	_ = store.CreateStudent(ctx, Student{Cuenta: "11111111", Name: "Old Name", Fingerprints: []string{"fp-1"}, RegisteredVia: RegisteredViaSelf, Active: true})

	res, err := svc.ImportStudents(ctx, []RosterEntry{
		{Cuenta: "11111111", Name: " Ana López "},
		{Cuenta: "22222222", Name: "Beto"},
		{Cuenta: "123", Name: "Corto"},
		{Cuenta: "33333333", Name: "X"},
	})
	if err != nil {
		t.Fatalf("ImportStudents: %v", err)
	}
	if res.Created != 1 || res.Updated != 1 || len(res.Errors) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	updated, _ := store.GetStudent(ctx, "11111111")
	if updated.Name != "Ana López" || !updated.HasFingerprint("fp-1") || updated.RegisteredVia != RegisteredViaSelf {
		t.Errorf("import must only rename existing students, got %+v", updated)
	}
	created, _ := store.GetStudent(ctx, "22222222")
	if created.RegisteredVia != RegisteredViaCSV || len(created.Fingerprints) != 0 || !created.Active {
		t.Errorf("unexpected created student %+v", created)
	}

	_, err = svc.ImportStudents(ctx, nil)
	wantRejection(t, err, CodeInvalidInput)
}

func TestMergeStudents(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	ctx := context.Background()

	s1 := mustCreateSession(t, svc)
	if _, err := svc.CheckIn(ctx, checkInReq(s1, "11111111", "typo")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CheckIn(ctx, checkInReq(s1, "22222222", "real")); err != nil {
		t.Fatal(err)
	}
	s1, _ = svc.ChangePhase(ctx, s1.ID, PhaseSalida)
	if _, err := svc.CheckIn(ctx, checkInReq(s1, "11111111", "typo")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CloseSession(ctx, s1.ID, false); err != nil {
		t.Fatal(err)
	}
	s2 := mustCreateSession(t, svc)
	if _, err := svc.CheckIn(ctx, checkInReq(s2, "11111111", "typo")); err != nil {
		t.Fatal(err)
	}

	res, err := svc.MergeStudents(ctx, "11111111", "22222222")
	if err != nil {
		t.Fatalf("MergeStudents: %v", err)
	}
	if res.Transferred != 2 || res.Dropped != 1 {
		t.Errorf("expected 2 transferred and 1 dropped, got %+v", res)
	}
	if res.Message != "2 registro(s) transferidos de 11111111 a 22222222. La cuenta 11111111 fue eliminada." {
		t.Errorf("unexpected message %q", res.Message)
	}

	if _, err := store.GetStudent(ctx, "11111111"); !errors.Is(err, ErrNotFound) {
		t.Errorf("source student should be deleted, got %v", err)
	}
	if left, _ := store.ListRecordsByStudent(ctx, "11111111"); len(left) != 0 {
		t.Errorf("expected no records left on source, got %d", len(left))
	}
	moved, _ := store.ListRecordsByStudent(ctx, "22222222")
	if len(moved) != 3 {
		t.Fatalf("expected 3 records on destination, got %d", len(moved))
	}
	seen := map[string]bool{}
	for _, r := range moved {
		key := r.SessionID + string(r.Phase)
		if seen[key] {
			t.Errorf("duplicate (session, phase) on destination: %+v", r)
		}
		seen[key] = true
	}
}

func TestMergeStudents_Rejections(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	ctx := context.Background()
	_ = store.CreateStudent(ctx, Student{Cuenta: "22222222", Name: "Beto"})

	cases := []struct {
		name, from, to, code, msg string
	}{
		{"missing", "", "22222222", CodeMissingFields, "Se requieren ambas cuentas"},
		{"same", "22222222", "22222222", CodeInvalidMerge, "Las cuentas deben ser diferentes"},
		{"no target", "22222222", "99999999", CodeInvalidMerge, "La cuenta destino 99999999 no existe"},
		{"no records", "11111111", "22222222", CodeInvalidMerge, "No hay registros para la cuenta 11111111"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.MergeStudents(ctx, c.from, c.to)
			rej := wantRejection(t, err, c.code)
			if rej.Message != c.msg {
				t.Errorf("expected %q, got %q", c.msg, rej.Message)
			}
		})
	}
}

func TestResetFingerprints(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	ctx := context.Background()
	_ = store.CreateStudent(ctx, Student{Cuenta: "11111111", Name: "Ana", Fingerprints: []string{"a", "b"}})

	if err := svc.ResetFingerprints(ctx, "11111111"); err != nil {
		t.Fatalf("ResetFingerprints: %v", err)
	}
	st, _ := store.GetStudent(ctx, "11111111")
	if len(st.Fingerprints) != 0 {
		t.Errorf("expected no devices, got %v", st.Fingerprints)
	}
	if err := svc.ResetFingerprints(ctx, "99999999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func seedCourse(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	sess := mustCreateSession(t, svc)
	for _, c := range []string{"11111111", "22222222"} {
		if _, err := svc.CheckIn(ctx, checkInReq(sess, c, "fp-"+c)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.CloseSession(ctx, sess.ID, true); err != nil {
		t.Fatal(err)
	}
	mustCreateSession(t, svc)
}

func TestResetCourse_KeepStudents(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	ctx := context.Background()
	seedCourse(t, svc)

	counts, err := svc.ResetCourse(ctx, true)
	if err != nil {
		t.Fatalf("ResetCourse: %v", err)
	}
	if counts.Records != 4 || counts.Sessions != 2 || counts.Students != 0 {
		t.Errorf("unexpected counts %+v", counts)
	}
	students, _ := store.ListStudents(ctx)
	if len(students) != 2 {
		t.Fatalf("expected roster kept, got %d", len(students))
	}
	for _, st := range students {
		if len(st.Fingerprints) != 0 {
			t.Errorf("expected devices cleared for %s", st.Cuenta)
		}
	}
	if _, err := store.ActiveSession(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no active session after reset, got %v", err)
	}
	// Numbering restarts.
	if sess := mustCreateSession(t, svc); sess.Label != "Clase 1" {
		t.Errorf("expected Clase 1 after reset, got %q", sess.Label)
	}
}

func TestResetCourse_DropStudents(t *testing.T) {
	svc, store, _, _ := newTestService(t, true)
	ctx := context.Background()
	seedCourse(t, svc)

	counts, err := svc.ResetCourse(ctx, false)
	if err != nil {
		t.Fatalf("ResetCourse: %v", err)
	}
	if counts.Students != 2 {
		t.Errorf("expected 2 students deleted, got %+v", counts)
	}
	if students, _ := store.ListStudents(ctx); len(students) != 0 {
		t.Errorf("expected empty roster, got %d", len(students))
	}
}

func TestBatches(t *testing.T) {
	items := make([]int, 1201)
	chunks := batches(items, resetBatchSize)
	if len(chunks) != 3 || len(chunks[0]) != 500 || len(chunks[2]) != 201 {
		t.Errorf("unexpected chunking %d", len(chunks))
	}
	if got := batches([]int{}, 500); len(got) != 0 {
		t.Errorf("expected no chunks, got %d", len(got))
	}
}

func TestStudentAttendance(t *testing.T) {
	svc, _, _, _ := newTestService(t, true)
	ctx := context.Background()
	seedCourse(t, svc)

	got, err := svc.StudentAttendance(ctx, "11111111")
	if err != nil {
		t.Fatalf("StudentAttendance: %v", err)
	}
	if !got.Exists || got.Total != 1 || got.Attended != 1 || got.Percentage != 100 {
		t.Errorf("unexpected %+v", got)
	}
	if got.BestCase != 100 || got.RemainingAbsences != 6 || got.Status != StatusOK {
		t.Errorf("unexpected projection %+v", got)
	}

	missing, err := svc.StudentAttendance(ctx, "99999999")
	if err != nil || missing.Exists {
		t.Errorf("expected exists=false, got %+v, %v", missing, err)
	}
	_, err = svc.StudentAttendance(ctx, "abc")
	wantRejection(t, err, CodeInvalidCuenta)
}

func TestFullReport(t *testing.T) {
	svc, _, _, _ := newTestService(t, true)
	ctx := context.Background()
	seedCourse(t, svc)

	rep, err := svc.FullReport(ctx)
	if err != nil {
		t.Fatalf("FullReport: %v", err)
	}
	if rep.ClosedSessions != 1 || len(rep.Students) != 2 || rep.Course.TotalClasses != 30 {
		t.Errorf("unexpected report %+v", rep)
	}
}
