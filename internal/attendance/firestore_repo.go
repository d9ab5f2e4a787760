package attendance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Collection names.
const (
	colStudents     = "students"
	colSessions     = "sessions"
	colRecords      = "records"
	colDeviceClaims = "deviceClaims"
	colMeta         = "meta"
	colConfig       = "config"

	docActive  = "active"
	docGeneral = "general"
)

// FirestoreStore persists attendance data in Cloud Firestore. Records are keyed
// by (session, cuenta, phase) and device claims by (session, phase, device), so
// transactional Create calls reject duplicates.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an initialized Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

type activePointer struct {
	SessionID string `firestore:"sessionId"`
}

type deviceClaim struct {
	SessionID string    `firestore:"sessionId"`
	Phase     Phase     `firestore:"phase"`
	Cuenta    string    `firestore:"cuenta"`
	ClaimedAt time.Time `firestore:"claimedAt"`
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func recordKey(sessionID, cuenta string, phase Phase) string {
	return sessionID + "_" + cuenta + "_" + string(phase)
}

// Fingerprints are client supplied; hashing keeps them valid as document ids.
func claimKey(sessionID string, phase Phase, fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return sessionID + "_" + string(phase) + "_" + hex.EncodeToString(sum[:12])
}

func (f *FirestoreStore) activeRef() *firestore.DocumentRef {
	return f.client.Collection(colMeta).Doc(docActive)
}

func (f *FirestoreStore) GetStudent(ctx context.Context, cuenta string) (*Student, error) {
	snap, err := f.client.Collection(colStudents).Doc(cuenta).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var st Student
	if err := snap.DataTo(&st); err != nil {
		return nil, fmt.Errorf("decode student %s: %w", cuenta, err)
	}
	return &st, nil
}

func (f *FirestoreStore) ListStudents(ctx context.Context) ([]Student, error) {
	snaps, err := f.client.Collection(colStudents).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]Student, 0, len(snaps))
	for _, snap := range snaps {
		var st Student
		if err := snap.DataTo(&st); err != nil {
			return nil, fmt.Errorf("decode student %s: %w", snap.Ref.ID, err)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cuenta < out[j].Cuenta })
	return out, nil
}

func (f *FirestoreStore) CreateStudent(ctx context.Context, st Student) error {
	if st.Fingerprints == nil {
		st.Fingerprints = []string{}
	}
	_, err := f.client.Collection(colStudents).Doc(st.Cuenta).Set(ctx, st)
	return err
}

func (f *FirestoreStore) updateStudent(ctx context.Context, cuenta string, updates []firestore.Update) error {
	_, err := f.client.Collection(colStudents).Doc(cuenta).Update(ctx, updates)
	if isNotFound(err) {
		return ErrNotFound
	}
	return err
}

func (f *FirestoreStore) UpdateStudentName(ctx context.Context, cuenta, name string) error {
	return f.updateStudent(ctx, cuenta, []firestore.Update{{Path: "name", Value: name}})
}

func (f *FirestoreStore) SetFingerprints(ctx context.Context, cuenta string, fingerprints []string) error {
	if fingerprints == nil {
		fingerprints = []string{}
	}
	return f.updateStudent(ctx, cuenta, []firestore.Update{{Path: "fingerprints", Value: fingerprints}})
}

func (f *FirestoreStore) DeleteStudents(ctx context.Context, cuentas []string) error {
	refs := make([]*firestore.DocumentRef, len(cuentas))
	for i, c := range cuentas {
		refs[i] = f.client.Collection(colStudents).Doc(c)
	}
	return f.deleteAll(ctx, refs)
}

// deleteAll removes refs through a BulkWriter, which batches and throttles
// writes on its own.
func (f *FirestoreStore) deleteAll(ctx context.Context, refs []*firestore.DocumentRef) error {
	if len(refs) == 0 {
		return nil
	}
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for _, ref := range refs {
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("queue delete %s: %w", ref.Path, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// CreateSession allocates the session document and points meta/active at it
// in one transaction.
func (f *FirestoreStore) CreateSession(ctx context.Context, s *Session) error {
	ref := f.client.Collection(colSessions).NewDoc()
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(f.activeRef())
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil {
			var p activePointer
			if err := snap.DataTo(&p); err != nil {
				return err
			}
			if p.SessionID != "" {
				return ErrSessionOpen
			}
		}
		if err := tx.Create(ref, s); err != nil {
			return err
		}
		if s.Closed() {
			return nil
		}
		return tx.Set(f.activeRef(), activePointer{SessionID: ref.ID})
	})
	if err != nil {
		return err
	}
	s.ID = ref.ID
	return nil
}

func decodeSession(snap *firestore.DocumentSnapshot) (Session, error) {
	var s Session
	if err := snap.DataTo(&s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", snap.Ref.ID, err)
	}
	s.ID = snap.Ref.ID
	return s, nil
}

func (f *FirestoreStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	snap, err := f.client.Collection(colSessions).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s, err := decodeSession(snap)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveSession follows the meta/active pointer instead of scanning sessions.
func (f *FirestoreStore) ActiveSession(ctx context.Context) (*Session, error) {
	snap, err := f.activeRef().Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p activePointer
	if err := snap.DataTo(&p); err != nil {
		return nil, err
	}
	s, err := f.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if s.Closed() {
		return nil, ErrNotFound
	}
	return s, nil
}

func (f *FirestoreStore) ListSessions(ctx context.Context) ([]Session, error) {
	snaps, err := f.client.Collection(colSessions).OrderBy("date", firestore.Desc).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(snaps))
	for _, snap := range snaps {
		s, err := decodeSession(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *FirestoreStore) CountSessions(ctx context.Context) (int, error) {
	snaps, err := f.client.Collection(colSessions).Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	return len(snaps), nil
}

func (f *FirestoreStore) updateSession(ctx context.Context, id string, updates []firestore.Update) error {
	_, err := f.client.Collection(colSessions).Doc(id).Update(ctx, updates)
	if isNotFound(err) {
		return ErrNotFound
	}
	return err
}

func (f *FirestoreStore) UpdateSessionPhase(ctx context.Context, id string, phase Phase, token string, expiresAt time.Time) error {
	return f.updateSession(ctx, id, []firestore.Update{
		{Path: "phase", Value: phase},
		{Path: "activeToken", Value: token},
		{Path: "tokenExpiresAt", Value: expiresAt},
	})
}

func (f *FirestoreStore) UpdateSessionToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	return f.updateSession(ctx, id, []firestore.Update{
		{Path: "activeToken", Value: token},
		{Path: "tokenExpiresAt", Value: expiresAt},
	})
}

// CloseSession marks the session closed and clears meta/active when it points here.
func (f *FirestoreStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	ref := f.client.Collection(colSessions).Doc(id)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		active, err := tx.Get(f.activeRef())
		if err != nil && !isNotFound(err) {
			return err
		}
		clearActive := false
		if err == nil {
			var p activePointer
			if err := active.DataTo(&p); err != nil {
				return err
			}
			clearActive = p.SessionID == id
		}
		if err := tx.Update(ref, []firestore.Update{
			{Path: "phase", Value: PhaseClosed},
			{Path: "activeToken", Value: ""},
			{Path: "closedAt", Value: closedAt},
		}); err != nil {
			return err
		}
		if clearActive {
			return tx.Delete(f.activeRef())
		}
		return nil
	})
}

func (f *FirestoreStore) DeleteSessions(ctx context.Context, ids []string) error {
	refs := make([]*firestore.DocumentRef, len(ids))
	drop := make(map[string]bool, len(ids))
	for i, id := range ids {
		refs[i] = f.client.Collection(colSessions).Doc(id)
		drop[id] = true
	}
	if err := f.deleteAll(ctx, refs); err != nil {
		return err
	}

	snap, err := f.activeRef().Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	var p activePointer
	if err := snap.DataTo(&p); err != nil {
		return err
	}
	if drop[p.SessionID] {
		_, err = f.activeRef().Delete(ctx)
	}
	return err
}

// InsertRecord creates the record and its device claim in one transaction.
// The read checks mirror the validator's so concurrent check-ins cannot both pass.
func (f *FirestoreStore) InsertRecord(ctx context.Context, r *Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	recRef := f.client.Collection(colRecords).Doc(recordKey(r.SessionID, r.Cuenta, r.Phase))
	var claimRef *firestore.DocumentRef
	if r.Fingerprint != "" {
		claimRef = f.client.Collection(colDeviceClaims).Doc(claimKey(r.SessionID, r.Phase, r.Fingerprint))
	}

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(recRef); err == nil {
			return ErrDuplicateRecord
		} else if !isNotFound(err) {
			return err
		}
		if claimRef != nil {
			snap, err := tx.Get(claimRef)
			switch {
			case err == nil:
				var c deviceClaim
				if err := snap.DataTo(&c); err != nil {
					return err
				}
				if c.Cuenta != r.Cuenta {
					return ErrDeviceClaimed
				}
			case !isNotFound(err):
				return err
			}
		}
		if err := tx.Create(recRef, r); err != nil {
			return err
		}
		if claimRef == nil {
			return nil
		}
		return tx.Set(claimRef, deviceClaim{
			SessionID: r.SessionID,
			Phase:     r.Phase,
			Cuenta:    r.Cuenta,
			ClaimedAt: r.Timestamp,
		})
	})
	if status.Code(err) == codes.AlreadyExists {
		return ErrDuplicateRecord
	}
	if err != nil {
		return err
	}
	r.ID = recRef.ID
	return nil
}

// CommitCheckIn runs the InsertRecord checks and the student enroll/bind in
// one transaction. All reads happen before the first write.
func (f *FirestoreStore) CommitCheckIn(ctx context.Context, r *Record, enroll *Student) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	recRef := f.client.Collection(colRecords).Doc(recordKey(r.SessionID, r.Cuenta, r.Phase))
	stRef := f.client.Collection(colStudents).Doc(r.Cuenta)
	var claimRef *firestore.DocumentRef
	if r.Fingerprint != "" {
		claimRef = f.client.Collection(colDeviceClaims).Doc(claimKey(r.SessionID, r.Phase, r.Fingerprint))
	}

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(recRef); err == nil {
			return ErrDuplicateRecord
		} else if !isNotFound(err) {
			return err
		}
		if claimRef != nil {
			snap, err := tx.Get(claimRef)
			switch {
			case err == nil:
				var c deviceClaim
				if err := snap.DataTo(&c); err != nil {
					return err
				}
				if c.Cuenta != r.Cuenta {
					return ErrDeviceClaimed
				}
			case !isNotFound(err):
				return err
			}
		}

		var st Student
		exists := true
		snap, err := tx.Get(stRef)
		switch {
		case err == nil:
			if err := snap.DataTo(&st); err != nil {
				return fmt.Errorf("decode student %s: %w", r.Cuenta, err)
			}
		case !isNotFound(err):
			return err
		case enroll == nil:
			return ErrNotFound
		default:
			exists = false
			st = *enroll
			st.Fingerprints = []string{}
		}

		bind := r.Fingerprint != "" && !st.HasFingerprint(r.Fingerprint)
		if bind {
			if len(st.Fingerprints) >= MaxFingerprints {
				return ErrDeviceLimit
			}
			st.Fingerprints = append(st.Fingerprints, r.Fingerprint)
		}
		switch {
		case !exists:
			if err := tx.Create(stRef, st); err != nil {
				return err
			}
		case bind:
			if err := tx.Update(stRef, []firestore.Update{{Path: "fingerprints", Value: st.Fingerprints}}); err != nil {
				return err
			}
		}

		if err := tx.Create(recRef, r); err != nil {
			return err
		}
		if claimRef == nil {
			return nil
		}
		return tx.Set(claimRef, deviceClaim{
			SessionID: r.SessionID,
			Phase:     r.Phase,
			Cuenta:    r.Cuenta,
			ClaimedAt: r.Timestamp,
		})
	})
	if status.Code(err) == codes.AlreadyExists {
		return ErrDuplicateRecord
	}
	if err != nil {
		return err
	}
	r.ID = recRef.ID
	return nil
}

func decodeRecord(snap *firestore.DocumentSnapshot) (Record, error) {
	var r Record
	if err := snap.DataTo(&r); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", snap.Ref.ID, err)
	}
	r.ID = snap.Ref.ID
	return r, nil
}

func (f *FirestoreStore) FindRecord(ctx context.Context, sessionID, cuenta string, phase Phase) (*Record, error) {
	snap, err := f.client.Collection(colRecords).Doc(recordKey(sessionID, cuenta, phase)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r, err := decodeRecord(snap)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (f *FirestoreStore) FindRecordByDevice(ctx context.Context, sessionID string, phase Phase, fingerprint string) (*Record, error) {
	snaps, err := f.client.Collection(colRecords).
		Where("sessionId", "==", sessionID).
		Where("phase", "==", phase).
		Where("fingerprint", "==", fingerprint).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	r, err := decodeRecord(snaps[0])
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (f *FirestoreStore) queryRecords(ctx context.Context, q firestore.Query) ([]Record, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(snaps))
	for _, snap := range snaps {
		r, err := decodeRecord(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *FirestoreStore) ListRecords(ctx context.Context) ([]Record, error) {
	return f.queryRecords(ctx, f.client.Collection(colRecords).Query)
}

func (f *FirestoreStore) ListRecordsBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return f.queryRecords(ctx, f.client.Collection(colRecords).Where("sessionId", "==", sessionID))
}

func (f *FirestoreStore) ListRecordsByStudent(ctx context.Context, cuenta string) ([]Record, error) {
	return f.queryRecords(ctx, f.client.Collection(colRecords).Where("cuenta", "==", cuenta))
}

// ReassignRecord re-keys the record under toCuenta and moves its device claim.
func (f *FirestoreStore) ReassignRecord(ctx context.Context, r Record, toCuenta string) error {
	oldRef := f.client.Collection(colRecords).Doc(r.ID)
	newRef := f.client.Collection(colRecords).Doc(recordKey(r.SessionID, toCuenta, r.Phase))
	var claimRef *firestore.DocumentRef
	if r.Fingerprint != "" {
		claimRef = f.client.Collection(colDeviceClaims).Doc(claimKey(r.SessionID, r.Phase, r.Fingerprint))
	}

	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(oldRef)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		if _, err := tx.Get(newRef); err == nil {
			return ErrDuplicateRecord
		} else if !isNotFound(err) {
			return err
		}
		if claimRef != nil {
			if _, err := tx.Get(claimRef); err != nil && !isNotFound(err) {
				return err
			}
		}

		moved, err := decodeRecord(snap)
		if err != nil {
			return err
		}
		moved.Cuenta = toCuenta
		if err := tx.Create(newRef, moved); err != nil {
			return err
		}
		if err := tx.Delete(oldRef); err != nil {
			return err
		}
		if claimRef == nil {
			return nil
		}
		return tx.Set(claimRef, deviceClaim{
			SessionID: moved.SessionID,
			Phase:     moved.Phase,
			Cuenta:    toCuenta,
			ClaimedAt: moved.Timestamp,
		})
	})
}

// DeleteRecords removes the records together with the device claims they hold.
func (f *FirestoreStore) DeleteRecords(ctx context.Context, records []Record) error {
	refs := make([]*firestore.DocumentRef, 0, len(records)*2)
	for _, r := range records {
		refs = append(refs, f.client.Collection(colRecords).Doc(r.ID))
		if r.Fingerprint != "" {
			refs = append(refs, f.client.Collection(colDeviceClaims).Doc(claimKey(r.SessionID, r.Phase, r.Fingerprint)))
		}
	}
	return f.deleteAll(ctx, refs)
}

func (f *FirestoreStore) GetCourseConfig(ctx context.Context) (*CourseConfig, error) {
	snap, err := f.client.Collection(colConfig).Doc(docGeneral).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cfg CourseConfig
	if err := snap.DataTo(&cfg); err != nil {
		return nil, fmt.Errorf("decode course config: %w", err)
	}
	return &cfg, nil
}

func (f *FirestoreStore) SaveCourseConfig(ctx context.Context, cfg CourseConfig) error {
	_, err := f.client.Collection(colConfig).Doc(docGeneral).Set(ctx, cfg)
	if err != nil {
		return fmt.Errorf("save course config: %w", err)
	}
	return nil
}
