package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/ledger"
	"faceattend/internal/model"
	"faceattend/internal/session"
	"faceattend/internal/store"
)

var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

type stubVerifier struct{ outcome model.Outcome }

func (v stubVerifier) Compare(context.Context, string, string) model.Outcome { return v.outcome }

type stubHealth struct{ err error }

func (s stubHealth) Health(context.Context) error { return s.err }

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	kv     store.Store
	ledger *ledger.Ledger
}

func newTestAPI(t *testing.T, captureLimit int) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	kv := store.NewMemory()
	l, err := ledger.Open(context.Background(), kv)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	clock := func() time.Time { return testNow }
	catalog := session.Default()
	svc := attendance.NewService(l, catalog, stubVerifier{model.Outcome{Verified: true, Confidence: 0.91, Reason: "match"}},
		attendance.WithClock(clock))
	h := New(Deps{
		Ledger:        l,
		Sessions:      catalog,
		Attendance:    svc,
		Signer:        auth.NewSigner("faceattend-test", "secret", time.Hour, 2*time.Hour),
		Store:         kv,
		Face:          stubHealth{},
		AdminPassword: "letmein",
		CaptureLimit:  captureLimit,
		BcryptCost:    bcrypt.MinCost,
		Now:           clock,
	})
	r := gin.New()
	h.Register(r)
	return &testAPI{t: t, router: r, kv: kv, ledger: l}
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type authResponse struct {
	Student model.StudentView `json:"student"`
	Tokens  auth.TokenPair    `json:"tokens"`
}

func (a *testAPI) register(first, matricule, email string) authResponse {
	a.t.Helper()
	w := a.do(http.MethodPost, "/v1/students", "", gin.H{
		"first_name":      first,
		"last_name":       "Lovelace",
		"student_id":      matricule,
		"email":           email,
		"password":        "hunter22",
		"reference_image": "data:image/jpeg;base64,cmVm",
	})
	if w.Code != http.StatusCreated {
		a.t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	return decode[authResponse](a.t, w)
}

func (a *testAPI) adminToken() string {
	a.t.Helper()
	w := a.do(http.MethodPost, "/v1/auth/admin", "", gin.H{"password": "letmein"})
	if w.Code != http.StatusOK {
		a.t.Fatalf("admin login: %d %s", w.Code, w.Body.String())
	}
	return decode[struct {
		Tokens auth.TokenPair `json:"tokens"`
	}](a.t, w).Tokens.AccessToken
}

func TestRegistrationAndLogin(t *testing.T) {
	api := newTestAPI(t, 0)
	reg := api.register("Ada", "S-001", "ada@example.com")
	if !reg.Student.FaceEnrolled || reg.Student.ReferenceCount != 1 || reg.Tokens.AccessToken == "" {
		t.Fatalf("unexpected registration response %+v", reg)
	}

	dup := api.do(http.MethodPost, "/v1/students", "", gin.H{
		"first_name": "Eve", "last_name": "X", "student_id": "s-001", "email": "eve@example.com",
		"password": "hunter22", "reference_image": "x",
	})
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate matricule: %d", dup.Code)
	}
	bad := api.do(http.MethodPost, "/v1/students", "", gin.H{"first_name": "Eve", "email": "nope"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("invalid body: %d", bad.Code)
	}

	if w := api.do(http.MethodPost, "/v1/auth/login", "", gin.H{"email": "ADA@example.com", "password": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", w.Code)
	}
	w := api.do(http.MethodPost, "/v1/auth/login", "", gin.H{"email": "ADA@example.com", "password": "hunter22"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	login := decode[authResponse](t, w)

	me := api.do(http.MethodGet, "/v1/students/me", login.Tokens.AccessToken, nil)
	if me.Code != http.StatusOK || bytes.Contains(me.Body.Bytes(), []byte("password")) || bytes.Contains(me.Body.Bytes(), []byte("cmVm")) {
		t.Fatalf("me leaked or failed: %d %s", me.Code, me.Body.String())
	}

	ref := api.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": login.Tokens.RefreshToken})
	if ref.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", ref.Code, ref.Body.String())
	}
	if w := api.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": login.Tokens.AccessToken}); w.Code != http.StatusUnauthorized {
		t.Fatalf("access token used to refresh: %d", w.Code)
	}

	enroll := api.do(http.MethodPost, "/v1/students/me/reference-images", login.Tokens.AccessToken, gin.H{"image": "second"})
	if got := decode[model.StudentView](t, enroll); got.ReferenceCount != 2 {
		t.Fatalf("reference image not added: %+v", got)
	}
}

func TestCheckInFlow(t *testing.T) {
	api := newTestAPI(t, 0)
	token := api.register("Ada", "S-001", "ada@example.com").Tokens.AccessToken

	begin := api.do(http.MethodPost, "/v1/attendance/attempts", token, nil)
	if begin.Code != http.StatusCreated {
		t.Fatalf("begin: %d %s", begin.Code, begin.Body.String())
	}
	started := decode[attendance.Result](t, begin)
	if started.State != attendance.StateAwaitingCapture || started.Session == nil || started.Session.ID != "1@2025-03-10" {
		t.Fatalf("unexpected attempt %+v", started)
	}

	path := "/v1/attendance/attempts/" + started.AttemptID
	capture := api.do(http.MethodPost, path+"/capture", token, gin.H{"image": "data:image/png;base64,Y2Fw"})
	if capture.Code != http.StatusOK {
		t.Fatalf("capture: %d %s", capture.Code, capture.Body.String())
	}
	done := decode[attendance.Result](t, capture)
	if done.State != attendance.StateAccepted || done.Record == nil || done.Record.SessionID != "1@2025-03-10" {
		t.Fatalf("expected accepted, got %+v", done)
	}

	if w := api.do(http.MethodPost, path+"/capture", token, gin.H{"image": "again"}); w.Code != http.StatusConflict {
		t.Fatalf("second capture on finished attempt: %d", w.Code)
	}
	if w := api.do(http.MethodPost, path+"/retry", token, nil); w.Code != http.StatusConflict {
		t.Fatalf("retry after acceptance: %d", w.Code)
	}

	again := decode[attendance.Result](t, api.do(http.MethodPost, "/v1/attendance/attempts", token, nil))
	if again.State != attendance.StateAlreadyMarked {
		t.Fatalf("expected already_marked, got %+v", again)
	}

	history := decode[struct {
		Records []model.AttendanceRecord `json:"records"`
	}](t, api.do(http.MethodGet, "/v1/students/me/attendance", token, nil))
	if len(history.Records) != 1 || history.Records[0].Status != model.StatusPresent {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestAttemptsArePrivate(t *testing.T) {
	api := newTestAPI(t, 0)
	ada := api.register("Ada", "S-001", "ada@example.com").Tokens.AccessToken
	bob := api.register("Bob", "S-002", "bob@example.com").Tokens.AccessToken

	started := decode[attendance.Result](t, api.do(http.MethodPost, "/v1/attendance/attempts", ada, nil))
	path := "/v1/attendance/attempts/" + started.AttemptID
	if w := api.do(http.MethodGet, path, bob, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other student read attempt: %d", w.Code)
	}
	if w := api.do(http.MethodDelete, path, bob, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other student cancelled attempt: %d", w.Code)
	}

	cancelled := decode[attendance.Result](t, api.do(http.MethodDelete, path, ada, nil))
	if cancelled.State != attendance.StateCancelled {
		t.Fatalf("expected cancelled, got %+v", cancelled)
	}
	if w := api.do(http.MethodPost, path+"/capture", ada, gin.H{"image": "x"}); w.Code != http.StatusConflict {
		t.Fatalf("capture after cancel: %d", w.Code)
	}
	if w := api.do(http.MethodGet, "/v1/attendance/attempts/unknown", ada, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown attempt: %d", w.Code)
	}
}

func TestCaptureIsRateLimitedPerStudent(t *testing.T) {
	api := newTestAPI(t, 1)
	token := api.register("Ada", "S-001", "ada@example.com").Tokens.AccessToken
	started := decode[attendance.Result](t, api.do(http.MethodPost, "/v1/attendance/attempts", token, nil))
	path := "/v1/attendance/attempts/" + started.AttemptID + "/capture"

	if w := api.do(http.MethodPost, path, token, gin.H{"image": "x"}); w.Code != http.StatusOK {
		t.Fatalf("first capture: %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, token, gin.H{"image": "x"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second capture: %d", w.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	api := newTestAPI(t, 0)
	student := api.register("Ada", "S-001", "ada@example.com")
	api.register("Grace", "S-002", "grace@example.com")

	if w := api.do(http.MethodGet, "/v1/admin/stats", student.Tokens.AccessToken, nil); w.Code != http.StatusForbidden {
		t.Fatalf("student reached admin: %d", w.Code)
	}
	if w := api.do(http.MethodPost, "/v1/auth/admin", "", gin.H{"password": "nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad admin password: %d", w.Code)
	}
	admin := api.adminToken()

	started := decode[attendance.Result](t, api.do(http.MethodPost, "/v1/attendance/attempts", student.Tokens.AccessToken, nil))
	done := decode[attendance.Result](t, api.do(http.MethodPost,
		"/v1/attendance/attempts/"+started.AttemptID+"/capture", student.Tokens.AccessToken, gin.H{"image": "x"}))
	if done.Record == nil {
		t.Fatalf("expected a record, got %+v", done)
	}

	stats := decode[ledger.Stats](t, api.do(http.MethodGet, "/v1/admin/stats", admin, nil))
	if stats.TotalStudents != 2 || stats.PresentToday != 1 || stats.AbsentToday != 1 || stats.Rate != 50 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.Sessions) != 3 || stats.Sessions[0].Present != 1 {
		t.Fatalf("unexpected session stats %+v", stats.Sessions)
	}

	found := decode[struct {
		Students []model.StudentView `json:"students"`
	}](t, api.do(http.MethodGet, "/v1/admin/students?q=ada%20love", admin, nil))
	if len(found.Students) != 1 || found.Students[0].ID != student.Student.ID {
		t.Fatalf("unexpected search result %+v", found)
	}

	records := decode[struct {
		Records []model.AttendanceRecord `json:"records"`
	}](t, api.do(http.MethodGet, "/v1/admin/attendance?session_id=1@2025-03-10", admin, nil))
	if len(records.Records) != 1 {
		t.Fatalf("unexpected records %+v", records)
	}

	evidencePath := "/v1/admin/attendance/" + done.Record.ID + "/evidence"
	if w := api.do(http.MethodGet, evidencePath, admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("evidence before archive: %d", w.Code)
	}
	raw, _ := json.Marshal(map[string]string{"record_id": done.Record.ID, "url": "https://cdn.example/x.jpg"})
	if err := api.kv.Put(context.Background(), "evidence:"+done.Record.ID, raw); err != nil {
		t.Fatalf("seed evidence: %v", err)
	}
	if w := api.do(http.MethodGet, evidencePath, admin, nil); w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("cdn.example")) {
		t.Fatalf("evidence after archive: %d %s", w.Code, w.Body.String())
	}

	if w := api.do(http.MethodDelete, "/v1/admin/students/"+student.Student.ID, admin, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := api.do(http.MethodGet, "/v1/students/me", student.Tokens.AccessToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted student still visible: %d", w.Code)
	}
	if w := api.do(http.MethodDelete, "/v1/admin/students/"+student.Student.ID, admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", w.Code)
	}
	if api.ledger.Len() != 1 {
		t.Fatalf("attendance history must survive student deletion")
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, 0)
	if w := api.do(http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}

	gin.SetMode(gin.TestMode)
	h := New(Deps{Store: store.NewMemory(), Face: stubHealth{errors.New("down")}, Sessions: session.Default()})
	r := gin.New()
	r.GET("/healthz", h.healthz)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when face service is down, got %d", w.Code)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	api := newTestAPI(t, 0)
	list := decode[struct {
		Sessions []model.ClassSession `json:"sessions"`
	}](t, api.do(http.MethodGet, "/v1/sessions", "", nil))
	if len(list.Sessions) != 3 || list.Sessions[0].Date != "2025-03-10" {
		t.Fatalf("unexpected sessions %+v", list.Sessions)
	}
	active := decode[model.ClassSession](t, api.do(http.MethodGet, "/v1/sessions/active", "", nil))
	if active.ID != "1@2025-03-10" {
		t.Fatalf("unexpected active session %+v", active)
	}
}
