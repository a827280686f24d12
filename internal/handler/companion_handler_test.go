package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/companiond/internal/auth"
	"github.com/hitoshi/companiond/internal/middleware"
	"github.com/hitoshi/companiond/internal/model"
)

// --- モック ---

type mockSwitchService struct {
	enterFn  func(ctx context.Context, sess *model.Session, courseID, roleID string, groups model.GroupSelector, emailOverride bool) (*model.Session, error)
	leaveFn  func(ctx context.Context, sess *model.Session, deleteData bool) (*model.Session, error)
	navForFn func(ctx context.Context, sess *model.Session, courseID string) (auth.NavAction, error)
	logoutFn func(ctx context.Context, sessionID string) error
}

func (m *mockSwitchService) Enter(ctx context.Context, sess *model.Session, courseID, roleID string, groups model.GroupSelector, emailOverride bool) (*model.Session, error) {
	if m.enterFn != nil {
		return m.enterFn(ctx, sess, courseID, roleID, groups, emailOverride)
	}
	return &model.Session{ID: "new-sess", AccountID: "comp-1", MainAccountID: "main-1"}, nil
}
func (m *mockSwitchService) Leave(ctx context.Context, sess *model.Session, deleteData bool) (*model.Session, error) {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, sess, deleteData)
	}
	return &model.Session{ID: "restored-sess", AccountID: "main-1"}, nil
}
func (m *mockSwitchService) NavFor(ctx context.Context, sess *model.Session, courseID string) (auth.NavAction, error) {
	if m.navForFn != nil {
		return m.navForFn(ctx, sess, courseID)
	}
	return auth.NavActionEnter, nil
}
func (m *mockSwitchService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

type mockRecorder struct {
	enters    int
	leaves    int
	failures  []string
	latencies int
}

func (m *mockRecorder) RecordEnter()             { m.enters++ }
func (m *mockRecorder) RecordLeave(deleted bool) { m.leaves++ }
func (m *mockRecorder) RecordSwitchFailure(code string) {
	m.failures = append(m.failures, code)
}
func (m *mockRecorder) RecordSwitchLatency(d time.Duration) { m.latencies++ }

func handlerConfig() CompanionHandlerConfig {
	return CompanionHandlerConfig{
		BaseURL:       "https://lms.example.com",
		SessionMaxAge: 3600,
	}
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func requestWithSession(method, target, body string, sess *model.Session) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return req.WithContext(middleware.ContextWithSession(req.Context(), sess))
}

func mainSession() *model.Session {
	return &model.Session{ID: "sess-1", AccountID: "main-1"}
}

func companionSession() *model.Session {
	return &model.Session{ID: "sess-2", AccountID: "comp-1", MainAccountID: "main-1"}
}

// --- テスト ---

func TestCompanionHandler_Enter_Success(t *testing.T) {
	rec := &mockRecorder{}
	h := NewCompanionHandler(&mockSwitchService{}, rec, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/enter", `{"course_id":"course-1"}`, mainSession())
	w := httptest.NewRecorder()

	h.Enter(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cookie := sessionCookie(resp)
	if cookie == nil || cookie.Value != "new-sess" {
		t.Errorf("expected session cookie %q, got %v", "new-sess", cookie)
	}
	if !cookie.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}

	var body SwitchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.RedirectURL != "https://lms.example.com/courses/course-1" {
		t.Errorf("redirect_url = %q", body.RedirectURL)
	}
	if body.Notification == "" {
		t.Error("notification must not be empty")
	}
	if rec.enters != 1 || rec.latencies != 1 {
		t.Errorf("metrics: enters=%d latencies=%d, want 1/1", rec.enters, rec.latencies)
	}
}

func TestCompanionHandler_Enter_MissingCourseID(t *testing.T) {
	h := NewCompanionHandler(&mockSwitchService{}, nil, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/enter", `{}`, mainSession())
	w := httptest.NewRecorder()

	h.Enter(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestCompanionHandler_Enter_PolicyDisabled(t *testing.T) {
	rec := &mockRecorder{}
	svc := &mockSwitchService{
		enterFn: func(ctx context.Context, sess *model.Session, courseID, roleID string, groups model.GroupSelector, emailOverride bool) (*model.Session, error) {
			return nil, model.NewPolicyDisabledError()
		},
	}
	h := NewCompanionHandler(svc, rec, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/enter", `{"course_id":"course-1"}`, mainSession())
	w := httptest.NewRecorder()

	h.Enter(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodePolicyDisabled {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodePolicyDisabled)
	}
	if len(rec.failures) != 1 || rec.failures[0] != model.ErrCodePolicyDisabled {
		t.Errorf("failure metric = %v", rec.failures)
	}
}

// コース参加失敗時はコンパニオンセッションのCookieを維持したまま
// エラーを返す。
func TestCompanionHandler_Enter_EnrolFailureKeepsCookie(t *testing.T) {
	svc := &mockSwitchService{
		enterFn: func(ctx context.Context, sess *model.Session, courseID, roleID string, groups model.GroupSelector, emailOverride bool) (*model.Session, error) {
			return &model.Session{ID: "comp-sess", AccountID: "comp-1", MainAccountID: "main-1"},
				model.NewConfigurationError("course has no active manual enrolment")
		},
	}
	h := NewCompanionHandler(svc, nil, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/enter", `{"course_id":"course-1"}`, mainSession())
	w := httptest.NewRecorder()

	h.Enter(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
	cookie := sessionCookie(resp)
	if cookie == nil || cookie.Value != "comp-sess" {
		t.Errorf("companion session cookie must be set, got %v", cookie)
	}
}

func TestCompanionHandler_Enter_PassesRequestFields(t *testing.T) {
	var gotRole string
	var gotGroups model.GroupSelector
	var gotOverride bool
	svc := &mockSwitchService{
		enterFn: func(ctx context.Context, sess *model.Session, courseID, roleID string, groups model.GroupSelector, emailOverride bool) (*model.Session, error) {
			gotRole, gotGroups, gotOverride = roleID, groups, emailOverride
			return &model.Session{ID: "s", AccountID: "comp-1", MainAccountID: "main-1"}, nil
		},
	}
	h := NewCompanionHandler(svc, nil, handlerConfig())

	body := `{"course_id":"c1","role_id":"teacher","group":"mygroups","email_override":true}`
	req := requestWithSession(http.MethodPost, "/api/companion/enter", body, mainSession())
	w := httptest.NewRecorder()

	h.Enter(w, req)

	if gotRole != "teacher" || gotGroups != model.GroupSelectorMyGroups || !gotOverride {
		t.Errorf("got role=%q groups=%q override=%v", gotRole, gotGroups, gotOverride)
	}
}

func TestCompanionHandler_Enter_AppliesGroupDefault(t *testing.T) {
	var gotGroups model.GroupSelector
	svc := &mockSwitchService{
		enterFn: func(ctx context.Context, sess *model.Session, courseID, roleID string, groups model.GroupSelector, emailOverride bool) (*model.Session, error) {
			gotGroups = groups
			return &model.Session{ID: "s", AccountID: "comp-1", MainAccountID: "main-1"}, nil
		},
	}
	cfg := handlerConfig()
	cfg.GroupDefault = "mygroups"
	h := NewCompanionHandler(svc, nil, cfg)

	// リクエストでグループ未指定なら設定のデフォルトが使われる
	req := requestWithSession(http.MethodPost, "/api/companion/enter", `{"course_id":"c1"}`, mainSession())
	w := httptest.NewRecorder()

	h.Enter(w, req)

	if gotGroups != model.GroupSelectorMyGroups {
		t.Errorf("groups = %q, want %q", gotGroups, model.GroupSelectorMyGroups)
	}

	// リクエストで明示指定があればそちらが優先される
	req = requestWithSession(http.MethodPost, "/api/companion/enter", `{"course_id":"c1","group":"g-7"}`, mainSession())
	w = httptest.NewRecorder()

	h.Enter(w, req)

	if gotGroups != model.GroupSelector("g-7") {
		t.Errorf("groups = %q, want %q", gotGroups, "g-7")
	}
}

func TestCompanionHandler_Leave_RestoresSession(t *testing.T) {
	rec := &mockRecorder{}
	h := NewCompanionHandler(&mockSwitchService{}, rec, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/leave", `{}`, companionSession())
	w := httptest.NewRecorder()

	h.Leave(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	cookie := sessionCookie(resp)
	if cookie == nil || cookie.Value != "restored-sess" {
		t.Errorf("expected restored session cookie, got %v", cookie)
	}
	if rec.leaves != 1 {
		t.Errorf("leave metric = %d, want 1", rec.leaves)
	}
}

// セッションが復元されない場合（強制再ログイン等）はCookieをクリアして
// ログインページへ誘導する。
func TestCompanionHandler_Leave_LoggedOut(t *testing.T) {
	svc := &mockSwitchService{
		leaveFn: func(ctx context.Context, sess *model.Session, deleteData bool) (*model.Session, error) {
			return nil, nil
		},
	}
	h := NewCompanionHandler(svc, nil, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/leave", `{}`, companionSession())
	w := httptest.NewRecorder()

	h.Leave(w, req)

	resp := w.Result()
	cookie := sessionCookie(resp)
	if cookie == nil || cookie.Value != "" || cookie.MaxAge != -1 {
		t.Errorf("session cookie must be cleared, got %v", cookie)
	}
	var body SwitchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.RedirectURL != "https://lms.example.com/login" {
		t.Errorf("redirect_url = %q", body.RedirectURL)
	}
}

// 復帰が失敗しつつセッションも復元されなかった場合（強制再ログイン後の
// 削除失敗など）、既に無効なセッションのCookieを残してはならない。
func TestCompanionHandler_Leave_ErrorAfterLogoutClearsCookie(t *testing.T) {
	rec := &mockRecorder{}
	svc := &mockSwitchService{
		leaveFn: func(ctx context.Context, sess *model.Session, deleteData bool) (*model.Session, error) {
			return nil, model.NewLoginFailedError()
		},
	}
	h := NewCompanionHandler(svc, rec, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/leave", `{}`, companionSession())
	w := httptest.NewRecorder()

	h.Leave(w, req)

	resp := w.Result()
	cookie := sessionCookie(resp)
	if cookie == nil || cookie.Value != "" || cookie.MaxAge != -1 {
		t.Errorf("dead session cookie must be cleared, got %v", cookie)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	if len(rec.failures) != 1 || rec.failures[0] != model.ErrCodeLoginFailed {
		t.Errorf("failures = %v, want [%s]", rec.failures, model.ErrCodeLoginFailed)
	}
}

func TestCompanionHandler_Leave_BackURL(t *testing.T) {
	tests := []struct {
		name    string
		backurl string
		want    string
	}{
		{"local path", "/courses/c1", "https://lms.example.com/courses/c1"},
		{"empty", "", "https://lms.example.com"},
		{"protocol-relative is rejected", "//evil.example.com", "https://lms.example.com"},
		{"absolute url is rejected", "https://evil.example.com", "https://lms.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCompanionHandler(&mockSwitchService{}, nil, handlerConfig())

			body, _ := json.Marshal(LeaveRequest{BackURL: tt.backurl})
			req := requestWithSession(http.MethodPost, "/api/companion/leave", string(body), companionSession())
			w := httptest.NewRecorder()

			h.Leave(w, req)

			var got SwitchResponse
			if err := json.NewDecoder(w.Result().Body).Decode(&got); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if got.RedirectURL != tt.want {
				t.Errorf("redirect_url = %q, want %q", got.RedirectURL, tt.want)
			}
		})
	}
}

func TestCompanionHandler_Leave_PassesDeleteData(t *testing.T) {
	var gotDelete bool
	svc := &mockSwitchService{
		leaveFn: func(ctx context.Context, sess *model.Session, deleteData bool) (*model.Session, error) {
			gotDelete = deleteData
			return &model.Session{ID: "r", AccountID: "main-1"}, nil
		},
	}
	h := NewCompanionHandler(svc, nil, handlerConfig())

	req := requestWithSession(http.MethodPost, "/api/companion/leave", `{"delete_data":true}`, companionSession())
	w := httptest.NewRecorder()

	h.Leave(w, req)

	if !gotDelete {
		t.Error("delete_data must be passed through")
	}
}

func TestCompanionHandler_Nav(t *testing.T) {
	tests := []struct {
		name   string
		action auth.NavAction
		want   string
	}{
		{"enter", auth.NavActionEnter, "enter"},
		{"leave", auth.NavActionLeave, "leave"},
		{"none", auth.NavActionNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSwitchService{
				navForFn: func(ctx context.Context, sess *model.Session, courseID string) (auth.NavAction, error) {
					return tt.action, nil
				},
			}
			h := NewCompanionHandler(svc, nil, handlerConfig())

			req := requestWithSession(http.MethodGet, "/api/companion/nav?course_id=c1", "", mainSession())
			w := httptest.NewRecorder()

			h.Nav(w, req)

			var body NavResponse
			if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Action != tt.want {
				t.Errorf("action = %q, want %q", body.Action, tt.want)
			}
		})
	}
}

func TestCompanionHandler_Nav_MissingCourseID(t *testing.T) {
	h := NewCompanionHandler(&mockSwitchService{}, nil, handlerConfig())

	req := requestWithSession(http.MethodGet, "/api/companion/nav", "", mainSession())
	w := httptest.NewRecorder()

	h.Nav(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestCompanionHandler_Logout_ClearsCookie(t *testing.T) {
	loggedOut := ""
	svc := &mockSwitchService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			loggedOut = sessionID
			return nil
		},
	}
	h := NewCompanionHandler(svc, nil, handlerConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess-1"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loggedOut != "sess-1" {
		t.Errorf("logged out session = %q, want %q", loggedOut, "sess-1")
	}
	cookie := sessionCookie(resp)
	if cookie == nil || cookie.MaxAge != -1 {
		t.Errorf("session cookie must be cleared, got %v", cookie)
	}
}
