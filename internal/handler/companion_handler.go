// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/companiond/internal/auth"
	"github.com/hitoshi/companiond/internal/middleware"
	"github.com/hitoshi/companiond/internal/model"
)

const sessionCookieName = "session_id"

// SwitchServiceInterface はコンパニオンハンドラーが必要とする
// サービスインターフェース。実装はauth.Service。
type SwitchServiceInterface interface {
	Enter(ctx context.Context, sess *model.Session, courseID, roleID string, groups model.GroupSelector, emailOverride bool) (*model.Session, error)
	Leave(ctx context.Context, sess *model.Session, deleteData bool) (*model.Session, error)
	NavFor(ctx context.Context, sess *model.Session, courseID string) (auth.NavAction, error)
	Logout(ctx context.Context, sessionID string) error
}

// SwitchRecorder は切り替えメトリクスの記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type SwitchRecorder interface {
	RecordEnter()
	RecordLeave(deleted bool)
	RecordSwitchFailure(code string)
	RecordSwitchLatency(duration time.Duration)
}

// CompanionHandlerConfig はコンパニオンハンドラーの設定。
type CompanionHandlerConfig struct {
	BaseURL         string
	CookieDomain    string
	CookieSecure    bool
	SessionMaxAge   int    // セッションCookieの有効期間（秒）
	ForceDeleteData bool   // 復帰時の削除がポリシーで強制されているか（通知文言用）
	GroupDefault    string // リクエストでグループ未指定時の既定値
}

// CompanionHandler はコンパニオンモードの出入りとナビゲーションの
// HTTPハンドラー。
type CompanionHandler struct {
	service SwitchServiceInterface
	metrics SwitchRecorder
	config  CompanionHandlerConfig
}

// NewCompanionHandler はCompanionHandlerを生成する。
func NewCompanionHandler(service SwitchServiceInterface, metrics SwitchRecorder, config CompanionHandlerConfig) *CompanionHandler {
	return &CompanionHandler{
		service: service,
		metrics: metrics,
		config:  config,
	}
}

// EnterRequest はコンパニオンモード開始リクエストのボディ。
type EnterRequest struct {
	CourseID      string `json:"course_id"`
	RoleID        string `json:"role_id,omitempty"`
	Group         string `json:"group,omitempty"`
	EmailOverride bool   `json:"email_override,omitempty"`
}

// LeaveRequest はコンパニオンモード終了リクエストのボディ。
type LeaveRequest struct {
	DeleteData bool   `json:"delete_data,omitempty"`
	BackURL    string `json:"backurl,omitempty"`
}

// SwitchResponse は切り替え操作の成功レスポンス。
type SwitchResponse struct {
	Notification string `json:"notification"`
	RedirectURL  string `json:"redirect_url"`
}

// Enter はコンパニオンモードに切り替える。
// POST /api/companion/enter
func (h *CompanionHandler) Enter(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sess, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req EnterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CourseID == "" {
		http.Error(w, "course_id is required", http.StatusBadRequest)
		return
	}

	group := req.Group
	if group == "" {
		group = h.config.GroupDefault
	}

	newSess, err := h.service.Enter(r.Context(), sess, req.CourseID, req.RoleID, model.GroupSelector(group), req.EmailOverride)
	if err != nil {
		// セッション切り替え後の失敗（コース参加など）ではコンパニオン
		// セッションが生きている。Cookieを新セッションに差し替えた上で
		// エラーを返し、ユーザーがleaveで復帰できる状態を保つ。
		if newSess != nil {
			h.setSessionCookie(w, newSess)
		} else {
			h.clearSessionCookie(w)
		}
		h.writeSwitchError(w, err)
		return
	}

	h.setSessionCookie(w, newSess)

	if h.metrics != nil {
		h.metrics.RecordEnter()
		h.metrics.RecordSwitchLatency(time.Since(start))
	}

	writeJSON(w, http.StatusOK, SwitchResponse{
		Notification: "コンパニオンアカウントに切り替えました。",
		RedirectURL:  h.config.BaseURL + "/courses/" + req.CourseID,
	})
}

// Leave はコンパニオンモードから復帰する。
// POST /api/companion/leave
func (h *CompanionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sess, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// ボディは省略可能。空や不正なボディはデフォルト値として扱う。
	var req LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req = LeaveRequest{}
	}

	restored, err := h.service.Leave(r.Context(), sess, req.DeleteData)
	if err != nil {
		if restored != nil {
			h.setSessionCookie(w, restored)
		} else {
			// 復元セッションが無い失敗はログアウト状態で終わっている
			// （強制再ログイン後の失敗など）。死んだCookieを残さない。
			h.clearSessionCookie(w)
		}
		h.writeSwitchError(w, err)
		return
	}

	deleted := req.DeleteData || h.config.ForceDeleteData

	if h.metrics != nil {
		h.metrics.RecordLeave(deleted)
		h.metrics.RecordSwitchLatency(time.Since(start))
	}

	if restored == nil {
		// 強制再ログイン、または壊れた紐付けからの安全なログアウト
		h.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, SwitchResponse{
			Notification: "ログアウトしました。再度ログインしてください。",
			RedirectURL:  h.config.BaseURL + "/login",
		})
		return
	}

	h.setSessionCookie(w, restored)

	redirect := h.config.BaseURL
	if req.BackURL != "" && isLocalPath(req.BackURL) {
		redirect = h.config.BaseURL + req.BackURL
	}
	writeJSON(w, http.StatusOK, SwitchResponse{
		Notification: "元のアカウントに戻りました。",
		RedirectURL:  redirect,
	})
}

// NavResponse はナビゲーション表示判定のレスポンス。
type NavResponse struct {
	Action string `json:"action"`
}

// Nav はナビゲーションメニューに出すべき切り替えアクションを返す。
// GET /api/companion/nav?course_id=xxx
func (h *CompanionHandler) Nav(w http.ResponseWriter, r *http.Request) {
	sess, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	courseID := r.URL.Query().Get("course_id")
	if courseID == "" {
		http.Error(w, "course_id is required", http.StatusBadRequest)
		return
	}

	action, err := h.service.NavFor(r.Context(), sess, courseID)
	if err != nil {
		slog.Error("failed to resolve nav action", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, NavResponse{Action: string(action)})
}

// Logout はセッションを破棄する。
// POST /api/logout
func (h *CompanionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearSessionCookie(w)
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// writeSwitchError はエラー種別に応じたHTTPステータスで統一エラー
// レスポンスを書き込む。
func (h *CompanionHandler) writeSwitchError(w http.ResponseWriter, err error) {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		slog.Error("switch operation failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordSwitchFailure(apiErr.Code)
	}

	middleware.WriteErrorResponse(w, statusForCode(apiErr.Code), apiErr)
}

// statusForCode はエラーコードをHTTPステータスに対応付ける。
func statusForCode(code string) int {
	switch code {
	case model.ErrCodePolicyDisabled, model.ErrCodePermissionDenied:
		return http.StatusForbidden
	case model.ErrCodeAccountNotFound, model.ErrCodeCourseNotFound:
		return http.StatusNotFound
	case model.ErrCodeConfigurationError:
		return http.StatusUnprocessableEntity
	case model.ErrCodeStaleLink:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *CompanionHandler) setSessionCookie(w http.ResponseWriter, sess *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *CompanionHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// isLocalPath はリダイレクト先がサイト内パスであることを検証する。
// オープンリダイレクトを防ぐ。
func isLocalPath(p string) bool {
	return len(p) > 0 && p[0] == '/' && (len(p) == 1 || p[1] != '/')
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
