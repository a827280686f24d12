package config

import (
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/companiond/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session
	SessionMaxAge int

	// Companion
	CompanionEnabled bool          // 認証方式"companion"の有効フラグ
	NameSuffix       string        // コンパニオンの姓に付加するサフィックス
	ForceLogin       bool          // 復帰時に再認証を強制する
	ForceDeleteData  bool          // 復帰時のデータ削除をユーザー選択に関係なく強制する
	EmailOverride    string        // nooverride | forceoverride | optionaloverride
	EmailDomain      string        // プレースホルダメールのドメイン（構文検証必須）
	DefaultRoleID    string        // 受講登録で使うデフォルトロールID
	GroupDefault     string        // グループ指定のデフォルト（空 | グループID | mygroups）
	AnonymousName    string        // 削除時の匿名化に使う表示名
	AllowedRoleIDs   []string      // コンパニオン切替を許可するコース内ロールID
	LoginViaEmail    bool          // ホストがメールアドレスでのログインを許可しているか
	SweepInterval    time.Duration // 孤児コンパニオン掃除の実行間隔

	// Rate Limit
	RateLimitGeneral int
	RateLimitSwitch  int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.CompanionEnabled = getEnvBool("COMPANION_ENABLED", true)
	cfg.NameSuffix = getEnvString("COMPANION_NAME_SUFFIX", "(companion)")
	cfg.ForceLogin = getEnvBool("COMPANION_FORCE_LOGIN", true)
	cfg.ForceDeleteData = getEnvBool("COMPANION_FORCE_DELETE_DATA", true)
	cfg.EmailOverride = getEnvString("COMPANION_EMAIL_OVERRIDE", model.EmailNoOverride)
	cfg.EmailDomain = getEnvString("COMPANION_EMAIL_DOMAIN", "companion.invalid")
	cfg.DefaultRoleID = getEnvString("COMPANION_DEFAULT_ROLE", "")
	cfg.GroupDefault = getEnvString("COMPANION_GROUP_DEFAULT", "")
	cfg.AnonymousName = getEnvString("COMPANION_ANONYMOUS_NAME", "anonymous")
	cfg.AllowedRoleIDs = getEnvList("COMPANION_ALLOWED_ROLES", nil)
	cfg.LoginViaEmail = getEnvBool("AUTH_LOGIN_VIA_EMAIL", false)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSwitch = getEnvInt("RATE_LIMIT_SWITCH", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := validateEmailOverride(cfg.EmailOverride); err != nil {
		return nil, err
	}

	// ホストがメールアドレスでのログインを許可している場合、実メールの
	// 上書きはアカウント乗っ取りに繋がるため強制的に無効化する。
	if cfg.LoginViaEmail {
		cfg.EmailOverride = model.EmailNoOverride
	}

	return cfg, nil
}

// ValidEmailDomain はプレースホルダメールドメインが構文的に妥当かを返す。
// ダミーのローカルパートを付けたアドレスとして検証する。
func ValidEmailDomain(domain string) bool {
	if domain == "" || !strings.Contains(domain, ".") {
		return false
	}
	_, err := mail.ParseAddress("dummy@" + domain)
	return err == nil
}

func validateEmailOverride(v string) error {
	switch v {
	case model.EmailNoOverride, model.EmailForceOverride, model.EmailOptionalOverride:
		return nil
	}
	return fmt.Errorf("invalid COMPANION_EMAIL_OVERRIDE value: %q", v)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
