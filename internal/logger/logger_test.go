package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

// SetupがJSON形式でログを出力することを検証
func TestSetup_OutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "info")

	l.Info("test message", slog.String("key", "value"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["msg"] != "test message" {
		t.Errorf("expected msg %q, got %q", "test message", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key %q, got %q", "value", entry["key"])
	}
}

// ログレベルの指定がフィルタとして機能することを検証
func TestSetup_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "error")

	l.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info log should be filtered at error level, got: %s", buf.String())
	}

	l.Error("should be written")
	if buf.Len() == 0 {
		t.Error("error log should be written at error level")
	}
}

// 不明なレベル指定がinfoにフォールバックすることを検証
func TestParseLevel_UnknownFallsBackToInfo(t *testing.T) {
	if got := parseLevel("verbose"); got != slog.LevelInfo {
		t.Errorf("expected LevelInfo, got %v", got)
	}
	if got := parseLevel("DEBUG"); got != slog.LevelDebug {
		t.Errorf("expected LevelDebug for upper case, got %v", got)
	}
}
