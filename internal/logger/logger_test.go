package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeKVs(t *testing.T) {
	kv := sanitizeKVs([]any{"person_id", "alice", "api_key", "hunter2", "MYSQL_DSN", "u:p@tcp(db)/x", "dangling"})

	want := []any{"person_id", "alice", "api_key", "[REDACTED]", "MYSQL_DSN", "[REDACTED]", "dangling"}
	if len(kv) != len(want) {
		t.Fatalf("len = %d, want %d", len(kv), len(want))
	}
	for i := range want {
		if kv[i] != want[i] {
			t.Errorf("kv[%d] = %v, want %v", i, kv[i], want[i])
		}
	}
}

func TestLogger_RedactsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.With("component", "test").Info("auth", "api_key", "hunter2")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want [REDACTED]", fields["api_key"])
	}
	if fields["component"] != "test" {
		t.Errorf("component = %v, want test", fields["component"])
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != zapcore.DebugLevel {
		t.Error("debug not parsed")
	}
	if parseLevel("WARN") != zapcore.WarnLevel {
		t.Error("WARN not parsed")
	}
	if parseLevel("bogus") != zapcore.InfoLevel {
		t.Error("unknown level should default to info")
	}
}
