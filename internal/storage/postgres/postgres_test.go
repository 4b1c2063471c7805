package postgres

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{"zero", Config{}, Config{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: 30 * time.Minute}},
		{"explicit", Config{MaxOpenConns: 4, MaxIdleConns: 3, ConnMaxLifetime: time.Minute}, Config{MaxOpenConns: 4, MaxIdleConns: 3, ConnMaxLifetime: time.Minute}},
		{"idle capped by open", Config{MaxOpenConns: 1, MaxIdleConns: 5}, Config{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: 30 * time.Minute}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.withDefaults(); got != tc.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestOpen_RequiresDSN(t *testing.T) {
	if _, err := Open(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestGormLogger_ReportsErrorsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	l := GormLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, errors.New("relation does not exist"))
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "relation does not exist") || !strings.Contains(out, "component=gorm") {
		t.Errorf("log output = %q", out)
	}

	buf.Reset()
	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, gorm.ErrRecordNotFound)
	if buf.Len() != 0 {
		t.Errorf("record-not-found was logged: %q", buf.String())
	}
}
