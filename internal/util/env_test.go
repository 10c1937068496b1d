package util

import (
	"log/slog"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"off", true, false},
		{"0", true, false},
		{"garbage", true, true},
	}
	for _, tc := range cases {
		t.Setenv("TEST_BOOL", tc.value)
		if got := ParseBoolEnv("TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := ParseIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("got %d", got)
	}
	t.Setenv("TEST_INT", "not a number")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("invalid value should fall back, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("got %v", got)
	}
	t.Setenv("TEST_DUR", "")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("empty value should fall back, got %v", got)
	}
}

func TestParseLogLevelEnv(t *testing.T) {
	t.Setenv("TEST_LEVEL", "warn")
	if got := ParseLogLevelEnv("TEST_LEVEL", slog.LevelInfo); got != slog.LevelWarn {
		t.Errorf("got %v", got)
	}
	t.Setenv("TEST_LEVEL", "loud")
	if got := ParseLogLevelEnv("TEST_LEVEL", slog.LevelInfo); got != slog.LevelInfo {
		t.Errorf("invalid value should fall back, got %v", got)
	}
}
