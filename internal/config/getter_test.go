package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestGetEnvStr(t *testing.T) {
	t.Run("returns value when set", func(t *testing.T) {
		t.Setenv("STATLINE_TEST_STR", "hello")

		if got := GetEnvStr("STATLINE_TEST_STR", "fallback"); got != "hello" {
			t.Errorf("GetEnvStr = %q, want %q", got, "hello")
		}
	})

	t.Run("returns default when unset", func(t *testing.T) {
		if got := GetEnvStr("STATLINE_TEST_UNSET", "fallback"); got != "fallback" {
			t.Errorf("GetEnvStr = %q, want %q", got, "fallback")
		}
	})
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected int
	}{
		{"parses integer", "42", 42},
		{"parses negative", "-7", -7},
		{"falls back on garbage", "not-a-number", 10},
		{"falls back on float", "3.5", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STATLINE_TEST_INT", tt.value)

			if got := GetEnvInt("STATLINE_TEST_INT", 10); got != tt.expected {
				t.Errorf("GetEnvInt(%q) = %d, want %d", tt.value, got, tt.expected)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value    string
		expected bool
	}{
		{"true", true}, {"1", true}, {"yes", true}, {"TRUE", true},
		{"false", false}, {"0", false}, {"no", false}, {" No ", false},
		{"maybe", true}, // unrecognized keeps the default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("STATLINE_TEST_BOOL", tt.value)

			if got := GetEnvBool("STATLINE_TEST_BOOL", true); got != tt.expected {
				t.Errorf("GetEnvBool(%q) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("parses duration", func(t *testing.T) {
		t.Setenv("STATLINE_TEST_DUR", "750ms")

		if got := GetEnvDuration("STATLINE_TEST_DUR", time.Second); got != 750*time.Millisecond {
			t.Errorf("GetEnvDuration = %v, want 750ms", got)
		}
	})

	t.Run("falls back on bare number", func(t *testing.T) {
		t.Setenv("STATLINE_TEST_DUR", "30")

		if got := GetEnvDuration("STATLINE_TEST_DUR", time.Second); got != time.Second {
			t.Errorf("GetEnvDuration = %v, want 1s", got)
		}
	})
}

func TestGetEnvLogLevel(t *testing.T) {
	tests := []struct {
		value    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo}, // unrecognized keeps the default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("STATLINE_TEST_LEVEL", tt.value)

			if got := GetEnvLogLevel("STATLINE_TEST_LEVEL", slog.LevelInfo); got != tt.expected {
				t.Errorf("GetEnvLogLevel(%q) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestParseCommaSeparatedList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"splits and trims", "a, b ,c", []string{"a", "b", "c"}},
		{"drops empty entries", "a,,b,", []string{"a", "b"}},
		{"empty input yields empty list", "", []string{}},
		{"whitespace-only entries dropped", " , ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommaSeparatedList(tt.input)
			if len(got) != len(tt.expected) {
				t.Fatalf("ParseCommaSeparatedList(%q) = %v, want %v", tt.input, got, tt.expected)
			}

			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("item %d = %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}
