package cli

import "testing"

func withColor(t *testing.T, enabled bool) {
	t.Helper()
	saved := colorEnabled
	colorEnabled = enabled
	t.Cleanup(func() { colorEnabled = saved })
}

func TestStatus(t *testing.T) {
	withColor(t, true)
	tests := []struct {
		status string
		want   string
	}{
		{"DONE", "\033[32mDONE\033[0m"},
		{"ERROR", "\033[31mERROR\033[0m"},
		{"PENDING", "\033[33mPENDING\033[0m"},
		{"UNKNOWN", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := Status(tt.status); got != tt.want {
			t.Errorf("Status(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestNoColor(t *testing.T) {
	withColor(t, false)
	for _, f := range []func(string) string{Green, Yellow, Red, Bold, Status} {
		if got := f("DONE"); got != "DONE" {
			t.Errorf("color applied with NO_COLOR: %q", got)
		}
	}
}

func TestDash(t *testing.T) {
	if got := Dash(""); got != "-" {
		t.Errorf("Dash(\"\") = %q", got)
	}
	if got := Dash("vlan/native"); got != "vlan/native" {
		t.Errorf("Dash() = %q", got)
	}
}
