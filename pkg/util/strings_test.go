package util

import "testing"

func TestSplitCommaSeparated(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"tenant-a", 1},
		{"tenant-a,tenant-b", 2},
		{"tenant-a, tenant-b, ,tenant-c", 3},
	}

	for _, tt := range tests {
		got := SplitCommaSeparated(tt.input)
		if len(got) != tt.want {
			t.Errorf("SplitCommaSeparated(%q) = %v (len %d), want len %d", tt.input, got, len(got), tt.want)
		}
	}
}

func TestCSVMembership(t *testing.T) {
	list := AddToCSV("", "tenant-a")
	list = AddToCSV(list, "tenant-b")
	list = AddToCSV(list, "tenant-a")
	if list != "tenant-a,tenant-b" {
		t.Fatalf("AddToCSV = %q, want %q", list, "tenant-a,tenant-b")
	}
	if got := RemoveFromCSV(list, "tenant-a"); got != "tenant-b" {
		t.Errorf("RemoveFromCSV = %q, want %q", got, "tenant-b")
	}
	if got := RemoveFromCSV("tenant-b", "tenant-b"); got != "" {
		t.Errorf("RemoveFromCSV last element = %q, want empty", got)
	}
}
