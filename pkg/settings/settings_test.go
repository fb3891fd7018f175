package settings

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/newtron-network/metalnet/pkg/util"
)

func TestSettings_Defaults(t *testing.T) {
	s := Default()

	if s.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Redis.Addr default = %q", s.Redis.Addr)
	}
	if s.Worker.Interval != 5*time.Second {
		t.Errorf("Worker.Interval default = %s", s.Worker.Interval)
	}
	if s.Worker.DoneRetention != 10*time.Minute {
		t.Errorf("Worker.DoneRetention default = %s", s.Worker.DoneRetention)
	}
	if s.SaveConfig("nexus") {
		t.Error("SaveConfig should default to false")
	}
	if !s.AuditEnabled() || s.Audit.MaxBackups != 10 {
		t.Errorf("Audit defaults = %+v", s.Audit)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSettings_LoadMissingFile(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if s.Worker.Interval != 5*time.Second {
		t.Errorf("missing file should yield defaults, got interval %s", s.Worker.Interval)
	}
}

func TestSettings_LoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metalnet.yaml")
	data := `
redis:
  addr: redis.mgmt:6379
  db: 3
worker:
  interval: 30s
vlan_pool:
  vlans: "100-103,200"
switches:
  nexus:
    save: true
log:
  level: debug
audit:
  path: "-"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if s.Redis.Addr != "redis.mgmt:6379" || s.Redis.DB != 3 {
		t.Errorf("redis = %+v", s.Redis)
	}
	if s.Worker.Interval != 30*time.Second {
		t.Errorf("interval = %s", s.Worker.Interval)
	}
	if s.Worker.IOTimeout != 30*time.Second {
		t.Errorf("io_timeout default not applied: %s", s.Worker.IOTimeout)
	}
	if !s.SaveConfig("nexus") || s.SaveConfig("powerconnect") {
		t.Errorf("SaveConfig per driver wrong: %+v", s.Switches)
	}
	if s.AuditEnabled() {
		t.Error(`audit path "-" should disable auditing`)
	}
	vlans, err := s.VLANs()
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{100, 101, 102, 103, 200}; !reflect.DeepEqual(vlans, want) {
		t.Errorf("VLANs() = %v, want %v", vlans, want)
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"interval too long", func(s *Settings) { s.Worker.Interval = 2 * time.Hour }},
		{"interval exactly an hour", func(s *Settings) { s.Worker.Interval = time.Hour }},
		{"negative interval", func(s *Settings) { s.Worker.Interval = -time.Second }},
		{"bad vlan range", func(s *Settings) { s.VLANPool.VLANs = "100-5000" }},
		{"unparseable vlan range", func(s *Settings) { s.VLANPool.VLANs = "blue" }},
		{"sample ratio", func(s *Settings) { s.Tracing.SampleRatio = 2 }},
		{"negative audit size", func(s *Settings) { s.Audit.MaxSizeMB = -1 }},
		{"unknown exporter", func(s *Settings) { s.Tracing.Exporter = "jaeger" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			err := s.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Errorf("Validate() error should wrap ErrValidationFailed: %v", err)
			}
		})
	}
}

func TestSettings_LoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metalnet.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  interval: 90m\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() should reject an interval of 90m")
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metalnet.yaml")

	s := Default()
	s.VLANPool.VLANs = "300-310"
	s.Switches = map[string]SwitchSettings{"powerconnect": {Save: true}}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if loaded.VLANPool.VLANs != "300-310" || !loaded.SaveConfig("powerconnect") {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}
