// Package settings loads the metalnet configuration file.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/metalnet/pkg/util"
)

// MaxWorkerInterval bounds the sleep between journal drain passes.
const MaxWorkerInterval = time.Hour

// Settings holds the configuration shared by the API-side commands and the
// networking worker.
type Settings struct {
	Redis    RedisSettings             `yaml:"redis"`
	Worker   WorkerSettings            `yaml:"worker"`
	VLANPool VLANPoolSettings          `yaml:"vlan_pool"`
	Switches map[string]SwitchSettings `yaml:"switches,omitempty"`
	Log      LogSettings               `yaml:"log"`
	Metrics  MetricsSettings           `yaml:"metrics"`
	Tracing  TracingSettings           `yaml:"tracing"`
	Audit    AuditSettings             `yaml:"audit"`
}

// RedisSettings locates the durable store
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password,omitempty"`
}

// WorkerSettings controls the networking worker
type WorkerSettings struct {
	// Interval is the sleep between drain passes when the journal is empty.
	Interval time.Duration `yaml:"interval"`

	// DoneRetention is how long a DONE action stays queryable.
	DoneRetention time.Duration `yaml:"done_retention"`

	// IOTimeout bounds each switch I/O call.
	IOTimeout time.Duration `yaml:"io_timeout"`
}

// VLANPoolSettings seeds the VLAN allocator
type VLANPoolSettings struct {
	// VLANs is a range specification such as "100-200,300-500".
	VLANs string `yaml:"vlans"`
}

// SwitchSettings holds per-driver options, keyed by driver name
type SwitchSettings struct {
	// Save persists the running config to flash after each change.
	Save bool `yaml:"save"`
}

// LogSettings configures the global logger
type LogSettings struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsSettings configures the worker's Prometheus endpoint
type MetricsSettings struct {
	Listen string `yaml:"listen,omitempty"`
}

// TracingSettings configures OpenTelemetry tracing
type TracingSettings struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// AuditSettings locates the request audit log
type AuditSettings struct {
	// Path is the JSON-lines audit file; "-" disables auditing.
	Path       string `yaml:"path,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// DefaultSettingsPath returns the default path for the configuration file
func DefaultSettingsPath() string {
	if p := os.Getenv("METALNET_CONFIG"); p != "" {
		return p
	}
	return filepath.Join("/etc", "metalnet", "metalnet.yaml")
}

// Default returns settings with every default applied
func Default() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path. A missing file yields the
// defaults.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (s *Settings) applyDefaults() {
	if s.Redis.Addr == "" {
		s.Redis.Addr = "127.0.0.1:6379"
	}
	if s.Worker.Interval == 0 {
		s.Worker.Interval = 5 * time.Second
	}
	if s.Worker.DoneRetention == 0 {
		s.Worker.DoneRetention = 10 * time.Minute
	}
	if s.Worker.IOTimeout == 0 {
		s.Worker.IOTimeout = 30 * time.Second
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Tracing.Exporter == "" {
		s.Tracing.Exporter = "stdout"
	}
	if s.Tracing.ServiceName == "" {
		s.Tracing.ServiceName = "metalnet"
	}
	if s.Tracing.SampleRatio == 0 {
		s.Tracing.SampleRatio = 1
	}
	if s.Audit.Path == "" {
		s.Audit.Path = filepath.Join("/var", "log", "metalnet", "audit.log")
	}
	if s.Audit.MaxSizeMB == 0 {
		s.Audit.MaxSizeMB = 10
	}
	if s.Audit.MaxBackups == 0 {
		s.Audit.MaxBackups = 10
	}
}

// AuditEnabled reports whether requests are audited
func (s *Settings) AuditEnabled() bool {
	return s.Audit.Path != "-"
}

// Validate checks bounds that cannot be fixed by defaults
func (s *Settings) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(s.Redis.Addr != "", "redis.addr must be set")
	v.Add(s.Worker.Interval > 0 && s.Worker.Interval < MaxWorkerInterval,
		fmt.Sprintf("worker.interval must be between 0 and %s (exclusive), got %s", MaxWorkerInterval, s.Worker.Interval))
	v.Add(s.Worker.DoneRetention > 0, "worker.done_retention must be positive")
	v.Add(s.Worker.IOTimeout > 0, "worker.io_timeout must be positive")
	if s.VLANPool.VLANs != "" {
		if _, err := util.ExpandVLANRange(s.VLANPool.VLANs); err != nil {
			v.AddErrorf("vlan_pool.vlans: %v", err)
		}
	}
	v.Add(s.Audit.MaxSizeMB > 0, "audit.max_size_mb must be positive")
	v.Add(s.Tracing.SampleRatio >= 0 && s.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")
	switch strings.ToLower(s.Tracing.Exporter) {
	case "stdout", "none":
	default:
		v.AddError(fmt.Sprintf("tracing.exporter must be stdout or none, got %q", s.Tracing.Exporter))
	}
	return v.Build()
}

// VLANs returns the configured pool as individual VLAN numbers
func (s *Settings) VLANs() ([]int, error) {
	return util.ExpandVLANRange(s.VLANPool.VLANs)
}

// SaveConfig reports whether switches of the named driver should persist
// their running config after each change
func (s *Settings) SaveConfig(driver string) bool {
	return s.Switches[driver].Save
}
