package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func captureLog(t *testing.T, opts LogOptions) *bytes.Buffer {
	t.Helper()
	out, level, formatter := Logger.Out, Logger.Level, Logger.Formatter
	t.Cleanup(func() {
		Logger.SetOutput(out)
		Logger.SetLevel(level)
		Logger.SetFormatter(formatter)
	})
	var buf bytes.Buffer
	opts.Output = &buf
	if err := ConfigureLogging(opts); err != nil {
		t.Fatalf("ConfigureLogging() error = %v", err)
	}
	return &buf
}

func TestConfigureLogging_Level(t *testing.T) {
	buf := captureLog(t, LogOptions{Level: "warn"})

	WithSwitch("core-1").Info("session opened")
	if buf.Len() != 0 {
		t.Errorf("info entry written at warn level: %q", buf.String())
	}
	WithSwitch("core-1").Warn("session failed")
	if !strings.Contains(buf.String(), "session failed") {
		t.Errorf("warn entry missing: %q", buf.String())
	}
}

func TestConfigureLogging_DefaultsToInfo(t *testing.T) {
	captureLog(t, LogOptions{})
	if Logger.Level != logrus.InfoLevel {
		t.Errorf("level = %s, want info", Logger.Level)
	}
}

func TestConfigureLogging_BadLevel(t *testing.T) {
	captureLog(t, LogOptions{Level: "debug"})
	if err := ConfigureLogging(LogOptions{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if Logger.Level != logrus.DebugLevel {
		t.Errorf("level changed to %s by a rejected configuration", Logger.Level)
	}
}

func TestWithAction_JSONFields(t *testing.T) {
	buf := captureLog(t, LogOptions{Level: "info", JSON: true})

	WithAction("a1", "n1", "eth0").Info("Applied")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("entry is not JSON: %v (%q)", err, buf.String())
	}
	for k, want := range map[string]string{"action": "a1", "node": "n1", "nic": "eth0", "msg": "Applied"} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %q", k, entry[k], want)
		}
	}
}

func TestWithAction_OrphanRow(t *testing.T) {
	e := WithAction("a9", "", "")
	if _, ok := e.Data["node"]; ok {
		t.Errorf("orphan action entry carries a node: %v", e.Data)
	}
	if e.Data["action"] != "a9" {
		t.Errorf("action = %v", e.Data["action"])
	}
}

func TestWithNic(t *testing.T) {
	e := WithNic("n1", "eth1").WithField("channel", "vlan/100")
	if e.Data["node"] != "n1" || e.Data["nic"] != "eth1" || e.Data["channel"] != "vlan/100" {
		t.Errorf("fields = %v", e.Data)
	}
}
