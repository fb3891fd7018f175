package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

type stubSwitch struct {
	Base
}

func (s *stubSwitch) ValidatePortName(string) error { return nil }

func (s *stubSwitch) Session(context.Context) (Session, error) {
	return nil, errors.New("no session")
}

func TestRegistry(t *testing.T) {
	Register("stub-registry", func(sw *model.Switch, opts Options) (Switch, error) {
		return &stubSwitch{Base{Config: sw, Opts: opts}}, nil
	})

	if !Registered("stub-registry") {
		t.Fatal("stub-registry not registered")
	}
	found := false
	for _, n := range Names() {
		if n == "stub-registry" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v, missing stub-registry", Names())
	}

	sw, err := New(&model.Switch{Label: "s1", Type: "stub-registry"}, Options{SaveConfig: true})
	if err != nil {
		t.Fatal(err)
	}
	if sw.Label() != "s1" {
		t.Errorf("Label() = %q", sw.Label())
	}

	if _, err := New(&model.Switch{Label: "s2", Type: "unheard-of"}, Options{}); !util.IsNotFound(err) {
		t.Errorf("unknown driver: got %v", err)
	}
}

func TestRegisterPanics(t *testing.T) {
	expectPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		fn()
	}

	factory := func(*model.Switch, Options) (Switch, error) { return nil, nil }
	Register("stub-dup", factory)
	expectPanic("duplicate", func() { Register("stub-dup", factory) })
	expectPanic("nil factory", func() { Register("stub-nil", nil) })
}

func TestCheckNativeOrdering(t *testing.T) {
	none := map[string]string{}
	nativeOnly := map[string]string{model.NativeChannel: "blue"}
	trunk := map[string]string{model.NativeChannel: "blue", "vlan/102": "red"}

	tests := []struct {
		name        string
		attachments map[string]string
		op          Operation
		channel     string
		conflict    bool
	}{
		{"native first", none, OpConnect, model.NativeChannel, false},
		{"tagged without native", none, OpConnect, "vlan/102", true},
		{"tagged after native", nativeOnly, OpConnect, "vlan/102", false},
		{"detach native alone", nativeOnly, OpDetach, model.NativeChannel, false},
		{"detach native under tagged", trunk, OpDetach, model.NativeChannel, true},
		{"detach tagged", trunk, OpDetach, "vlan/102", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckNativeOrdering("n/eth0", tt.attachments, tt.op, tt.channel)
			if got := errors.Is(err, util.ErrConflict); got != tt.conflict {
				t.Errorf("CheckNativeOrdering() = %v, conflict want %v", err, tt.conflict)
			}
		})
	}

	if err := CheckNativeOrdering("n/eth0", none, "reboot", model.NativeChannel); !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("unknown op: got %v", err)
	}
}

func TestBaseEnsureLegalOperation(t *testing.T) {
	strict := &stubSwitch{Base{Config: &model.Switch{Label: "s"}}}
	relaxed := &stubSwitch{Base{Config: &model.Switch{Label: "s"}, Caps: []string{CapNativelessTrunk}}}

	if err := strict.EnsureLegalOperation("n/eth0", nil, OpConnect, "vlan/7"); !errors.Is(err, util.ErrConflict) {
		t.Errorf("strict switch allowed tagged-first: %v", err)
	}
	if err := relaxed.EnsureLegalOperation("n/eth0", nil, OpConnect, "vlan/7"); err != nil {
		t.Errorf("nativeless switch rejected tagged-first: %v", err)
	}
	if !HasCapability(relaxed, CapNativelessTrunk) || HasCapability(strict, CapNativelessTrunk) {
		t.Error("HasCapability mismatch")
	}
}

func TestRegistryResolver(t *testing.T) {
	Register("stub-resolver", func(sw *model.Switch, opts Options) (Switch, error) {
		return &stubSwitch{Base{Config: sw, Opts: opts}}, nil
	})

	resolve := RegistryResolver(func(name string) Options {
		return Options{SaveConfig: name == "stub-resolver"}
	})
	sw, err := resolve(&model.Switch{Label: "s1", Type: "stub-resolver"})
	if err != nil {
		t.Fatal(err)
	}
	if !sw.(*stubSwitch).Opts.SaveConfig {
		t.Error("options not applied")
	}

	if _, err := RegistryResolver(nil)(&model.Switch{Label: "s2", Type: "stub-resolver"}); err != nil {
		t.Errorf("nil options: %v", err)
	}
}
