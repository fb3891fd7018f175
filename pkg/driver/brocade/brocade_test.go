package brocade

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

var fakePath = regexp.MustCompile(`^/rest/config/running/interface/TenGigabitEthernet/"([^"]+)"/switchport(.*)$`)

// fakeVDX is an in-memory VDX REST endpoint.
type fakeVDX struct {
	mu       sync.Mutex
	native   map[string]string
	allowed  map[string]map[string]bool
	requests []string
	failOn   string
}

func newFakeVDX() *fakeVDX {
	return &fakeVDX{native: map[string]string{}, allowed: map[string]map[string]bool{}}
}

func (f *fakeVDX) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "pw" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	m := fakePath.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.NotFound(w, r)
		return
	}
	port, resource := m[1], m[2]
	call := r.Method + " " + resource
	f.requests = append(f.requests, call)
	if f.failOn != "" && call == f.failOn {
		http.Error(w, "<errors><error><error-message>rejected</error-message></error></errors>", http.StatusBadRequest)
		return
	}
	if f.allowed[port] == nil {
		f.allowed[port] = map[string]bool{}
	}

	switch call {
	case "GET ":
		var vlans []int
		for v := range f.allowed[port] {
			n, _ := strconv.Atoi(v)
			vlans = append(vlans, n)
		}
		sort.Ints(vlans)
		var b strings.Builder
		b.WriteString("<switchport><mode><vlan-mode>trunk</vlan-mode></mode><trunk>")
		if len(vlans) > 0 {
			fmt.Fprintf(&b, "<allowed><vlan><add>%s</add></vlan></allowed>", util.CompactRange(vlans))
		}
		if n := f.native[port]; n != "" {
			fmt.Fprintf(&b, "<native-vlan>%s</native-vlan>", n)
		}
		b.WriteString("</trunk></switchport>")
		w.Write([]byte(b.String()))
		return
	case "PUT /mode":
	case "PUT /trunk/allowed/vlan":
		var u vlanUpdate
		if err := xml.NewDecoder(r.Body).Decode(&u); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch {
		case u.None:
			f.allowed[port] = map[string]bool{}
		case u.Add != "":
			f.allowed[port][u.Add] = true
		case u.Remove != "":
			delete(f.allowed[port], u.Remove)
		}
	case "PUT /trunk":
		var n trunkNative
		if err := xml.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.native[port] = n.NativeVLAN
	case "DELETE /trunk/native-vlan":
		delete(f.native, port)
	default:
		http.Error(w, "unsupported "+call, http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeVDX) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// port returns the native VLAN and trunk size of one port
func (f *fakeVDX) port(p string) (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.native[p], len(f.allowed[p])
}

func newTestSession(t *testing.T, fake *fakeVDX) driver.Session {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	sw, err := New(&model.Switch{
		Label:    "vdx1",
		Type:     Name,
		Host:     srv.URL,
		Username: "admin",
		Password: "pw",
		Params:   map[string]string{ParamInterfaceType: "TenGigabitEthernet"},
	}, driver.Options{IOTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := sw.Session(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Disconnect() })
	return sess
}

func TestNew_RequiresInterfaceType(t *testing.T) {
	_, err := New(&model.Switch{Label: "vdx"}, driver.Options{})
	if !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("missing interface_type: got %v", err)
	}
	sw, err := New(&model.Switch{Label: "vdx", Params: map[string]string{ParamInterfaceType: "GigabitEthernet"}}, driver.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if driver.HasCapability(sw, driver.CapNativelessTrunk) {
		t.Error("brocade must not advertise nativeless trunks")
	}
	if err := sw.ValidatePortName("1/0/5"); err != nil {
		t.Errorf("ValidatePortName(1/0/5) = %v", err)
	}
	if err := sw.ValidatePortName("te1/0/5"); err == nil {
		t.Error("ValidatePortName(te1/0/5) accepted")
	}
}

func TestSession_NativeThenTagged(t *testing.T) {
	fake := newFakeVDX()
	sess := newTestSession(t, fake)
	ctx := context.Background()
	port := "1/0/5"

	if err := sess.ModifyPort(ctx, port, model.NativeChannel, "100"); err != nil {
		t.Fatal(err)
	}
	if err := sess.ModifyPort(ctx, port, "vlan/200", "200"); err != nil {
		t.Fatal(err)
	}
	nets, err := sess.GetPortNetworks(ctx, []string{port})
	if err != nil {
		t.Fatal(err)
	}
	want := []driver.PortNetwork{
		{Channel: model.NativeChannel, NetworkID: "100"},
		{Channel: "vlan/200", NetworkID: "200"},
	}
	if fmt.Sprint(nets[port]) != fmt.Sprint(want) {
		t.Errorf("GetPortNetworks() = %v, want %v", nets[port], want)
	}

	if err := sess.ModifyPort(ctx, port, "vlan/200", ""); err != nil {
		t.Fatal(err)
	}
	if err := sess.ModifyPort(ctx, port, model.NativeChannel, ""); err != nil {
		t.Fatal(err)
	}
	nets, err = sess.GetPortNetworks(ctx, []string{port})
	if err != nil {
		t.Fatal(err)
	}
	if len(nets[port]) != 0 {
		t.Errorf("after detach: %v", nets[port])
	}
}

func TestSession_RevertOrder(t *testing.T) {
	fake := newFakeVDX()
	sess := newTestSession(t, fake)
	ctx := context.Background()

	if err := sess.ModifyPort(ctx, "1/0/7", model.NativeChannel, "100"); err != nil {
		t.Fatal(err)
	}
	before := len(fake.calls())
	if err := sess.RevertPort(ctx, "1/0/7"); err != nil {
		t.Fatal(err)
	}
	got := fake.calls()[before:]
	want := []string{"PUT /trunk/allowed/vlan", "DELETE /trunk/native-vlan"}
	if strings.Join(got, ";") != strings.Join(want, ";") {
		t.Errorf("revert calls = %v, want %v", got, want)
	}
	if native, n := fake.port("1/0/7"); native != "" || n != 0 {
		t.Errorf("port not reverted: native %q, %d allowed", native, n)
	}
}

func TestSession_HTTPErrorIsDriverError(t *testing.T) {
	fake := newFakeVDX()
	fake.failOn = "PUT /trunk"
	sess := newTestSession(t, fake)

	err := sess.ModifyPort(context.Background(), "1/0/1", model.NativeChannel, "100")
	if !errors.Is(err, util.ErrDriver) {
		t.Fatalf("ModifyPort() = %v, want driver error", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("status missing from %q", err)
	}
}

func TestSession_BadCredentials(t *testing.T) {
	fake := newFakeVDX()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sw, err := New(&model.Switch{
		Label:    "vdx1",
		Host:     srv.URL,
		Username: "admin",
		Password: "wrong",
		Params:   map[string]string{ParamInterfaceType: "TenGigabitEthernet"},
	}, driver.Options{})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := sw.Session(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Disconnect()

	if _, err := sess.GetPortNetworks(context.Background(), []string{"1/0/1"}); !errors.Is(err, util.ErrDriver) {
		t.Errorf("GetPortNetworks() = %v, want driver error", err)
	}
}
