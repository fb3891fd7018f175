// Package brocade drives Brocade VDX switches through their REST
// configuration API. Requests carry XML documents and HTTP basic auth.
//
// VDX trunks need a native VLAN while tagged VLANs remain, so the
// native-before-tagged ordering applies.
package brocade

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// Name is the driver's registered name
const Name = "brocade"

// ParamInterfaceType names the switch parameter holding the VDX interface
// type, e.g. "TenGigabitEthernet".
const ParamInterfaceType = "interface_type"

const contentType = "application/vnd.configuration.resource+xml"

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

var portName = regexp.MustCompile(`^\d+/\d+/\d+$`)

func init() {
	driver.Register(Name, New)
}

// Switch is a VDX switch record
type Switch struct {
	driver.Base
	interfaceType string
}

// New builds a VDX switch. The interface_type parameter is required.
func New(sw *model.Switch, opts driver.Options) (driver.Switch, error) {
	ifType := sw.Param(ParamInterfaceType, "")
	if ifType == "" || strings.ContainsAny(ifType, "/\" ") {
		return nil, util.NewValidationError(fmt.Sprintf("brocade switch %s: %s must be set (e.g. TenGigabitEthernet), got %q",
			sw.Label, ParamInterfaceType, ifType))
	}
	return &Switch{
		Base:          driver.Base{Config: sw, Opts: opts},
		interfaceType: ifType,
	}, nil
}

// ValidatePortName accepts rbridge/slot/port names such as "1/0/12"
func (s *Switch) ValidatePortName(port string) error {
	if !portName.MatchString(port) {
		return util.NewValidationError(fmt.Sprintf("invalid brocade port %q (want rbridge/slot/port)", port))
	}
	return nil
}

// Session returns a REST session. No connection is made until the first
// request.
func (s *Switch) Session(ctx context.Context) (driver.Session, error) {
	timeout := s.Opts.IOTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := s.Config.Host
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if _, err := url.Parse(base); err != nil {
		return nil, util.NewDriverError(s.Label(), "connect", err)
	}
	return &Session{
		sw:      s,
		baseURL: strings.TrimRight(base, "/") + "/rest/config/running/interface/" + s.interfaceType,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Session issues REST calls against one switch
type Session struct {
	sw      *Switch
	baseURL string
	client  *http.Client
}

var _ driver.Session = (*Session)(nil)

// XML documents of the VDX switchport resources.

type vlanUpdate struct {
	XMLName xml.Name `xml:"vlan"`
	Add     string   `xml:"add,omitempty"`
	Remove  string   `xml:"remove,omitempty"`
	None    bool     `xml:"none,omitempty"`
}

type trunkNative struct {
	XMLName    xml.Name `xml:"trunk"`
	NativeVLAN string   `xml:"native-vlan"`
}

type portMode struct {
	XMLName  xml.Name `xml:"mode"`
	VLANMode string   `xml:"vlan-mode"`
}

type switchport struct {
	XMLName    xml.Name `xml:"switchport"`
	Mode       string   `xml:"mode>vlan-mode"`
	Allowed    string   `xml:"trunk>allowed>vlan>add"`
	NativeVLAN string   `xml:"trunk>native-vlan"`
}

// portURL returns the switchport resource of port, with path appended.
// VDX expects the interface name quoted.
func (s *Session) portURL(port, path string) string {
	return s.baseURL + "/%22" + port + "%22/switchport" + path
}

func (s *Session) do(ctx context.Context, method, target string, body interface{}) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := xml.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.sw.Config.Username, s.sw.Config.Password)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", contentType)

	util.WithSwitch(s.sw.Label()).Debugf("%s %s", method, target)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (s *Session) switchport(ctx context.Context, port string) (*switchport, error) {
	data, err := s.do(ctx, http.MethodGet, s.portURL(port, ""), nil)
	if err != nil {
		return nil, err
	}
	sp := &switchport{}
	if len(bytes.TrimSpace(data)) == 0 {
		return sp, nil
	}
	if err := xml.Unmarshal(data, sp); err != nil {
		return nil, fmt.Errorf("parsing switchport of %s: %w", port, err)
	}
	return sp, nil
}

func (s *Session) allowed(ctx context.Context, port string, update vlanUpdate) error {
	_, err := s.do(ctx, http.MethodPut, s.portURL(port, "/trunk/allowed/vlan"), update)
	return err
}

func (s *Session) setNative(ctx context.Context, port, vlan string) error {
	if _, err := s.do(ctx, http.MethodPut, s.portURL(port, "/mode"), portMode{VLANMode: "trunk"}); err != nil {
		return err
	}
	if err := s.allowed(ctx, port, vlanUpdate{Add: vlan}); err != nil {
		return err
	}
	_, err := s.do(ctx, http.MethodPut, s.portURL(port, "/trunk"), trunkNative{NativeVLAN: vlan})
	return err
}

func (s *Session) removeNative(ctx context.Context, port string) error {
	_, err := s.do(ctx, http.MethodDelete, s.portURL(port, "/trunk/native-vlan"), nil)
	return err
}

// ModifyPort changes one channel on port. A native change removes the
// current native VLAN from the trunk before setting the new one.
func (s *Session) ModifyPort(ctx context.Context, port, channel, networkID string) error {
	native, vlan, err := model.ParseChannel(channel)
	if err == nil {
		err = s.modifyPort(ctx, port, native, vlan, networkID)
	}
	if err != nil {
		return util.NewDriverError(s.sw.Label(), "modify_port", err)
	}
	util.WithSwitch(s.sw.Label()).WithFields(map[string]interface{}{
		"port": port, "channel": channel, "network_id": networkID,
	}).Debug("Port modified")
	return nil
}

func (s *Session) modifyPort(ctx context.Context, port string, native bool, vlan int, networkID string) error {
	if !native {
		if networkID == "" {
			return s.allowed(ctx, port, vlanUpdate{Remove: strconv.Itoa(vlan)})
		}
		return s.allowed(ctx, port, vlanUpdate{Add: networkID})
	}

	current, err := s.switchport(ctx, port)
	if err != nil {
		return err
	}
	if current.NativeVLAN != "" {
		if err := s.allowed(ctx, port, vlanUpdate{Remove: current.NativeVLAN}); err != nil {
			return err
		}
		if err := s.removeNative(ctx, port); err != nil {
			return err
		}
	}
	if networkID == "" {
		return nil
	}
	return s.setNative(ctx, port, networkID)
}

// RevertPort empties the trunk, then removes the native VLAN
func (s *Session) RevertPort(ctx context.Context, port string) error {
	err := s.allowed(ctx, port, vlanUpdate{None: true})
	if err == nil {
		err = s.removeNative(ctx, port)
	}
	if err != nil {
		return util.NewDriverError(s.sw.Label(), "revert_port", err)
	}
	util.WithSwitch(s.sw.Label()).WithField("port", port).Debug("Port reverted")
	return nil
}

// GetPortNetworks reads each port's switchport resource
func (s *Session) GetPortNetworks(ctx context.Context, ports []string) (map[string][]driver.PortNetwork, error) {
	result := make(map[string][]driver.PortNetwork, len(ports))
	for _, port := range ports {
		sp, err := s.switchport(ctx, port)
		if err != nil {
			return nil, util.NewDriverError(s.sw.Label(), "get_port_networks", fmt.Errorf("port %s: %w", port, err))
		}
		var tagged []string
		if sp.Allowed != "" {
			vlans, err := util.ExpandVLANRange(sp.Allowed)
			if err != nil {
				return nil, util.NewDriverError(s.sw.Label(), "get_port_networks",
					fmt.Errorf("port %s: allowed vlans %q: %w", port, sp.Allowed, err))
			}
			for _, v := range vlans {
				tagged = append(tagged, strconv.Itoa(v))
			}
		}
		result[port] = driver.TrunkNetworks(sp.NativeVLAN, tagged)
	}
	return result, nil
}

// Disconnect drops idle keep-alive connections
func (s *Session) Disconnect() error {
	s.client.CloseIdleConnections()
	return nil
}
