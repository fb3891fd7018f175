package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// Hash field names shared across tables.
const (
	fieldLabel         = "label"
	fieldProject       = "project"
	fieldMAC           = "macaddr"
	fieldPortSwitch    = "port_switch"
	fieldPort          = "port"
	fieldCurrentAction = "current_action"
	fieldType          = "type"
	fieldHost          = "host"
	fieldUsername      = "username"
	fieldPassword      = "password"
	fieldParams        = "params"
	fieldNicNode       = "nic_node"
	fieldNic           = "nic"
	fieldOwner         = "owner"
	fieldAccess        = "access"
	fieldAllocated     = "allocated"
	fieldNetworkID     = "network_id"
	fieldNode          = "node"
	fieldChannel       = "channel"
	fieldNewNetwork    = "new_network"
	fieldStatus        = "status"
	fieldSeq           = "seq"
	fieldCreatedAt     = "created_at"
	fieldError         = "error"
)

func nicFields(n *model.Nic) map[string]string {
	f := map[string]string{
		fieldNode:  n.Node,
		fieldLabel: n.Label,
		fieldMAC:   n.MAC,
	}
	if n.Port != nil {
		f[fieldPortSwitch] = n.Port.Switch
		f[fieldPort] = n.Port.Port
	}
	if n.CurrentAction != "" {
		f[fieldCurrentAction] = n.CurrentAction
	}
	return f
}

func parseNic(node, label string, vals map[string]string) *model.Nic {
	n := &model.Nic{
		Node:          node,
		Label:         label,
		MAC:           vals[fieldMAC],
		CurrentAction: vals[fieldCurrentAction],
	}
	if sw, port := vals[fieldPortSwitch], vals[fieldPort]; sw != "" && port != "" {
		n.Port = &model.PortRef{Switch: sw, Port: port}
	}
	return n
}

func switchFields(s *model.Switch) (map[string]string, error) {
	f := map[string]string{
		fieldLabel:    s.Label,
		fieldType:     s.Type,
		fieldHost:     s.Host,
		fieldUsername: s.Username,
		fieldPassword: s.Password,
	}
	if len(s.Params) > 0 {
		data, err := json.Marshal(s.Params)
		if err != nil {
			return nil, err
		}
		f[fieldParams] = string(data)
	}
	return f, nil
}

func parseSwitch(label string, vals map[string]string) (*model.Switch, error) {
	s := &model.Switch{
		Label:    label,
		Type:     vals[fieldType],
		Host:     vals[fieldHost],
		Username: vals[fieldUsername],
		Password: vals[fieldPassword],
	}
	if raw := vals[fieldParams]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Params); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func parsePort(sw, label string, vals map[string]string) *model.Port {
	p := &model.Port{Switch: sw, Label: label}
	if node, nic := vals[fieldNicNode], vals[fieldNic]; node != "" && nic != "" {
		p.Nic = &model.NicRef{Node: node, Nic: nic}
	}
	return p
}

func networkFields(n *model.Network) map[string]string {
	access := ""
	for _, p := range n.Access {
		access = util.AddToCSV(access, p)
	}
	return map[string]string{
		fieldLabel:     n.Label,
		fieldOwner:     n.Owner,
		fieldAccess:    access,
		fieldAllocated: strconv.FormatBool(n.Allocated),
		fieldNetworkID: n.NetworkID,
	}
}

func parseNetwork(label string, vals map[string]string) *model.Network {
	allocated, _ := strconv.ParseBool(vals[fieldAllocated])
	return &model.Network{
		Label:     label,
		Owner:     vals[fieldOwner],
		Access:    util.SplitCommaSeparated(vals[fieldAccess]),
		Allocated: allocated,
		NetworkID: vals[fieldNetworkID],
	}
}

func actionFields(a *model.Action) map[string]string {
	f := map[string]string{
		fieldType:       string(a.Type),
		fieldNode:       a.Node,
		fieldNic:        a.Nic,
		fieldChannel:    a.Channel,
		fieldNewNetwork: a.NewNetwork,
		fieldStatus:     string(a.Status),
		fieldSeq:        strconv.FormatInt(a.Seq, 10),
		fieldCreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.Error != "" {
		f[fieldError] = a.Error
	}
	return f
}

func parseAction(id string, vals map[string]string) *model.Action {
	seq, _ := strconv.ParseInt(vals[fieldSeq], 10, 64)
	created, _ := time.Parse(time.RFC3339Nano, vals[fieldCreatedAt])
	return &model.Action{
		ID:         id,
		Type:       model.ActionType(vals[fieldType]),
		Node:       vals[fieldNode],
		Nic:        vals[fieldNic],
		Channel:    vals[fieldChannel],
		NewNetwork: vals[fieldNewNetwork],
		Status:     model.ActionStatus(vals[fieldStatus]),
		Seq:        seq,
		CreatedAt:  created,
		Error:      vals[fieldError],
	}
}
