// Package model defines the resources handed out to tenants: nodes and their
// nics, switches and their ports, networks, the attachments that record what
// is actually configured, and the networking actions that change it.
package model

import (
	"fmt"
	"time"
)

// Project is a tenant. Nodes and networks are owned by projects.
type Project struct {
	Label string `json:"label"`
}

// Node is a physical machine. An empty Project means the node is free.
type Node struct {
	Label   string `json:"label"`
	Project string `json:"project,omitempty"`
}

// PortRef identifies a switch port.
type PortRef struct {
	Switch string `json:"switch"`
	Port   string `json:"port"`
}

func (r PortRef) String() string {
	return r.Switch + "/" + r.Port
}

// NicRef identifies a nic by node and nic label.
type NicRef struct {
	Node string `json:"node"`
	Nic  string `json:"nic"`
}

func (r NicRef) String() string {
	return r.Node + "/" + r.Nic
}

// Nic is a network interface on exactly one node.
type Nic struct {
	Node  string   `json:"node"`
	Label string   `json:"label"`
	MAC   string   `json:"macaddr"`
	Port  *PortRef `json:"port,omitempty"`

	// CurrentAction is the id of the nic's latest networking action that
	// has not been superseded; it is either PENDING or ERROR.
	CurrentAction string `json:"current_action,omitempty"`
}

// Ref returns the nic's reference.
func (n *Nic) Ref() NicRef {
	return NicRef{Node: n.Node, Nic: n.Label}
}

// Switch holds the connection parameters for one physical switch. Type is
// the name the switch's driver registered under.
type Switch struct {
	Label    string            `json:"label"`
	Type     string            `json:"type"`
	Host     string            `json:"host"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"-"`
	Params   map[string]string `json:"params,omitempty"`
}

// Param returns a driver parameter or def when unset.
func (s *Switch) Param(key, def string) string {
	if v, ok := s.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Port belongs to one switch and is attached to at most one nic.
type Port struct {
	Switch string  `json:"switch"`
	Label  string  `json:"label"`
	Nic    *NicRef `json:"nic,omitempty"`
}

// Ref returns the port's reference.
func (p *Port) Ref() PortRef {
	return PortRef{Switch: p.Switch, Port: p.Label}
}

// Network is an isolated L2 domain.
type Network struct {
	Label string `json:"label"`
	// Owner is the owning project; empty means administrator-owned.
	Owner string `json:"owner,omitempty"`
	// Access lists the projects allowed to attach nodes to the network.
	Access []string `json:"access,omitempty"`
	// Allocated is true when NetworkID came from the allocator pool.
	Allocated bool   `json:"allocated"`
	NetworkID string `json:"network_id"`
}

// IsPublic reports whether every project may use the network.
func (n *Network) IsPublic() bool {
	return n.Owner == "" && len(n.Access) == 0
}

// Accessible reports whether project may attach nodes to the network.
func (n *Network) Accessible(project string) bool {
	if n.IsPublic() {
		return true
	}
	for _, p := range n.Access {
		if p == project {
			return true
		}
	}
	return false
}

// Attachment records that a nic currently carries a network on a channel.
type Attachment struct {
	Node    string `json:"node"`
	Nic     string `json:"nic"`
	Channel string `json:"channel"`
	Network string `json:"network"`
}

// ActionType is the kind of change a networking action applies.
type ActionType string

const (
	ActionModifyPort ActionType = "modify_port"
	ActionRevertPort ActionType = "revert_port"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	return t == ActionModifyPort || t == ActionRevertPort
}

// ActionStatus is the journal state of a networking action.
type ActionStatus string

const (
	StatusPending ActionStatus = "PENDING"
	StatusDone    ActionStatus = "DONE"
	StatusError   ActionStatus = "ERROR"
)

// Action is one journal entry: an intended change to a nic's switch port.
type Action struct {
	ID   string     `json:"id"`
	Type ActionType `json:"type"`
	Node string     `json:"node"`
	Nic  string     `json:"nic"`
	// Channel is ignored for revert_port.
	Channel string `json:"channel,omitempty"`
	// NewNetwork is the network label to move to; empty means detach.
	NewNetwork string       `json:"new_network,omitempty"`
	Status     ActionStatus `json:"status"`
	// Seq orders the journal. Lower sequence numbers are applied first.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	// Error holds the driver failure for ERROR actions.
	Error string `json:"error,omitempty"`
}

// NicRef returns the reference of the nic the action applies to.
func (a *Action) NicRef() NicRef {
	return NicRef{Node: a.Node, Nic: a.Nic}
}

func (a *Action) String() string {
	switch a.Type {
	case ActionRevertPort:
		return fmt.Sprintf("%s %s/%s", a.Type, a.Node, a.Nic)
	default:
		target := a.NewNetwork
		if target == "" {
			target = "<detach>"
		}
		return fmt.Sprintf("%s %s/%s %s -> %s", a.Type, a.Node, a.Nic, a.Channel, target)
	}
}

// ActionView is what a client sees when polling an action.
type ActionView struct {
	Status     ActionStatus `json:"status"`
	Node       string       `json:"node"`
	Nic        string       `json:"nic"`
	Type       ActionType   `json:"type"`
	Channel    string       `json:"channel,omitempty"`
	NewNetwork string       `json:"new_network,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// View returns the client-visible status of the action.
func (a *Action) View() *ActionView {
	return &ActionView{
		Status:     a.Status,
		Node:       a.Node,
		Nic:        a.Nic,
		Type:       a.Type,
		Channel:    a.Channel,
		NewNetwork: a.NewNetwork,
		Error:      a.Error,
	}
}
