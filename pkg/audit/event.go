// Package audit keeps a JSON-lines trail of network changes: every API
// request that touches a resource, and the status every journal action
// settles in once the worker has applied it. Events name the nic, switch
// port and network involved so one query can follow a change from the
// request to the switch.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/newtron-network/metalnet/pkg/model"
)

// Kind separates requests from worker outcomes
type Kind string

const (
	KindRequest Kind = "request"
	KindOutcome Kind = "outcome"
)

// Event is one audit record
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	User      string    `json:"user,omitempty"`
	Operation string    `json:"operation"`

	Project string `json:"project,omitempty"`
	Node    string `json:"node,omitempty"`
	Nic     string `json:"nic,omitempty"`
	Switch  string `json:"switch,omitempty"`
	Port    string `json:"port,omitempty"`
	Network string `json:"network,omitempty"`

	// Action is the journal action a request enqueued or an outcome settled.
	Action string `json:"action,omitempty"`
	// Status is the action's final status; outcomes only.
	Status   string        `json:"status,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Request starts an event for an API call made by the context's user
func Request(ctx context.Context, operation string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      KindRequest,
		User:      UserFrom(ctx),
		Operation: operation,
	}
}

// Outcome records the status a journal action settled in. cause is the
// driver failure for ERROR and dropped actions.
func Outcome(a *model.Action, status string, cause error) *Event {
	e := &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      KindOutcome,
		Operation: string(a.Type),
		Node:      a.Node,
		Nic:       a.Nic,
		Network:   a.NewNetwork,
		Action:    a.ID,
		Status:    status,
	}
	return e.WithResult(cause)
}

// ForNic names the nic the event is about
func (e *Event) ForNic(ref model.NicRef) *Event {
	e.Node, e.Nic = ref.Node, ref.Nic
	return e
}

// ForPort names the switch port the event is about
func (e *Event) ForPort(ref model.PortRef) *Event {
	e.Switch, e.Port = ref.Switch, ref.Port
	return e
}

// ForNetwork names the network the event is about
func (e *Event) ForNetwork(label string) *Event {
	e.Network = label
	return e
}

// ForProject names the project the event is about
func (e *Event) ForProject(label string) *Event {
	e.Project = label
	return e
}

// ForNode names the node the event is about
func (e *Event) ForNode(label string) *Event {
	e.Node = label
	return e
}

// ForSwitch names the switch the event is about
func (e *Event) ForSwitch(label string) *Event {
	e.Switch = label
	return e
}

// WithAction sets the journal action id
func (e *Event) WithAction(id string) *Event {
	e.Action = id
	return e
}

// WithResult marks the event successful when err is nil and failed otherwise
func (e *Event) WithResult(err error) *Event {
	e.Success = err == nil
	e.Error = ""
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Subject renders the resources the event names, most specific first
func (e *Event) Subject() string {
	var parts []string
	switch {
	case e.Nic != "":
		parts = append(parts, "nic "+e.Node+"/"+e.Nic)
	case e.Node != "":
		parts = append(parts, "node "+e.Node)
	}
	switch {
	case e.Port != "":
		parts = append(parts, "port "+e.Switch+"/"+e.Port)
	case e.Switch != "":
		parts = append(parts, "switch "+e.Switch)
	}
	if e.Network != "" {
		parts = append(parts, "network "+e.Network)
	}
	if e.Project != "" {
		parts = append(parts, "project "+e.Project)
	}
	return strings.Join(parts, " ")
}

type userKey struct{}

// WithUser returns a context carrying the requesting user
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the requesting user, or "unknown"
func UserFrom(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return "unknown"
}
