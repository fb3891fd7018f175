package netapi

import (
	"errors"
	"fmt"

	"github.com/newtron-network/metalnet/pkg/allocator"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// PreconditionChecker collects failed checks for one operation on one
// resource. Checks run against records read inside the enqueue
// transaction.
type PreconditionChecker struct {
	operation string
	resource  string
	errors    []error
}

// NewPreconditionChecker creates a new precondition checker
func NewPreconditionChecker(operation, resource string) *PreconditionChecker {
	return &PreconditionChecker{
		operation: operation,
		resource:  resource,
	}
}

// RequireNodeInProject checks that the node belongs to a project
func (p *PreconditionChecker) RequireNodeInProject(node *model.Node) *PreconditionChecker {
	if node.Project == "" {
		p.errors = append(p.errors, util.NewPreconditionError(
			p.operation, p.resource, "node must belong to a project",
			fmt.Sprintf("node '%s' is free", node.Label)))
	}
	return p
}

// RequireNetworkAccessible checks that the project may use the network
func (p *PreconditionChecker) RequireNetworkAccessible(network *model.Network, project string) *PreconditionChecker {
	if project != "" && !network.Accessible(project) {
		p.errors = append(p.errors, util.NewPreconditionError(
			p.operation, p.resource, "project must have access to the network",
			fmt.Sprintf("project '%s' has no access to network '%s'", project, network.Label)))
	}
	return p
}

// RequireNicOnPort checks that the nic is cabled to a switch port
func (p *PreconditionChecker) RequireNicOnPort(nic *model.Nic) *PreconditionChecker {
	if nic.Port == nil {
		p.errors = append(p.errors, util.NewPreconditionError(
			p.operation, p.resource, "nic must be connected to a switch port",
			fmt.Sprintf("nic '%s' has no port", nic.Ref())))
	}
	return p
}

// RequireNetworkNotAttached checks that the network is on no channel of
// the nic
func (p *PreconditionChecker) RequireNetworkNotAttached(attachments map[string]string, network string) *PreconditionChecker {
	for ch, n := range attachments {
		if n == network {
			p.errors = append(p.errors, util.NewPreconditionError(
				p.operation, p.resource, "network must not already be attached",
				fmt.Sprintf("network '%s' is attached on channel %s", network, ch)))
			break
		}
	}
	return p
}

// RequireChannelFree checks that no network uses the channel on the nic
func (p *PreconditionChecker) RequireChannelFree(attachments map[string]string, channel string) *PreconditionChecker {
	if n, ok := attachments[channel]; ok {
		p.errors = append(p.errors, util.NewPreconditionError(
			p.operation, p.resource, "channel must be free",
			fmt.Sprintf("channel %s carries network '%s'", channel, n)))
	}
	return p
}

// RequireLegalChannel checks the channel against the allocator
func (p *PreconditionChecker) RequireLegalChannel(alloc allocator.Allocator, channel string, network *model.Network) *PreconditionChecker {
	if !alloc.IsLegalChannelFor(channel, network.NetworkID) {
		legal, _ := alloc.LegalChannelsFor(network.NetworkID)
		p.errors = append(p.errors, util.NewPreconditionError(
			p.operation, p.resource, "channel must be legal for the network",
			fmt.Sprintf("channel %s is not one of %v", channel, legal)))
	}
	return p
}

// Check adds a custom precondition
func (p *PreconditionChecker) Check(condition bool, precondition, details string) *PreconditionChecker {
	if !condition {
		p.errors = append(p.errors, util.NewPreconditionError(
			p.operation, p.resource, precondition, details))
	}
	return p
}

// Result returns nil if every check passed. Several failures are joined so
// errors.Is still matches util.ErrPreconditionFailed.
func (p *PreconditionChecker) Result() error {
	switch len(p.errors) {
	case 0:
		return nil
	case 1:
		return p.errors[0]
	}
	return errors.Join(p.errors...)
}
