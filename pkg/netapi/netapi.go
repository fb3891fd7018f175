// Package netapi is the entry point used by request handlers and the CLI:
// it validates attachment changes and enqueues networking actions, answers
// status polls, and creates and deletes networks through the allocator.
// Every request, accepted or not, is written to the audit log.
//
// Enqueue is a single optimistic transaction over the nic, its attachments
// and its current action, so concurrent requests on one nic serialize in
// Redis and at most one PENDING action per nic can exist.
package netapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/newtron-network/metalnet/pkg/allocator"
	"github.com/newtron-network/metalnet/pkg/audit"
	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/store"
	"github.com/newtron-network/metalnet/pkg/util"
)

// API validates and records resource changes
type API struct {
	store   *store.Store
	alloc   allocator.Allocator
	resolve driver.Resolver
}

// New builds the API. The store and allocator are required; a nil resolver
// resolves switches through the driver registry with zero options.
func New(s *store.Store, alloc allocator.Allocator, resolve driver.Resolver) (*API, error) {
	if s == nil {
		return nil, errors.New("netapi: store is required")
	}
	if alloc == nil {
		return nil, errors.New("netapi: allocator is required")
	}
	if resolve == nil {
		resolve = driver.RegistryResolver(nil)
	}
	return &API{store: s, alloc: alloc, resolve: resolve}, nil
}

// Store returns the underlying store
func (a *API) Store() *store.Store {
	return a.store
}

// ============================================================================
// Networking actions
// ============================================================================

// ConnectNetwork enqueues attaching network to a nic on channel. An empty
// channel means the allocator's default channel. It returns the action's
// correlation id.
func (a *API) ConnectNetwork(ctx context.Context, node, nic, network, channel string) (string, error) {
	if channel == "" {
		channel = a.alloc.DefaultChannel()
	}
	ref := model.NicRef{Node: node, Nic: nic}
	keys := []string{store.Key(store.TableNode, node), store.Key(store.TableNetwork, network)}

	return a.enqueue(ctx, audit.Request(ctx, "connect-network").ForNetwork(network), ref, keys, func(tx *store.Tx, n *model.Nic, attachments map[string]string) (*model.Action, error) {
		nd, err := tx.Node(node)
		if err != nil {
			return nil, err
		}
		net, err := tx.Network(network)
		if err != nil {
			return nil, err
		}
		err = NewPreconditionChecker("connect-network", "nic "+ref.String()).
			RequireNodeInProject(nd).
			RequireNetworkAccessible(net, nd.Project).
			RequireNetworkNotAttached(attachments, network).
			RequireChannelFree(attachments, channel).
			RequireLegalChannel(a.alloc, channel, net).
			Result()
		if err != nil {
			return nil, err
		}
		if err := a.ensureLegal(tx, n, attachments, driver.OpConnect, channel); err != nil {
			return nil, err
		}
		return &model.Action{Type: model.ActionModifyPort, Channel: channel, NewNetwork: network}, nil
	})
}

// DetachNetwork enqueues removing network from a nic.
func (a *API) DetachNetwork(ctx context.Context, node, nic, network string) (string, error) {
	ref := model.NicRef{Node: node, Nic: nic}

	return a.enqueue(ctx, audit.Request(ctx, "detach-network").ForNetwork(network), ref, nil, func(tx *store.Tx, n *model.Nic, attachments map[string]string) (*model.Action, error) {
		channel := ""
		for ch, net := range attachments {
			if net == network {
				channel = ch
				break
			}
		}
		err := NewPreconditionChecker("detach-network", "nic "+ref.String()).
			Check(channel != "", "network must be attached to the nic", fmt.Sprintf("network '%s' is not attached", network)).
			Result()
		if err != nil {
			return nil, err
		}
		if err := a.ensureLegal(tx, n, attachments, driver.OpDetach, channel); err != nil {
			return nil, err
		}
		return &model.Action{Type: model.ActionModifyPort, Channel: channel}, nil
	})
}

// RevertPort enqueues removing every network from the nic cabled to a port.
func (a *API) RevertPort(ctx context.Context, sw, port string) (string, error) {
	ref := model.PortRef{Switch: sw, Port: port}
	p, err := a.store.Port(ctx, ref)
	if err == nil {
		err = NewPreconditionChecker("revert-port", "port "+ref.String()).
			Check(p.Nic != nil, "port must be connected to a nic", "").
			Result()
	}
	if err != nil {
		return audited(audit.Request(ctx, "revert-port").ForPort(ref), func() (string, error) { return "", err })
	}
	portKey := store.Key(store.TablePort, sw, port)

	return a.enqueue(ctx, audit.Request(ctx, "revert-port"), *p.Nic, []string{portKey}, func(tx *store.Tx, n *model.Nic, _ map[string]string) (*model.Action, error) {
		if n.Port == nil || *n.Port != p.Ref() {
			return nil, util.NewConflictError("port "+p.Ref().String(), "nic was recabled")
		}
		return &model.Action{Type: model.ActionRevertPort}, nil
	})
}

// buildFunc checks an operation against the nic's state and returns the
// action to enqueue.
type buildFunc func(tx *store.Tx, nic *model.Nic, attachments map[string]string) (*model.Action, error)

// enqueue runs the shared part of every enqueue: the nic must be on a port
// and must not have a PENDING action. An ERROR action on the nic is
// superseded by the new one.
func (a *API) enqueue(ctx context.Context, ev *audit.Event, ref model.NicRef, keys []string, build buildFunc) (string, error) {
	return audited(ev.ForNic(ref), func() (string, error) {
		return a.commit(ctx, ev, ref, keys, build)
	})
}

// commit enqueues the action build returns. The audit event learns the
// switch port the action will be applied to.
func (a *API) commit(ctx context.Context, ev *audit.Event, ref model.NicRef, keys []string, build buildFunc) (string, error) {
	operation := ev.Operation
	nicKey := store.Key(store.TableNic, ref.Node, ref.Nic)
	attachKey := store.Key(store.TableAttach, ref.Node, ref.Nic)
	keys = append([]string{nicKey, attachKey}, keys...)

	var action *model.Action
	err := a.store.Update(ctx, func(tx *store.Tx) error {
		n, err := tx.Nic(ref)
		if err != nil {
			return err
		}
		if err := NewPreconditionChecker(operation, "nic "+ref.String()).RequireNicOnPort(n).Result(); err != nil {
			return err
		}

		superseded := ""
		if n.CurrentAction != "" {
			cur, err := tx.Action(n.CurrentAction)
			switch {
			case util.IsNotFound(err):
			case err != nil:
				return err
			case cur.Status == model.StatusPending:
				return util.NewPendingActionError(ref.String(), cur.ID)
			default:
				superseded = cur.ID
			}
		}

		attachments, err := tx.Attachments(ref)
		if err != nil {
			return err
		}
		act, err := build(tx, n, attachments)
		if err != nil {
			return err
		}

		seq, err := tx.NextSeq()
		if err != nil {
			return err
		}
		act.ID = uuid.NewString()
		act.Node, act.Nic = ref.Node, ref.Nic
		act.Status = model.StatusPending
		act.Seq = seq
		act.CreatedAt = time.Now().UTC()

		if superseded != "" {
			tx.DeleteAction(superseded)
		}
		tx.PutAction(act)
		action = act
		ev.ForPort(*n.Port)
		return nil
	}, keys...)
	if err != nil {
		util.WithNic(ref.Node, ref.Nic).WithError(err).Debugf("Rejected %s", operation)
		return "", err
	}

	util.WithAction(action.ID, ref.Node, ref.Nic).Infof("Enqueued %s", action)
	return action.ID, nil
}

// ensureLegal runs the switch driver's pre-flight ordering check.
func (a *API) ensureLegal(tx *store.Tx, nic *model.Nic, attachments map[string]string, op driver.Operation, channel string) error {
	rec, err := tx.Switch(nic.Port.Switch)
	if err != nil {
		return err
	}
	sw, err := a.resolve(rec)
	if err != nil {
		return err
	}
	return sw.EnsureLegalOperation(nic.Ref().String(), attachments, op, channel)
}

// ActionStatus returns the client-visible state of an action. DONE actions
// report not found once their retention expires.
func (a *API) ActionStatus(ctx context.Context, id string) (*model.ActionView, error) {
	act, err := a.store.Action(ctx, id)
	if err != nil {
		return nil, err
	}
	return act.View(), nil
}

// ============================================================================
// Networks
// ============================================================================

// CreateNetwork creates a network. An empty networkID allocates one from
// the pool; an explicit id may be supplied only for administrator-owned
// networks and is claimed. A project-owned network with no access list is
// accessible to its owner.
func (a *API) CreateNetwork(ctx context.Context, label, owner string, access []string, networkID string) (*model.Network, error) {
	var n *model.Network
	err := auditedErr(audit.Request(ctx, "create-network").ForNetwork(label), func() error {
		var err error
		n, err = a.createNetwork(ctx, label, owner, access, networkID)
		return err
	})
	return n, err
}

func (a *API) createNetwork(ctx context.Context, label, owner string, access []string, networkID string) (*model.Network, error) {
	if err := store.ValidateLabel("network", label); err != nil {
		return nil, err
	}
	for _, p := range append([]string{owner}, access...) {
		if p == "" {
			continue
		}
		if _, err := a.store.Project(ctx, p); err != nil {
			return nil, err
		}
	}
	if owner != "" && len(access) == 0 {
		access = []string{owner}
	}

	n := &model.Network{Label: label, Owner: owner, Access: access}
	if networkID == "" {
		id, err := a.alloc.GetNewNetworkID(ctx)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, util.NewAllocationError("", "network id pool exhausted")
		}
		n.NetworkID, n.Allocated = id, true
	} else {
		if owner != "" {
			return nil, util.NewPreconditionError("create-network", "network "+label,
				"explicit network ids are for administrator-owned networks", "owner is project '"+owner+"'")
		}
		if !a.alloc.ValidateNetworkID(networkID) {
			return nil, util.NewValidationError(fmt.Sprintf("invalid network id %q", networkID))
		}
		if err := a.alloc.ClaimNetworkID(ctx, networkID); err != nil {
			return nil, err
		}
		n.NetworkID = networkID
	}

	if err := a.store.CreateNetwork(ctx, n); err != nil {
		if ferr := a.alloc.FreeNetworkID(ctx, n.NetworkID); ferr != nil {
			util.WithField("network_id", n.NetworkID).WithError(ferr).Warn("Releasing network id after failed create")
		}
		return nil, err
	}
	util.WithFields(logrus.Fields{
		"network": label, "network_id": n.NetworkID, "allocated": n.Allocated,
	}).Info("Network created")
	return n, nil
}

// DeleteNetwork deletes a network no nic carries and no pending action
// targets, then releases its id.
func (a *API) DeleteNetwork(ctx context.Context, label string) error {
	return auditedErr(audit.Request(ctx, "delete-network").ForNetwork(label), func() error {
		return a.deleteNetwork(ctx, label)
	})
}

func (a *API) deleteNetwork(ctx context.Context, label string) error {
	n, err := a.store.DeleteNetwork(ctx, label)
	if err != nil {
		return err
	}
	// The row is gone; allocator failures no longer fail the delete.
	logger := util.WithFields(logrus.Fields{"network": label, "network_id": n.NetworkID})
	inPool, err := a.alloc.IsNetworkIDInPool(ctx, n.NetworkID)
	if err != nil {
		logger.WithError(err).Warn("Checking pool membership of deleted network's id")
	}
	if err := a.alloc.FreeNetworkID(ctx, n.NetworkID); err != nil {
		logger.WithError(err).Error("Network deleted but its id was not released")
		return nil
	}
	logger.WithField("returned_to_pool", inPool).Info("Network deleted")
	return nil
}

// GrantAccess lets project's nodes connect to a network
func (a *API) GrantAccess(ctx context.Context, network, project string) error {
	return auditedErr(audit.Request(ctx, "grant-access").ForNetwork(network).ForProject(project), func() error {
		return a.store.GrantAccess(ctx, network, project)
	})
}

// RevokeAccess withdraws a project's access to a network. It is refused
// while a node of the project carries the network.
func (a *API) RevokeAccess(ctx context.Context, network, project string) error {
	return auditedErr(audit.Request(ctx, "revoke-access").ForNetwork(network).ForProject(project), func() error {
		return a.store.RevokeAccess(ctx, network, project)
	})
}

// ============================================================================
// Resources
// ============================================================================

// CreateProject creates a project
func (a *API) CreateProject(ctx context.Context, label string) error {
	return auditedErr(audit.Request(ctx, "create-project").ForProject(label), func() error {
		return a.store.CreateProject(ctx, label)
	})
}

// CreateNode registers a free node
func (a *API) CreateNode(ctx context.Context, label string) error {
	return auditedErr(audit.Request(ctx, "create-node").ForNode(label), func() error {
		return a.store.CreateNode(ctx, label)
	})
}

// AssignNode gives a free node to a project
func (a *API) AssignNode(ctx context.Context, node, project string) error {
	return auditedErr(audit.Request(ctx, "assign-node").ForNode(node).ForProject(project), func() error {
		return a.store.AssignNode(ctx, node, project)
	})
}

// CreateNic registers a nic on a node
func (a *API) CreateNic(ctx context.Context, node, label, mac string) error {
	return auditedErr(audit.Request(ctx, "create-nic").ForNic(model.NicRef{Node: node, Nic: label}), func() error {
		return a.store.CreateNic(ctx, node, label, mac)
	})
}

// RegisterSwitch stores a switch after its driver accepts the record
func (a *API) RegisterSwitch(ctx context.Context, sw *model.Switch) error {
	return auditedErr(audit.Request(ctx, "register-switch").ForSwitch(sw.Label), func() error {
		if _, err := a.resolve(sw); err != nil {
			return err
		}
		return a.store.CreateSwitch(ctx, sw)
	})
}

// RegisterPort stores a port after the switch's driver accepts its label
func (a *API) RegisterPort(ctx context.Context, swLabel, port string) error {
	return auditedErr(audit.Request(ctx, "register-port").ForPort(model.PortRef{Switch: swLabel, Port: port}), func() error {
		return a.registerPort(ctx, swLabel, port)
	})
}

func (a *API) registerPort(ctx context.Context, swLabel, port string) error {
	rec, err := a.store.Switch(ctx, swLabel)
	if err != nil {
		return err
	}
	sw, err := a.resolve(rec)
	if err != nil {
		return err
	}
	if err := sw.ValidatePortName(port); err != nil {
		return err
	}
	return a.store.CreatePort(ctx, swLabel, port)
}

// ConnectNic records the cable between a port and a nic
func (a *API) ConnectNic(ctx context.Context, port model.PortRef, nic model.NicRef) error {
	return auditedErr(audit.Request(ctx, "connect-nic").ForPort(port).ForNic(nic), func() error {
		return a.store.ConnectNic(ctx, port, nic)
	})
}

// DetachNic removes the cable record of a port
func (a *API) DetachNic(ctx context.Context, port model.PortRef) error {
	return auditedErr(audit.Request(ctx, "detach-nic").ForPort(port), func() error {
		return a.store.DetachNic(ctx, port)
	})
}
