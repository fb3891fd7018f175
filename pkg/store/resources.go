package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// ValidateLabel rejects labels that would break the key layout.
func ValidateLabel(kind, label string) error {
	if label == "" {
		return util.NewValidationError(kind + " label must not be empty")
	}
	if strings.ContainsAny(label, "|*?[]") {
		return util.NewValidationError(fmt.Sprintf("%s label %q contains a reserved character", kind, label))
	}
	return nil
}

// ============================================================================
// Reads (shared by Store and Tx)
// ============================================================================

func getProject(ctx context.Context, c redis.Cmdable, label string) (*model.Project, error) {
	vals, err := hgetAll(ctx, c, Key(TableProject, label))
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return nil, util.NewNotFoundError("project", label)
	}
	return &model.Project{Label: label}, nil
}

func getNode(ctx context.Context, c redis.Cmdable, label string) (*model.Node, error) {
	vals, err := hgetAll(ctx, c, Key(TableNode, label))
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return nil, util.NewNotFoundError("node", label)
	}
	return &model.Node{Label: label, Project: vals[fieldProject]}, nil
}

func getNic(ctx context.Context, c redis.Cmdable, ref model.NicRef) (*model.Nic, error) {
	vals, err := hgetAll(ctx, c, Key(TableNic, ref.Node, ref.Nic))
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return nil, util.NewNotFoundError("nic", ref.String())
	}
	return parseNic(ref.Node, ref.Nic, vals), nil
}

func getSwitch(ctx context.Context, c redis.Cmdable, label string) (*model.Switch, error) {
	vals, err := hgetAll(ctx, c, Key(TableSwitch, label))
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return nil, util.NewNotFoundError("switch", label)
	}
	return parseSwitch(label, vals)
}

func getPort(ctx context.Context, c redis.Cmdable, ref model.PortRef) (*model.Port, error) {
	vals, err := hgetAll(ctx, c, Key(TablePort, ref.Switch, ref.Port))
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return nil, util.NewNotFoundError("port", ref.String())
	}
	return parsePort(ref.Switch, ref.Port, vals), nil
}

func getNetwork(ctx context.Context, c redis.Cmdable, label string) (*model.Network, error) {
	vals, err := hgetAll(ctx, c, Key(TableNetwork, label))
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return nil, util.NewNotFoundError("network", label)
	}
	return parseNetwork(label, vals), nil
}

// getAttachments returns channel -> network label for one nic.
func getAttachments(ctx context.Context, c redis.Cmdable, ref model.NicRef) (map[string]string, error) {
	vals, err := c.HGetAll(ctx, Key(TableAttach, ref.Node, ref.Nic)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading attachments of %s: %w", ref, err)
	}
	return vals, nil
}

// Project returns a project by label
func (s *Store) Project(ctx context.Context, label string) (*model.Project, error) {
	return getProject(ctx, s.client, label)
}

// Node returns a node by label
func (s *Store) Node(ctx context.Context, label string) (*model.Node, error) {
	return getNode(ctx, s.client, label)
}

// Nic returns a nic by reference
func (s *Store) Nic(ctx context.Context, ref model.NicRef) (*model.Nic, error) {
	return getNic(ctx, s.client, ref)
}

// Switch returns a switch by label
func (s *Store) Switch(ctx context.Context, label string) (*model.Switch, error) {
	return getSwitch(ctx, s.client, label)
}

// Port returns a port by reference
func (s *Store) Port(ctx context.Context, ref model.PortRef) (*model.Port, error) {
	return getPort(ctx, s.client, ref)
}

// Network returns a network by label
func (s *Store) Network(ctx context.Context, label string) (*model.Network, error) {
	return getNetwork(ctx, s.client, label)
}

// Attachments returns the nic's current attachments, sorted native first
func (s *Store) Attachments(ctx context.Context, ref model.NicRef) ([]model.Attachment, error) {
	vals, err := getAttachments(ctx, s.client, ref)
	if err != nil {
		return nil, err
	}
	channels := make([]string, 0, len(vals))
	for ch := range vals {
		channels = append(channels, ch)
	}
	model.SortChannels(channels)

	result := make([]model.Attachment, 0, len(channels))
	for _, ch := range channels {
		result = append(result, model.Attachment{Node: ref.Node, Nic: ref.Nic, Channel: ch, Network: vals[ch]})
	}
	return result, nil
}

// NetworkLabelForID returns the network using a network id, if any
func (s *Store) NetworkLabelForID(ctx context.Context, networkID string) (string, error) {
	label, err := s.client.Get(ctx, Key(TableNetworkID, networkID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return label, err
}

// Networks lists all networks sorted by label
func (s *Store) Networks(ctx context.Context) ([]*model.Network, error) {
	keys, err := scanKeys(ctx, s.client, Key(TableNetwork, "*"), 100)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	result := make([]*model.Network, 0, len(keys))
	for _, key := range keys {
		n, err := getNetwork(ctx, s.client, strings.TrimPrefix(key, TableNetwork+"|"))
		if err != nil {
			if util.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result = append(result, n)
	}
	return result, nil
}

// Tx reads

// Node reads a node inside the transaction
func (t *Tx) Node(label string) (*model.Node, error) {
	return getNode(t.ctx, t.rtx, label)
}

// Nic reads a nic inside the transaction
func (t *Tx) Nic(ref model.NicRef) (*model.Nic, error) {
	return getNic(t.ctx, t.rtx, ref)
}

// Port reads a port inside the transaction
func (t *Tx) Port(ref model.PortRef) (*model.Port, error) {
	return getPort(t.ctx, t.rtx, ref)
}

// Switch reads a switch inside the transaction
func (t *Tx) Switch(label string) (*model.Switch, error) {
	return getSwitch(t.ctx, t.rtx, label)
}

// Network reads a network inside the transaction
func (t *Tx) Network(label string) (*model.Network, error) {
	return getNetwork(t.ctx, t.rtx, label)
}

// Attachments reads channel -> network for a nic inside the transaction
func (t *Tx) Attachments(ref model.NicRef) (map[string]string, error) {
	return getAttachments(t.ctx, t.rtx, ref)
}

// ============================================================================
// Mutations
// ============================================================================

// CreateProject creates a project
func (s *Store) CreateProject(ctx context.Context, label string) error {
	if err := ValidateLabel("project", label); err != nil {
		return err
	}
	key := Key(TableProject, label)
	return s.Update(ctx, func(tx *Tx) error {
		if n, err := tx.rtx.Exists(ctx, key).Result(); err != nil {
			return err
		} else if n > 0 {
			return util.NewExistsError("project", label)
		}
		tx.queue(func(p redis.Pipeliner) { p.HSet(ctx, key, fieldLabel, label) })
		return nil
	}, key)
}

// CreateNode registers a free node
func (s *Store) CreateNode(ctx context.Context, label string) error {
	if err := ValidateLabel("node", label); err != nil {
		return err
	}
	key := Key(TableNode, label)
	return s.Update(ctx, func(tx *Tx) error {
		if n, err := tx.rtx.Exists(ctx, key).Result(); err != nil {
			return err
		} else if n > 0 {
			return util.NewExistsError("node", label)
		}
		tx.queue(func(p redis.Pipeliner) { p.HSet(ctx, key, fieldLabel, label) })
		return nil
	}, key)
}

// AssignNode gives a free node to a project
func (s *Store) AssignNode(ctx context.Context, node, project string) error {
	nodeKey := Key(TableNode, node)
	projectKey := Key(TableProject, project)
	return s.Update(ctx, func(tx *Tx) error {
		if _, err := getProject(ctx, tx.rtx, project); err != nil {
			return err
		}
		n, err := tx.Node(node)
		if err != nil {
			return err
		}
		if n.Project != "" {
			return util.NewPreconditionError("assign", "node "+node, "node must be free",
				fmt.Sprintf("owned by project '%s'", n.Project))
		}
		tx.queue(func(p redis.Pipeliner) { p.HSet(ctx, nodeKey, fieldProject, project) })
		return nil
	}, nodeKey, projectKey)
}

// CreateNic registers a nic on an existing node
func (s *Store) CreateNic(ctx context.Context, node, label, mac string) error {
	if err := ValidateLabel("nic", label); err != nil {
		return err
	}
	nodeKey := Key(TableNode, node)
	nicKey := Key(TableNic, node, label)
	return s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Node(node); err != nil {
			return err
		}
		if n, err := tx.rtx.Exists(ctx, nicKey).Result(); err != nil {
			return err
		} else if n > 0 {
			return util.NewExistsError("nic", node+"/"+label)
		}
		fields := nicFields(&model.Nic{Node: node, Label: label, MAC: mac})
		tx.queue(func(p redis.Pipeliner) { p.HSet(ctx, nicKey, hsetArgs(fields)...) })
		return nil
	}, nodeKey, nicKey)
}

// CreateSwitch registers a switch. Callers validate sw.Type against the
// driver registry first.
func (s *Store) CreateSwitch(ctx context.Context, sw *model.Switch) error {
	if err := ValidateLabel("switch", sw.Label); err != nil {
		return err
	}
	fields, err := switchFields(sw)
	if err != nil {
		return err
	}
	key := Key(TableSwitch, sw.Label)
	return s.Update(ctx, func(tx *Tx) error {
		if n, err := tx.rtx.Exists(ctx, key).Result(); err != nil {
			return err
		} else if n > 0 {
			return util.NewExistsError("switch", sw.Label)
		}
		tx.queue(func(p redis.Pipeliner) { p.HSet(ctx, key, hsetArgs(fields)...) })
		return nil
	}, key)
}

// CreatePort registers a port on an existing switch. Callers validate the
// label syntax with the switch's driver first.
func (s *Store) CreatePort(ctx context.Context, sw, label string) error {
	if label == "" || strings.Contains(label, "|") {
		return util.NewValidationError(fmt.Sprintf("invalid port label %q", label))
	}
	swKey := Key(TableSwitch, sw)
	portKey := Key(TablePort, sw, label)
	return s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Switch(sw); err != nil {
			return err
		}
		if n, err := tx.rtx.Exists(ctx, portKey).Result(); err != nil {
			return err
		} else if n > 0 {
			return util.NewExistsError("port", sw+"/"+label)
		}
		tx.queue(func(p redis.Pipeliner) { p.HSet(ctx, portKey, fieldLabel, label) })
		return nil
	}, swKey, portKey)
}

// ConnectNic records the cable between a port and a nic. Both must be free.
func (s *Store) ConnectNic(ctx context.Context, port model.PortRef, nic model.NicRef) error {
	portKey := Key(TablePort, port.Switch, port.Port)
	nicKey := Key(TableNic, nic.Node, nic.Nic)
	return s.Update(ctx, func(tx *Tx) error {
		p, err := tx.Port(port)
		if err != nil {
			return err
		}
		n, err := tx.Nic(nic)
		if err != nil {
			return err
		}
		if p.Nic != nil {
			return util.NewPreconditionError("connect", "port "+port.String(), "port must be free",
				"attached to nic "+p.Nic.String())
		}
		if n.Port != nil {
			return util.NewPreconditionError("connect", "nic "+nic.String(), "nic must be free",
				"attached to port "+n.Port.String())
		}
		tx.queue(func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, portKey, fieldNicNode, nic.Node, fieldNic, nic.Nic)
			pipe.HSet(ctx, nicKey, fieldPortSwitch, port.Switch, fieldPort, port.Port)
		})
		return nil
	}, portKey, nicKey)
}

// DetachNic removes the cable record between a port and its nic. The nic
// must carry no networks and have no pending action.
func (s *Store) DetachNic(ctx context.Context, port model.PortRef) error {
	portKey := Key(TablePort, port.Switch, port.Port)
	return s.Update(ctx, func(tx *Tx) error {
		p, err := tx.Port(port)
		if err != nil {
			return err
		}
		if p.Nic == nil {
			return util.NewPreconditionError("detach", "port "+port.String(), "port must be attached to a nic", "")
		}
		nicKey := Key(TableNic, p.Nic.Node, p.Nic.Nic)
		attachKey := Key(TableAttach, p.Nic.Node, p.Nic.Nic)
		if err := tx.Watch(nicKey, attachKey); err != nil {
			return err
		}
		n, err := tx.Nic(*p.Nic)
		if err != nil {
			return err
		}
		if n.CurrentAction != "" {
			a, err := tx.Action(n.CurrentAction)
			if err == nil && a.Status == model.StatusPending {
				return util.NewPendingActionError(p.Nic.String(), a.ID)
			}
		}
		attached, err := tx.Attachments(*p.Nic)
		if err != nil {
			return err
		}
		if len(attached) > 0 {
			return util.NewPreconditionError("detach", "port "+port.String(), "nic must not carry networks",
				fmt.Sprintf("%d attachment(s)", len(attached)))
		}
		tx.queue(func(pipe redis.Pipeliner) {
			pipe.HDel(ctx, portKey, fieldNicNode, fieldNic)
			pipe.HDel(ctx, nicKey, fieldPortSwitch, fieldPort)
		})
		return nil
	}, portKey)
}

// CreateNetwork stores a network and reserves its network id. A network id
// may be used by only one network.
func (s *Store) CreateNetwork(ctx context.Context, n *model.Network) error {
	if err := ValidateLabel("network", n.Label); err != nil {
		return err
	}
	netKey := Key(TableNetwork, n.Label)
	idKey := Key(TableNetworkID, n.NetworkID)
	return s.Update(ctx, func(tx *Tx) error {
		if c, err := tx.rtx.Exists(ctx, netKey).Result(); err != nil {
			return err
		} else if c > 0 {
			return util.NewExistsError("network", n.Label)
		}
		owner, err := tx.rtx.Get(ctx, idKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			return util.NewAllocationError(n.NetworkID, "already used by network "+owner)
		}
		fields := networkFields(n)
		tx.queue(func(p redis.Pipeliner) {
			p.HSet(ctx, netKey, hsetArgs(fields)...)
			p.Set(ctx, idKey, n.Label, 0)
		})
		return nil
	}, netKey, idKey)
}

// DeleteNetwork removes a network that no nic carries and no pending action
// targets. It returns the deleted network so the caller can release its id.
func (s *Store) DeleteNetwork(ctx context.Context, label string) (*model.Network, error) {
	users, err := s.networkUsers(ctx, label)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return nil, util.NewInUseError("network "+label, describeUsers(users)...)
	}

	var deleted *model.Network
	netKey := Key(TableNetwork, label)
	err = s.Update(ctx, func(tx *Tx) error {
		n, err := tx.Network(label)
		if err != nil {
			return err
		}
		deleted = n
		idKey := Key(TableNetworkID, n.NetworkID)
		tx.queue(func(p redis.Pipeliner) {
			p.Del(ctx, netKey)
			p.Del(ctx, idKey)
		})
		return nil
	}, netKey)
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// GrantAccess adds project to a network's access list
func (s *Store) GrantAccess(ctx context.Context, label, project string) error {
	netKey := Key(TableNetwork, label)
	return s.Update(ctx, func(tx *Tx) error {
		n, err := tx.Network(label)
		if err != nil {
			return err
		}
		if _, err := getProject(ctx, tx.rtx, project); err != nil {
			return err
		}
		access := util.AddToCSV(strings.Join(n.Access, ","), project)
		tx.queue(func(p redis.Pipeliner) {
			p.HSet(ctx, netKey, fieldAccess, access)
		})
		return nil
	}, netKey, Key(TableProject, project))
}

// RevokeAccess removes project from a network's access list. The owner
// keeps access, and no node of the project may carry the network or have
// a pending action moving onto it.
func (s *Store) RevokeAccess(ctx context.Context, label, project string) error {
	users, err := s.networkUsers(ctx, label)
	if err != nil {
		return err
	}
	var blocking []networkUser
	for _, u := range users {
		nd, err := s.Node(ctx, u.node)
		if err != nil && !util.IsNotFound(err) {
			return err
		}
		if nd != nil && nd.Project == project {
			blocking = append(blocking, u)
		}
	}
	if len(blocking) > 0 {
		return util.NewInUseError("network "+label, describeUsers(blocking)...)
	}

	netKey := Key(TableNetwork, label)
	return s.Update(ctx, func(tx *Tx) error {
		n, err := tx.Network(label)
		if err != nil {
			return err
		}
		if n.Owner == project {
			return util.NewPreconditionError("revoke-access", "network "+label,
				"the owner cannot lose access", "project '"+project+"' owns the network")
		}
		list := strings.Join(n.Access, ",")
		access := util.RemoveFromCSV(list, project)
		if access == list {
			return util.NewNotFoundError("access", label+"/"+project)
		}
		if access == "" && n.Owner == "" {
			return util.NewPreconditionError("revoke-access", "network "+label,
				"an administrator network must keep one project", "revoking '"+project+"' would make it public")
		}
		tx.queue(func(p redis.Pipeliner) {
			p.HSet(ctx, netKey, fieldAccess, access)
		})
		return nil
	}, netKey)
}

// networkUser is a nic carrying a network, or a pending action moving a
// nic onto it.
type networkUser struct {
	node string
	desc string
}

func describeUsers(users []networkUser) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.desc
	}
	return out
}

// networkUsers lists nics carrying the network and pending actions moving a
// nic onto it.
func (s *Store) networkUsers(ctx context.Context, label string) ([]networkUser, error) {
	var users []networkUser

	keys, err := scanKeys(ctx, s.client, Key(TableAttach, "*"), 100)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		ref := strings.TrimPrefix(key, TableAttach+"|")
		node, _, _ := strings.Cut(ref, "|")
		for ch, network := range vals {
			if network == label {
				users = append(users, networkUser{node: node, desc: ref + " " + ch})
			}
		}
	}

	pending, err := s.PendingActions(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range pending {
		if a.NewNetwork == label {
			users = append(users, networkUser{node: a.Node, desc: "action " + a.ID})
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].desc < users[j].desc })
	return users, nil
}
