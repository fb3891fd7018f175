package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/metalnet/pkg/cli"
	"github.com/newtron-network/metalnet/pkg/util"
)

var (
	networkOwner  string
	networkAccess []string
	networkID     string
	nodeChannel   string
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage networks",
	Long: `Manage networks.

A project-owned network draws its id from the VLAN pool. Administrator
networks (no --owner) may name an explicit --id, which need not be in the
pool.

Examples:
  metalnet network create blue --owner acme
  metalnet network create shared --owner acme --access acme,beta
  metalnet network create public --id 3000
  metalnet network grant shared gamma
  metalnet network revoke shared beta
  metalnet network list
  metalnet network delete blue`,
}

var networkCreateCmd = &cobra.Command{
	Use:   "create <network>",
	Short: "Create a network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		n, err := api.CreateNetwork(ctx, args[0], networkOwner, networkAccess, networkID)
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(n)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created network %s with id %s\n", n.Label, n.NetworkID)
		return nil
	},
}

var networkGrantCmd = &cobra.Command{
	Use:   "grant <network> <project>",
	Short: "Allow a project's nodes to connect to a network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		if err := api.GrantAccess(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Granted %s access to network %s\n", args[1], args[0])
		return nil
	},
}

var networkRevokeCmd = &cobra.Command{
	Use:   "revoke <network> <project>",
	Short: "Withdraw a project's access to a network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		if err := api.RevokeAccess(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s access to network %s\n", args[1], args[0])
		return nil
	},
}

var networkDeleteCmd = &cobra.Command{
	Use:   "delete <network>",
	Short: "Delete a network and release its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.DeleteNetwork(ctx, args[0])
	},
}

var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List networks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		networks, err := s.Networks(ctx)
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(networks)
		}
		if len(networks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No networks")
			return nil
		}
		t := cli.NewTable(cmd.OutOrStdout(), "NETWORK", "ID", "OWNER", "ACCESS", "POOL")
		for _, n := range networks {
			access := strings.Join(n.Access, ",")
			if n.IsPublic() {
				access = "public"
			}
			pool := "no"
			if n.Allocated {
				pool = "yes"
			}
			t.Row(n.Label, n.NetworkID, cli.Dash(n.Owner), access, pool)
		}
		t.Flush()
		return nil
	},
}

var nodeConnectNetworkCmd = &cobra.Command{
	Use:   "connect-network <node> <nic> <network>",
	Short: "Enqueue attaching a network to a nic",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		id, err := api.ConnectNetwork(ctx, args[0], args[1], args[2], nodeChannel)
		if err != nil {
			return err
		}
		return printEnqueued(cmd, id)
	},
}

var nodeDetachNetworkCmd = &cobra.Command{
	Use:   "detach-network <node> <nic> <network>",
	Short: "Enqueue removing a network from a nic",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		id, err := api.DetachNetwork(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return printEnqueued(cmd, id)
	},
}

func printEnqueued(cmd *cobra.Command, id string) error {
	if app.jsonOutput {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"action": id})
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// ============================================================================
// Actions
// ============================================================================

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Inspect networking actions",
}

var actionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an action's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		v, err := api.ActionStatus(ctx, args[0])
		if util.IsNotFound(err) {
			return fmt.Errorf("%w (finished actions expire after %s)", err, app.settings.Worker.DoneRetention)
		}
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, cli.Bold("Action "+args[0]))
		fmt.Fprintf(out, "Status:  %s\n", cli.Status(string(v.Status)))
		fmt.Fprintf(out, "Type:    %s\n", v.Type)
		fmt.Fprintf(out, "Nic:     %s/%s\n", v.Node, v.Nic)
		if v.Channel != "" {
			fmt.Fprintf(out, "Channel: %s\n", v.Channel)
			fmt.Fprintf(out, "Network: %s\n", cli.Dash(v.NewNetwork))
		}
		if v.Error != "" {
			fmt.Fprintf(out, "Error:   %s\n", v.Error)
		}
		return nil
	},
}

var actionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained actions in journal order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		actions, err := s.Actions(ctx)
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(actions)
		}
		t := cli.NewTable(cmd.OutOrStdout(), "ID", "STATUS", "TYPE", "NIC", "CHANNEL", "NETWORK")
		for _, a := range actions {
			t.Row(a.ID, cli.Status(string(a.Status)), string(a.Type), a.NicRef().String(),
				cli.Dash(a.Channel), cli.Dash(a.NewNetwork))
		}
		t.Flush()
		return nil
	},
}

// ============================================================================
// VLAN pool
// ============================================================================

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage the VLAN pool",
}

var poolPopulateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Add the configured vlan_pool.vlans to the pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		return pool.Populate(ctx)
	},
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show free and total pool VLANs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		free, total, err := pool.Stats(ctx)
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int64{"free": free, "total": total})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d VLANs free (configured: %s)\n",
			free, total, cli.Dash(app.settings.VLANPool.VLANs))
		return nil
	},
}

func init() {
	networkCreateCmd.Flags().StringVar(&networkOwner, "owner", "", "Owning project (empty for an administrator network)")
	networkCreateCmd.Flags().StringSliceVar(&networkAccess, "access", nil, "Projects allowed to attach nodes")
	networkCreateCmd.Flags().StringVar(&networkID, "id", "", "Explicit network id (administrator networks only)")
	networkCmd.AddCommand(networkCreateCmd, networkDeleteCmd, networkGrantCmd, networkRevokeCmd, networkListCmd)

	nodeConnectNetworkCmd.Flags().StringVar(&nodeChannel, "channel", "", "Channel (default vlan/native)")

	actionCmd.AddCommand(actionShowCmd, actionListCmd)
	poolCmd.AddCommand(poolPopulateCmd, poolStatsCmd)
}
