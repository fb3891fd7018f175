package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
)

// ============================================================================
// Projects and nodes
// ============================================================================

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <project>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.CreateProject(ctx, args[0])
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes and their networks",
	Long: `Manage nodes and their networks.

Examples:
  metalnet node create n1
  metalnet node assign n1 acme
  metalnet node connect-network n1 eth0 blue
  metalnet node connect-network n1 eth0 red --channel vlan/101
  metalnet node detach-network n1 eth0 red`,
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create <node>",
	Short: "Register a free node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.CreateNode(ctx, args[0])
	},
}

var nodeAssignCmd = &cobra.Command{
	Use:   "assign <node> <project>",
	Short: "Give a free node to a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.AssignNode(ctx, args[0], args[1])
	},
}

var nicMAC string

var nicCmd = &cobra.Command{
	Use:   "nic",
	Short: "Manage node nics",
}

var nicCreateCmd = &cobra.Command{
	Use:   "create <node> <nic>",
	Short: "Register a nic on a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.CreateNic(ctx, args[0], args[1], nicMAC)
	},
}

// ============================================================================
// Switches and ports
// ============================================================================

var (
	switchType      string
	switchHost      string
	switchUser      string
	switchParams    map[string]string
	switchPassStdin bool
)

var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Manage switches",
}

var switchRegisterCmd = &cobra.Command{
	Use:   "register <switch>",
	Short: "Register a switch",
	Long: `Register a switch with the driver that manages it.

The password is prompted for on a terminal, or read from the first line
of stdin with --password-stdin.

Examples:
  metalnet switch register nx1 --type nexus --host 10.0.0.2 --username admin --param dummy_vlan=2222
  metalnet switch register vdx1 --type brocade --host 10.0.0.3 --username admin --param interface_type=TenGigabitEthernet
  metalnet switch register pc1 --type powerconnect --host 10.0.0.4 --username admin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !driver.Registered(switchType) {
			return fmt.Errorf("unknown switch type %q (available: %s)", switchType, strings.Join(driver.Names(), ", "))
		}
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		sw := &model.Switch{
			Label:    args[0],
			Type:     switchType,
			Host:     switchHost,
			Username: switchUser,
			Password: password,
			Params:   switchParams,
		}
		if err := api.RegisterSwitch(ctx, sw); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s switch %s\n", sw.Type, sw.Label)
		return nil
	},
}

func readPassword(cmd *cobra.Command) (string, error) {
	if switchPassStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Switch password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Manage switch ports and cabling",
	Long: `Manage switch ports and cabling.

Examples:
  metalnet port register nx1 Ethernet1/5
  metalnet port connect-nic nx1 Ethernet1/5 n1 eth0
  metalnet port revert nx1 Ethernet1/5`,
}

var portRegisterCmd = &cobra.Command{
	Use:   "register <switch> <port>",
	Short: "Register a port on a switch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.RegisterPort(ctx, args[0], args[1])
	},
}

var portConnectNicCmd = &cobra.Command{
	Use:   "connect-nic <switch> <port> <node> <nic>",
	Short: "Record the cable between a port and a nic",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.ConnectNic(ctx, model.PortRef{Switch: args[0], Port: args[1]}, model.NicRef{Node: args[2], Nic: args[3]})
	},
}

var portDetachNicCmd = &cobra.Command{
	Use:   "detach-nic <switch> <port>",
	Short: "Remove the cable record of a port",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		return api.DetachNic(ctx, model.PortRef{Switch: args[0], Port: args[1]})
	},
}

var portRevertCmd = &cobra.Command{
	Use:   "revert <switch> <port>",
	Short: "Enqueue removing every network from a port",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		api, err := openAPI(ctx)
		if err != nil {
			return err
		}
		id, err := api.RevertPort(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printEnqueued(cmd, id)
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)
	nodeCmd.AddCommand(nodeCreateCmd, nodeAssignCmd, nodeConnectNetworkCmd, nodeDetachNetworkCmd)

	nicCreateCmd.Flags().StringVar(&nicMAC, "mac", "", "MAC address")
	nicCmd.AddCommand(nicCreateCmd)

	switchRegisterCmd.Flags().StringVar(&switchType, "type", "", "Driver name (nexus, powerconnect, brocade)")
	switchRegisterCmd.Flags().StringVar(&switchHost, "host", "", "Management address")
	switchRegisterCmd.Flags().StringVar(&switchUser, "username", "", "Login user")
	switchRegisterCmd.Flags().StringToStringVar(&switchParams, "param", nil, "Driver parameter (key=value, repeatable)")
	switchRegisterCmd.Flags().BoolVar(&switchPassStdin, "password-stdin", false, "Read the password from stdin")
	switchRegisterCmd.MarkFlagRequired("type")
	switchCmd.AddCommand(switchRegisterCmd)

	portCmd.AddCommand(portRegisterCmd, portConnectNicCmd, portDetachNicCmd, portRevertCmd)
}
