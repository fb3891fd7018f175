// Metalnet - bare-metal network allocator
//
// Records projects, nodes, nics, switches and networks in Redis, and
// journals every change to a nic's switch port as a networking action.
// The serve-networks command runs the worker that applies the journal to
// the switches.
//
// Examples:
//
//	metalnet network create blue --owner acme
//	metalnet node connect-network n1 eth0 blue
//	metalnet action show 5b3c0e43-...
//	metalnet serve-networks
package main

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/newtron-network/metalnet/pkg/allocator"
	"github.com/newtron-network/metalnet/pkg/audit"
	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/netapi"
	"github.com/newtron-network/metalnet/pkg/settings"
	"github.com/newtron-network/metalnet/pkg/store"
	"github.com/newtron-network/metalnet/pkg/util"
	"github.com/newtron-network/metalnet/pkg/version"
)

// App holds the state shared by every command
type App struct {
	configPath string
	verbose    bool
	jsonOutput bool

	settings *settings.Settings
	store    *store.Store
	audit    *audit.FileLogger
}

var app = &App{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "metalnet",
	Short:             "Bare-metal network allocator",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Metalnet attaches bare-metal nodes to isolated L2 networks.

Requests to change a nic's networks are validated and journaled; the
serve-networks worker applies the journal to the switches and records
each action's outcome. Poll an action with 'metalnet action show <id>'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		s, err := settings.LoadFrom(app.configPath)
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		app.settings = s

		level := s.Log.Level
		if app.verbose {
			level = "debug"
		}
		err = util.ConfigureLogging(util.LogOptions{Level: level, JSON: s.Log.JSON, Output: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}

		if s.AuditEnabled() {
			logger, err := audit.NewFileLogger(s.Audit.Path, audit.RotationConfig{
				MaxSizeMB:  s.Audit.MaxSizeMB,
				MaxBackups: s.Audit.MaxBackups,
			})
			if err != nil {
				util.Logger.WithError(err).Warn("Could not initialize audit logging")
			} else {
				audit.SetDefaultLogger(logger)
				app.audit = logger
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app.store != nil {
			app.store.Close()
		}
		if app.audit != nil {
			app.audit.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", settings.DefaultSettingsPath(), "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "JSON output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "resources", Title: "Resource Management:"},
		&cobra.Group{ID: "networking", Title: "Networking:"},
		&cobra.Group{ID: "meta", Title: "Service & Meta:"},
	)

	for _, cmd := range []*cobra.Command{projectCmd, nodeCmd, nicCmd, switchCmd, portCmd} {
		cmd.GroupID = "resources"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{networkCmd, actionCmd, poolCmd} {
		cmd.GroupID = "networking"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{serveNetworksCmd, auditCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

// cmdContext returns the context for a request, tagged with the invoking
// user for the audit log
func cmdContext() context.Context {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return audit.WithUser(context.Background(), name)
}

// openStore connects to the configured Redis server once per process
func openStore(ctx context.Context) (*store.Store, error) {
	if app.store != nil {
		return app.store, nil
	}
	r := app.settings.Redis
	s, err := store.Open(ctx, store.Options{Addr: r.Addr, DB: r.DB, Password: r.Password})
	if err != nil {
		return nil, err
	}
	app.store = s
	return s, nil
}

// openPool builds the VLAN allocator over the store's connection
func openPool(ctx context.Context) (*allocator.VLANPool, error) {
	s, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return allocator.NewVLANPoolFromSpec(s.Client(), app.settings.VLANPool.VLANs)
}

// openAPI builds the request-side API
func openAPI(ctx context.Context) (*netapi.API, error) {
	pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}
	return netapi.New(app.store, pool, resolver())
}

// resolver resolves switches through the driver registry with the
// per-driver options from the configuration file
func resolver() driver.Resolver {
	return driver.RegistryResolver(func(name string) driver.Options {
		return driver.Options{
			SaveConfig: app.settings.SaveConfig(name),
			IOTimeout:  app.settings.Worker.IOTimeout,
		}
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Fprintln(cmd.OutOrStdout(), "metalnet dev build (use 'make build' for version info)")
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "metalnet %s\n", version.Info())
	},
}
