package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/beanman109/proxmox-nat-manager/pkg/config"
	"github.com/beanman109/proxmox-nat-manager/pkg/firewall"
	"github.com/beanman109/proxmox-nat-manager/pkg/guest"
	"github.com/beanman109/proxmox-nat-manager/pkg/manager"
	"github.com/beanman109/proxmox-nat-manager/pkg/menu"
	"github.com/beanman109/proxmox-nat-manager/pkg/probe"
	"github.com/beanman109/proxmox-nat-manager/pkg/runner"
	"github.com/beanman109/proxmox-nat-manager/pkg/store"
)

var (
	version    = "dev"
	configPath string

	addGuestID  string
	addExtPort  uint16
	addProtocol string
	addDestPort uint16
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pve-natmgr",
		Short: "pve-natmgr - NAT port forwarding for Proxmox guests",
		Long:  "Manages IPv4 NAT port-forwarding rules on a single-public-IP Proxmox host, resolving guest addresses through the QEMU guest agent.",
		RunE:  runInteractive,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/pve-natmgr/config.yaml", "path to config file")

	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newAddCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// app bundles the wired collaborators behind every command.
type app struct {
	cfg       *config.Config
	store     *store.Store
	directory guest.Directory
	manager   *manager.Manager
	logger    *zap.Logger
}

// newApp loads the configuration and wires store, firewall backend, guest
// directory, and rule manager.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Global.LogLevel)
	run := runner.New()

	st := store.New(afero.NewOsFs(), cfg.Store.RulesFile, logger.Named("store"))

	backend, err := firewall.NewBackend(firewall.Options{
		InboundBridge:  cfg.Network.InboundBridge,
		OutboundBridge: cfg.Network.OutboundBridge,
		PersistCommand: cfg.Firewall.PersistCommand,
	}, run, logger.Named("firewall"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firewall backend: %w", err)
	}

	directory := guest.NewProxmoxDirectory(run, cfg.Agent.GetTimeout(), logger.Named("guest"))

	return &app{
		cfg:       cfg,
		store:     st,
		directory: directory,
		manager:   manager.New(st, backend, directory, logger.Named("manager")),
		logger:    logger,
	}, nil
}

// runInteractive starts the menu session with signal handling.
func runInteractive(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	a.logger.Info("starting pve-natmgr",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("rules_file", a.cfg.Store.RulesFile),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		a.logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	checker := probe.NewTCPChecker(a.cfg.Agent.GetTimeout())
	session := menu.NewSession(a.manager, a.directory, a.store, checker, a.logger.Named("menu"))
	return session.Run(ctx)
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the current forwarding rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			entries, err := a.manager.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			menu.RenderEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
}

func newAddCommand() *cobra.Command {
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a forwarding rule without the interactive menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			created, err := a.manager.AddRule(cmd.Context(), addGuestID, addExtPort, addProtocol, addDestPort)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added rule %s -> %s\n", created.Key(), created.Destination())
			return nil
		},
	}

	addCmd.Flags().StringVarP(&addGuestID, "guest", "g", "", "VMID of the target guest")
	addCmd.Flags().Uint16VarP(&addExtPort, "external-port", "e", 0, "external port on the host")
	addCmd.Flags().StringVarP(&addProtocol, "protocol", "p", "tcp", "protocol (tcp or udp)")
	addCmd.Flags().Uint16VarP(&addDestPort, "dest-port", "d", 0, "destination port on the guest")
	addCmd.MarkFlagRequired("guest")
	addCmd.MarkFlagRequired("external-port")
	addCmd.MarkFlagRequired("dest-port")

	return addCmd
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <index>",
		Short: "Remove the rule at the given list index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			if err := a.manager.RemoveRule(cmd.Context(), index); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed rule %d.\n", index)
			return nil
		},
	}
}

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare the rule store against kernel NAT state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			report, err := a.manager.Audit(cmd.Context())
			if err != nil {
				return err
			}
			menu.PrintAuditReport(cmd.OutOrStdout(), report)
			if !report.Clean() {
				return fmt.Errorf("rule store and kernel state have diverged")
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pve-natmgr version %s\n", version)
		},
	}
}

// newLogger creates a console zap logger at the configured level.
func newLogger(level string) *zap.Logger {
	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		parsedLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(parsedLevel),
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
