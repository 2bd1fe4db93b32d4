package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/opacus-xyz/opacus-go/internal/config"
	"github.com/opacus-xyz/opacus-go/internal/identity"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func setupCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Walk through network, relay and identity configuration and write a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(out)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "opacus.yaml", "Path for the generated config file")

	return cmd
}

func runSetup(out string) error {
	fmt.Println(titleStyle.Render("Opacus Setup"))
	fmt.Println()

	var (
		network       = string(config.Testnet)
		relayURL      = "quic://127.0.0.1:4242"
		createIdent   = true
		identityPath  = "opacus-identity"
		enableMetrics = false
		metricsListen = "127.0.0.1:9090"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Network").
				Description("Chain environment this agent operates against").
				Options(
					huh.NewOption("Testnet (chain 16602)", string(config.Testnet)),
					huh.NewOption("Mainnet (chain 16661)", string(config.Mainnet)),
					huh.NewOption("Devnet (chain 16600)", string(config.Devnet)),
				).
				Value(&network),
			huh.NewInput().
				Title("Relay URL").
				Description("quic://host:port of the relay to connect to").
				Value(&relayURL),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Generate an agent identity now?").
				Value(&createIdent),
			huh.NewInput().
				Title("Identity file path").
				Value(&identityPath),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Prometheus metrics?").
				Value(&enableMetrics),
			huh.NewInput().
				Title("Metrics listen address").
				Value(&metricsListen),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	net, err := config.ParseNetwork(network)
	if err != nil {
		return err
	}

	cfg := config.Default(net)
	cfg.RelayURL = relayURL
	cfg.Metrics.Enabled = enableMetrics
	cfg.Metrics.Listen = metricsListen

	if createIdent {
		ident, err := identity.Generate(net.ChainID())
		if err != nil {
			return err
		}
		if err := ident.Store(identityPath); err != nil {
			return err
		}
		cfg.Identity.File = identityPath

		fmt.Println(successStyle.Render("Identity created"))
		fmt.Printf("  Agent ID: %s\n", ident.ID)
		fmt.Printf("  Address:  %s\n", ident.Address)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := writeConfigFile(cfg, out); err != nil {
		return err
	}

	fmt.Println(successStyle.Render("Configuration written"))
	fmt.Printf("  %s\n", out)
	fmt.Println()
	fmt.Println("Start listening with:")
	fmt.Printf("  opacus listen -c %s\n", out)

	return nil
}
