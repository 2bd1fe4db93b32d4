// Package main provides the CLI entry point for the Opacus messaging fabric.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/opacus-xyz/opacus-go/internal/client"
	"github.com/opacus-xyz/opacus-go/internal/config"
	"github.com/opacus-xyz/opacus-go/internal/identity"
	"github.com/opacus-xyz/opacus-go/internal/logging"
	"github.com/opacus-xyz/opacus-go/internal/protocol"
	"github.com/opacus-xyz/opacus-go/internal/relay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "opacus",
		Short: "Opacus - Decentralized agent messaging fabric",
		Long: `Opacus is a decentralized agent-to-agent messaging fabric over
QUIC datagrams. Agents hold dual cryptographic identities and exchange
authenticated frames through a relay that routes by agent ID and
stores-and-forwards traffic for offline recipients.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "msg", Title: "Messaging:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	setup := setupCmd()
	setup.GroupID = "start"
	rootCmd.AddCommand(setup)

	relayC := relayCmd()
	relayC.GroupID = "start"
	rootCmd.AddCommand(relayC)

	send := sendCmd()
	send.GroupID = "msg"
	rootCmd.AddCommand(send)

	listen := listenCmd()
	listen.GroupID = "msg"
	rootCmd.AddCommand(listen)

	ident := identityCmd()
	ident.GroupID = "admin"
	rootCmd.AddCommand(ident)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path, network string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	net, err := config.ParseNetwork(network)
	if err != nil {
		return nil, err
	}
	return config.Default(net), nil
}

func relayCmd() *cobra.Command {
	var (
		configPath string
		port       uint16
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		Long:  "Start the relay: accept agent connections, route frames, queue traffic for offline recipients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, string(config.Testnet))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Relay.Port = port
			}

			logger := logging.New("relay", cfg.Log.Level, cfg.Log.Format)

			r, err := relay.New(cfg.Relay.Port, logger)
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := r.Start(ctx); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			fmt.Printf("Opacus relay listening on %s\n", r.Addr())

			if cfg.Metrics.Enabled {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
						logger.Error("metrics server failed", logging.KeyError, err)
					}
				}()
				fmt.Printf("Metrics on http://%s/metrics\n", cfg.Metrics.Listen)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			fmt.Printf("Connected agents at shutdown: %s, pending frames: %s\n",
				humanize.Comma(int64(r.AgentCount())),
				humanize.Comma(int64(r.PendingCount())))

			cancel()
			r.Wait()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().Uint16VarP(&port, "port", "p", 4242, "UDP port to listen on")

	return cmd
}

// initClient builds a client with an identity from the config or
// identity file, generating a fresh one when neither is present.
func initClient(cfg *config.Config, identityPath string) (*client.Client, error) {
	logger := logging.New("client", cfg.Log.Level, cfg.Log.Format)
	c := client.New(cfg, logger)

	if identityPath == "" {
		identityPath = cfg.Identity.File
	}

	switch {
	case cfg.HasIdentityKeys():
		edPriv, xPriv, err := cfg.IdentityKeys()
		if err != nil {
			return nil, err
		}
		if _, err := c.InitFromKeys(edPriv, xPriv); err != nil {
			return nil, err
		}
	case identityPath != "" && identity.Exists(identityPath):
		ident, err := identity.Load(identityPath, cfg.Network.ChainID())
		if err != nil {
			return nil, err
		}
		if _, err := c.InitFromKeys(ident.EdPriv, ident.XPriv); err != nil {
			return nil, err
		}
	default:
		ident, err := c.Init()
		if err != nil {
			return nil, err
		}
		if identityPath != "" {
			if err := ident.Store(identityPath); err != nil {
				return nil, err
			}
			fmt.Printf("New identity stored at %s\n", identityPath)
		}
	}

	return c, nil
}

func sendCmd() *cobra.Command {
	var (
		configPath   string
		network      string
		relayURL     string
		identityPath string
		to           string
		message      string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to another agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, network)
			if err != nil {
				return err
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}

			c, err := initClient(cfg, identityPath)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			// Wait for the relay ACK so the session key is real.
			for {
				frame, err := c.Recv(ctx)
				if err != nil {
					return fmt.Errorf("waiting for relay ack: %w", err)
				}
				if frame.Type == protocol.FrameAck {
					break
				}
			}

			if err := c.SendMessage(to, []byte(message)); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}

			fmt.Printf("Sent %s to %s\n", humanize.Bytes(uint64(len(message))), to)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&network, "network", "n", "testnet", "Network (mainnet, testnet, devnet)")
	cmd.Flags().StringVarP(&relayURL, "relay", "r", "", "Relay URL (overrides config)")
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "Path to identity file")
	cmd.Flags().StringVarP(&to, "to", "t", "", "Recipient agent ID")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message text")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("message")

	return cmd
}

func listenCmd() *cobra.Command {
	var (
		configPath   string
		network      string
		relayURL     string
		identityPath string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the relay and print received frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, network)
			if err != nil {
				return err
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}

			c, err := initClient(cfg, identityPath)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
			defer connectCancel()
			if err := c.Connect(connectCtx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			ident := c.Identity()
			fmt.Printf("Agent ID: %s\n", ident.ID)
			fmt.Printf("Address:  %s\n", ident.Address)
			fmt.Println("Listening for frames (Ctrl-C to quit)...")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				c.Disconnect()
				cancel()
			}()

			for {
				frame, err := c.Recv(ctx)
				if err != nil {
					return nil
				}

				switch frame.Type {
				case protocol.FrameAck:
					fmt.Printf("[ack] registered with relay\n")
				case protocol.FrameMsg:
					fmt.Printf("[msg] from=%s %s: %q\n",
						frame.From, humanize.Bytes(uint64(len(frame.Payload))), frame.Payload)
				default:
					fmt.Printf("[%s] from=%s to=%s seq=%d\n",
						frame.Type, frame.From, frame.To, frame.Seq)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&network, "network", "n", "testnet", "Network (mainnet, testnet, devnet)")
	cmd.Flags().StringVarP(&relayURL, "relay", "r", "", "Relay URL (overrides config)")
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "Path to identity file")

	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage agent identities",
	}

	cmd.AddCommand(identityNewCmd())
	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identityImportCmd())

	return cmd
}

func identityNewCmd() *cobra.Command {
	var (
		network string
		out     string
	)

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a new agent identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := config.ParseNetwork(network)
			if err != nil {
				return err
			}

			ident, err := identity.Generate(net.ChainID())
			if err != nil {
				return err
			}

			fmt.Printf("Agent ID: %s\n", ident.ID)
			fmt.Printf("Address:  %s\n", ident.Address)
			fmt.Printf("Chain ID: %d\n", ident.ChainID)

			if out != "" {
				if err := ident.Store(out); err != nil {
					return err
				}
				fmt.Printf("Identity stored at %s\n", out)
			} else {
				edHex, xHex := ident.ExportKeys()
				fmt.Printf("Signing key:       %s\n", edHex)
				fmt.Printf("Key-agreement key: %s\n", xHex)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "testnet", "Network (mainnet, testnet, devnet)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Store identity to file instead of printing keys")

	return cmd
}

func identityShowCmd() *cobra.Command {
	var network string

	cmd := &cobra.Command{
		Use:   "show <identity-file>",
		Short: "Show the agent ID and address for a stored identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := config.ParseNetwork(network)
			if err != nil {
				return err
			}

			ident, err := identity.Load(args[0], net.ChainID())
			if err != nil {
				return err
			}

			fmt.Printf("Agent ID: %s\n", ident.ID)
			fmt.Printf("Address:  %s\n", ident.Address)
			fmt.Printf("Chain ID: %d\n", ident.ChainID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "testnet", "Network (mainnet, testnet, devnet)")

	return cmd
}

func identityImportCmd() *cobra.Command {
	var (
		network string
		out     string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an identity from private keys",
		Long:  "Import an identity by entering both hex-encoded private keys. Keys are read without echo.",
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := config.ParseNetwork(network)
			if err != nil {
				return err
			}

			edPriv, err := readKey("Signing private key (hex): ")
			if err != nil {
				return err
			}
			xPriv, err := readKey("Key-agreement private key (hex): ")
			if err != nil {
				return err
			}

			ident, err := identity.Restore(edPriv, xPriv, net.ChainID())
			if err != nil {
				return err
			}

			if err := ident.Store(out); err != nil {
				return err
			}

			fmt.Printf("Agent ID: %s\n", ident.ID)
			fmt.Printf("Address:  %s\n", ident.Address)
			fmt.Printf("Identity stored at %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "testnet", "Network (mainnet, testnet, devnet)")
	cmd.Flags().StringVarP(&out, "out", "o", "opacus-identity", "Path for the stored identity file")

	return cmd
}

// readKey prompts for a 32-byte hex key without echoing it.
func readKey(prompt string) ([32]byte, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to read key: %w", err)
	}
	return identity.KeyFromHex(strings.TrimSpace(string(raw)))
}

func writeConfigFile(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
