package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/seedhost/pkg/client"
	"github.com/cuemby/seedhost/pkg/orchestrator"
	"github.com/cuemby/seedhost/pkg/runtime"
	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/types"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage user nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List node records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		nodes, err := store.ListNodes(storage.NodeFilter{IncludeDeleted: all})
		if err != nil {
			return fmt.Errorf("failed to list nodes: %v", err)
		}

		if len(nodes) == 0 {
			fmt.Println("No nodes found")
			return nil
		}

		fmt.Printf("%-36s %-36s %-24s %-22s %s\n", "ID", "USER", "ALIAS", "ADDRESS", "STATE")
		for _, n := range nodes {
			fmt.Printf("%-36s %-36s %-24s %-22s %s\n", n.ID, n.UserID, n.Alias, n.ConnectAddress, nodeState(n))
		}
		return nil
	},
}

func nodeState(n *types.Node) string {
	switch {
	case n.Deleted:
		return "deleted"
	case n.StartedAt.IsZero():
		return "created"
	default:
		return "started " + n.StartedAt.Format(time.RFC3339)
	}
}

// nodeOpCmd builds a command that runs one orchestrator operation for --user
func nodeOpCmd(use, short string, op func(ctx context.Context, o *orchestrator.Orchestrator, user *types.User) (*types.Node, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := store.GetUser(userID)
			if err != nil {
				return fmt.Errorf("user %s: %v", userID, err)
			}

			rt, err := runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.Namespace)
			if err != nil {
				return fmt.Errorf("failed to connect to containerd: %v", err)
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			orch := orchestrator.NewOrchestrator(store, rt, newTool(cfg), orchestratorConfig(cfg))
			node, err := op(ctx, orch, user)
			if err != nil {
				return err
			}

			fmt.Printf("✓ %s: %s\n", use, user.ID)
			if node != nil {
				fmt.Printf("  Node ID: %s\n", node.NodeID)
				fmt.Printf("  Alias: %s\n", node.Alias)
				fmt.Printf("  Address: %s\n", node.ConnectAddress)
			}
			return nil
		},
	}
	c.Flags().String("user", "", "User ID")
	c.Flags().Duration("timeout", 5*time.Minute, "Operation timeout")
	_ = c.MarkFlagRequired("user")
	return c
}

var nodeEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow a node's live events from a running server",
	Long: `Follow the live event stream of the authenticated user's node.

Examples:
  # All events
  seedhost node events --server http://127.0.0.1:8080 --token TOKEN

  # Only seed and ref events
  seedhost node events --token TOKEN --type refsFetched --type seeding`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		eventTypes, _ := cmd.Flags().GetStringArray("type")

		wsURL, err := eventsURL(server)
		if err != nil {
			return err
		}

		pool := client.NewPool(&client.WebsocketDialer{URL: wsURL, Token: token})
		defer pool.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		out := json.NewEncoder(os.Stdout)
		unsubscribe, err := pool.Subscribe(ctx, func(event types.NodeEvent) {
			_ = out.Encode(event)
		}, eventTypes)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %v", err)
		}
		defer unsubscribe()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if pool.Connections() == 0 {
					fmt.Fprintln(os.Stderr, "Event stream closed by server")
					return nil
				}
			}
		}
	},
}

// eventsURL maps an http(s) server address to its websocket event endpoint
func eventsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %v", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/events/ws"
	return u.String(), nil
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeOpCmd("ensure", "Provision the user's node if needed and start it",
		func(ctx context.Context, o *orchestrator.Orchestrator, user *types.User) (*types.Node, error) {
			return o.EnsureActive(ctx, user)
		}))
	nodeCmd.AddCommand(nodeOpCmd("start", "Start the user's node containers",
		func(ctx context.Context, o *orchestrator.Orchestrator, user *types.User) (*types.Node, error) {
			return nil, o.StartContainers(ctx, user)
		}))
	nodeCmd.AddCommand(nodeOpCmd("stop", "Stop the user's node containers",
		func(ctx context.Context, o *orchestrator.Orchestrator, user *types.User) (*types.Node, error) {
			return nil, o.StopContainers(ctx, user)
		}))
	nodeCmd.AddCommand(nodeEventsCmd)

	nodeListCmd.Flags().Bool("all", false, "Include deleted nodes")

	nodeEventsCmd.Flags().String("server", "http://127.0.0.1:8080", "Seedhost server address")
	nodeEventsCmd.Flags().String("token", "", "User access token")
	nodeEventsCmd.Flags().StringArray("type", nil, "Event types to follow (default all)")
	_ = nodeEventsCmd.MarkFlagRequired("token")
}
