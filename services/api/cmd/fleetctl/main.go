package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fleetd/pkg/digest"
	"fleetd/services/api"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server string
}

func (o *options) client() (*api.Client, error) {
	return api.NewClient(o.server, nil)
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Drive closure transfers and activations on fleetd agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("FLEET_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "fleetd base URL (env FLEET_SERVER)")

	cmd.AddCommand(newAgentsCommand(opts))
	cmd.AddCommand(newTransfersCommand(opts))
	cmd.AddCommand(newActivationsCommand(opts))
	cmd.AddCommand(newArtifactsCommand(opts))
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q", what, raw)
	}
	return id, nil
}

func groupCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}

func newAgentsCommand(opts *options) *cobra.Command {
	cmd := groupCommand("agents", "Inspect registered agents")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents and their connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(commandContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, agents)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "agent")
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			agent, err := c.GetAgent(commandContext(cmd), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, agent)
		},
	})

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Show journaled transfers and activations of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "agent")
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			transfers, err := c.TransferHistory(ctx, id, limit)
			if err != nil {
				return err
			}
			activations, err := c.ActivationHistory(ctx, id, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"transfers": transfers, "activations": activations})
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries of each kind")
	cmd.AddCommand(historyCmd)
	return cmd
}

func newTransfersCommand(opts *options) *cobra.Command {
	cmd := groupCommand("transfers", "Plan, follow and control closure transfers")

	var (
		agent    string
		root     string
		activate bool
	)
	request := &cobra.Command{
		Use:   "request",
		Short: "Send the missing closure of an artifact to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(agent, "agent")
			if err != nil {
				return err
			}
			d, err := digest.Parse(root)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			snap, err := c.RequestTransfer(commandContext(cmd), id, d, activate)
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
	request.Flags().StringVar(&agent, "agent", "", "Target agent id")
	request.Flags().StringVar(&root, "root", "", "Root artifact digest")
	request.Flags().BoolVar(&activate, "activate", false, "Activate the root once the transfer completes")
	_ = request.MarkFlagRequired("agent")
	_ = request.MarkFlagRequired("root")
	cmd.AddCommand(request)

	cmd.AddCommand(transferAction(opts, "status", "Show transfer progress", func(ctx context.Context, c *api.Client, id uuid.UUID) (any, error) {
		return c.GetTransfer(ctx, id)
	}))
	cmd.AddCommand(transferAction(opts, "resume", "Execute a failed transfer again", func(ctx context.Context, c *api.Client, id uuid.UUID) (any, error) {
		return c.ResumeTransfer(ctx, id)
	}))
	cmd.AddCommand(transferAction(opts, "cancel", "Abort a running transfer", func(ctx context.Context, c *api.Client, id uuid.UUID) (any, error) {
		return c.CancelTransfer(ctx, id)
	}))
	return cmd
}

func transferAction(opts *options, use, short string, fn func(context.Context, *api.Client, uuid.UUID) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <transfer-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "transfer")
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out, err := fn(commandContext(cmd), c, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newActivationsCommand(opts *options) *cobra.Command {
	cmd := groupCommand("activations", "Switch and inspect active artifacts")

	var (
		agent  string
		target string
		wait   time.Duration
	)
	request := &cobra.Command{
		Use:   "request",
		Short: "Activate an artifact whose closure the agent already holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(agent, "agent")
			if err != nil {
				return err
			}
			d, err := digest.Parse(target)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			snap, err := c.RequestActivation(commandContext(cmd), id, d, wait)
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
	request.Flags().StringVar(&agent, "agent", "", "Target agent id")
	request.Flags().StringVar(&target, "target", "", "Artifact digest to activate")
	request.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the outcome")
	_ = request.MarkFlagRequired("agent")
	_ = request.MarkFlagRequired("target")
	cmd.AddCommand(request)

	var statusWait time.Duration
	status := &cobra.Command{
		Use:   "status <activation-id>",
		Short: "Show an activation request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "activation")
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			snap, err := c.GetActivation(commandContext(cmd), id, statusWait)
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
	status.Flags().DurationVar(&statusWait, "wait", 0, "Wait up to this long for the outcome")
	cmd.AddCommand(status)
	return cmd
}

func newArtifactsCommand(opts *options) *cobra.Command {
	cmd := groupCommand("artifacts", "Upload and fetch stored artifacts")

	var refs []string
	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file as an artifact referencing already stored digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]digest.Digest, 0, len(refs))
			for _, raw := range refs {
				d, err := digest.Parse(raw)
				if err != nil {
					return err
				}
				parsed = append(parsed, d)
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			c, err := opts.client()
			if err != nil {
				return err
			}
			art, err := c.PutArtifact(commandContext(cmd), f, parsed)
			if err != nil {
				return err
			}
			return printJSON(cmd, art)
		},
	}
	put.Flags().StringArrayVar(&refs, "ref", nil, "Digest of a direct dependency (repeatable)")
	cmd.AddCommand(put)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <digest>",
		Short: "Show an artifact and its closure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			art, err := c.GetArtifact(commandContext(cmd), d)
			if err != nil {
				return err
			}
			return printJSON(cmd, art)
		},
	})

	var output string
	download := &cobra.Command{
		Use:   "download <digest>",
		Short: "Fetch an artifact payload into a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := c.DownloadArtifact(commandContext(cmd), d, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, output)
			return nil
		},
	}
	download.Flags().StringVar(&output, "output", "", "Destination file")
	_ = download.MarkFlagRequired("output")
	cmd.AddCommand(download)
	return cmd
}
