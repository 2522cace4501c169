package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/marconibroker/internal/config"
	"github.com/oriys/marconibroker/internal/domain"
)

func poolRegisterCmd() *cobra.Command {
	var (
		uri    string
		weight int
		group  string
	)

	cmd := &cobra.Command{
		Use:   "register-pool <id>",
		Short: "Register or update a pool shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPoolAdminConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			control, err := buildControlBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer control.Close()

			entry := domain.PoolEntry{ID: args[0], URI: uri, Weight: weight, Group: group}
			if err := control.RegisterPool(ctx, entry); err != nil {
				return fmt.Errorf("register pool: %w", err)
			}
			fmt.Printf("registered pool %q (uri=%s weight=%d)\n", entry.ID, entry.URI, entry.Weight)
			return nil
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "Backend connection URI (postgres://..., redis://...)")
	cmd.Flags().IntVar(&weight, "weight", 100, "Placement weight")
	cmd.Flags().StringVar(&group, "group", "", "Optional placement grouping tag")
	cmd.MarkFlagRequired("uri")

	return cmd
}

func poolRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-pool <id>",
		Short: "Remove a pool shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPoolAdminConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			control, err := buildControlBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer control.Close()

			if err := control.RemovePool(ctx, args[0]); err != nil {
				return fmt.Errorf("remove pool: %w", err)
			}
			fmt.Printf("removed pool %q\n", args[0])
			return nil
		},
	}
}

func poolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list-pools",
		Short:   "List registered pool shards",
		Aliases: []string{"ls-pools"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPoolAdminConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			control, err := buildControlBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer control.Close()

			pools, err := control.ListPools(ctx)
			if err != nil {
				return fmt.Errorf("list pools: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tURI\tWEIGHT\tGROUP")
			for _, p := range pools {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.URI, p.Weight, p.Group)
			}
			return w.Flush()
		},
	}
}

func loadPoolAdminConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
