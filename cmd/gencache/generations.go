package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gencache/internal/gencache"
)

func newGenerationsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "Inspect and clean up cache generations on disk",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List generations, marking the configured one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, storage, err := openStorage(*configPath)
			if err != nil {
				return err
			}
			defer storage.Close()

			names, err := storage.Names()
			if err != nil {
				return err
			}
			for _, n := range names {
				mark := " "
				if n == cfg.Generation {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, n)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete every generation except the configured one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, storage, err := openStorage(*configPath)
			if err != nil {
				return err
			}
			defer storage.Close()

			names, err := storage.Names()
			if err != nil {
				return err
			}
			for _, n := range names {
				if n == cfg.Generation {
					continue
				}
				if err := storage.Delete(n); err != nil {
					return fmt.Errorf("delete %q: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", n)
			}
			return nil
		},
	})
	return cmd
}

func openStorage(configPath string) (gencache.Config, *gencache.Storage, error) {
	cfg, err := gencache.LoadConfig(configPath)
	if err != nil {
		return gencache.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Dir == "" {
		return gencache.Config{}, nil, fmt.Errorf("storage.dir is empty: in-memory generations do not outlive the server")
	}
	storage, err := gencache.OpenStorage(cfg.Storage.Dir, zap.NewNop())
	if err != nil {
		return gencache.Config{}, nil, err
	}
	return cfg, storage, nil
}
