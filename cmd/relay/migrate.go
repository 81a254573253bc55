package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/modelrelay/relay/config"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/runlog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		for _, ddl := range []string{auth.Schema, runlog.Schema} {
			if _, err := pool.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		fmt.Println("schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
