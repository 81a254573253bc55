package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/modelrelay/relay/config"
	"github.com/modelrelay/relay/internal/auth"
)

var (
	seedKey    string
	seedTenant string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert a development API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, nil))

		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		h := sha256.Sum256([]byte(seedKey))
		apiKey := &auth.APIKey{
			TenantID:  seedTenant,
			KeyHash:   hex.EncodeToString(h[:]),
			RateLimit: 1000000,
			Active:    true,
		}

		store := auth.NewPostgresStore(pool)
		if err := store.Create(ctx, apiKey); err != nil {
			// The key_hash column is unique, so re-running seed hits a
			// constraint violation rather than duplicating the key.
			log.Warn("api key may already exist, skipping", "error", err)
			return nil
		}

		log.Info("seeded api key",
			"key", seedKey,
			"tenant_id", seedTenant,
			"rate_limit", apiKey.RateLimit,
		)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedKey, "key", "test-api-key-12345", "API key to insert")
	seedCmd.Flags().StringVar(&seedTenant, "tenant", "00000000-0000-0000-0000-000000000001", "tenant id the key belongs to")
	rootCmd.AddCommand(seedCmd)
}
