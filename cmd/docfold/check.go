package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/internal/quota"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/internal/storage/bolt"
	"github.com/docfold/docfold/internal/storage/redis"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Inspect quota standing and configuration",
	Long:  `Inspect what docfold currently knows: a user's quota standing, or the effective configuration.`,
}

var checkQuotaCmd = &cobra.Command{
	Use:   "quota USER_ID",
	Short: "Show a user's quota standing",
	Long:  `Show a user's tier, usage and remaining operations for today.`,
	Example: `  docfold -c config.yaml check quota 12345
  docfold check quota 12345`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckQuota,
}

var checkConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runCheckConfig,
}

func init() {
	checkCmd.AddCommand(checkQuotaCmd)
	checkCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckQuota(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return fmt.Errorf("invalid quota timezone: %w", err)
	}

	store, err := bolt.Open(cfg.Storage.Path, loc)
	if err != nil {
		return fmt.Errorf("failed to open durable store: %w", err)
	}
	defer store.Close()

	var counters storage.CounterStore
	if cfg.Storage.Redis.Enabled {
		if counters, err = redis.Open(cfg.Storage.Redis); err != nil {
			color.Yellow("fast tier unreachable, answering from the durable log")
			counters = nil
		} else {
			defer counters.Close()
		}
	}

	tracker := quota.NewTracker(counters, store.Operations(), store.Users(), quota.Policy{
		FreeDailyLimit:    cfg.Quota.FreeDailyLimit,
		PremiumDailyLimit: cfg.Quota.PremiumDailyLimit,
	}, loc, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := tracker.StatsFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}

	fmt.Printf("User:      %s\n", userID)
	fmt.Printf("Day:       %s (%s)\n", stats.Day, cfg.Quota.Timezone)
	if stats.Tier == storage.TierPremium {
		fmt.Printf("Tier:      %s\n", color.MagentaString(string(stats.Tier)))
	} else {
		fmt.Printf("Tier:      %s\n", string(stats.Tier))
	}
	fmt.Printf("Used:      %d of %d\n", stats.Used, stats.Ceiling)

	if stats.Remaining > 0 {
		color.Green("Remaining: %d", stats.Remaining)
	} else {
		color.Red("Remaining: 0 (daily ceiling reached)")
	}
	return nil
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		color.Red("configuration invalid: %v", err)
		return err
	}

	fmt.Printf("Config:          %s\n", configPath)
	fmt.Printf("Durable store:   %s\n", cfg.Storage.Path)
	if cfg.Storage.Redis.Enabled {
		fmt.Printf("Fast tier:       %s:%d\n", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	} else {
		fmt.Printf("Fast tier:       %s\n", color.YellowString("disabled"))
	}
	fmt.Printf("Staging dir:     %s\n", cfg.Stage.Dir)
	fmt.Printf("Quota:           free %d/day, premium %d/day (%s)\n",
		cfg.Quota.FreeDailyLimit, cfg.Quota.PremiumDailyLimit, cfg.Quota.Timezone)
	fmt.Printf("Session:         idle timeout %s, max %d files, max %d MB each\n",
		cfg.Session.IdleTimeout, cfg.Session.MaxInputFiles, cfg.Session.MaxFileSizeBytes/(1024*1024))
	fmt.Printf("Admin API:       enabled=%t port=%d\n", cfg.Admin.Enabled, cfg.Server.AdminPort)
	fmt.Printf("Metrics:         port=%d\n", cfg.Server.MetricsPort)

	color.Green("configuration OK")
	return nil
}
