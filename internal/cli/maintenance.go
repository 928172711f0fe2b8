package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/humanify/server/internal/cache"
)

func init() {
	rootCmd.AddCommand(cacheCmd, ipsetCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
	ipsetCmd.AddCommand(ipsetRefreshCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Reputation cache maintenance",
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired entries from every namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		c, err := openCache(ctx, cfg, newLogger())
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.Sweep(ctx, cache.All...)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "removed %d expired entries\n", n)
		return nil
	},
}

var ipsetCmd = &cobra.Command{
	Use:   "ipset",
	Short: "IP reputation list maintenance",
}

var ipsetRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download the ipset now",
	Long:  "Downloads the ipset from the configured URL and replaces the local file.\nA running serve picks the new file up on its own.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		set, err := openIPSet(cfg.Reputation, newLogger())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := set.Refresh(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s updated %s\n", set.Path(), set.Updated().Format(time.RFC3339))
		return nil
	},
}
