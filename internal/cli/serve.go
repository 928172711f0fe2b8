package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/humanify/server/internal/assets"
	"github.com/humanify/server/internal/cache"
	"github.com/humanify/server/internal/challenge"
	"github.com/humanify/server/internal/config"
	"github.com/humanify/server/internal/decisionlog"
	"github.com/humanify/server/internal/gateway"
)

var (
	serveAddr     string
	serveUpstream string
	serveAction   string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "URL of the protected application (overrides config)")
	serveCmd.Flags().StringVar(&serveAction, "action", "", "What to do with bots: challenge or deny (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  "Runs the gateway in front of the upstream application.\nPolicy and ipset files are reloaded when they change.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveUpstream != "" {
		cfg.Server.Upstream = serveUpstream
	}
	if serveAction != "" {
		if cfg.Action, err = config.ActionFromString(serveAction); err != nil {
			return err
		}
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret, err := loadSecret(cfg.Secret)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close cache", "error", err)
		}
	}()

	kind, err := challenge.ParseKind(cfg.Challenge.Type)
	if err != nil {
		return err
	}
	protocol := challenge.New(secret,
		challenge.WithChallengeTTL(cfg.Challenge.ChallengeTTL),
		challenge.WithClearanceTTL(cfg.Challenge.ClearanceTTL),
		challenge.WithCipherOptions(cipherOptions(cfg.Secret)...),
		challenge.WithLogger(logger),
	)

	dataset, err := assets.OpenDir(cfg.Challenge.ImagesDir, cfg.Challenge.AudioDir, cfg.Challenge.Language,
		assets.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("load challenge assets: %w", err)
	}

	decisions, err := decisionlog.New(decisionlog.Config{Path: cfg.DecisionLog.Path, Stdout: cfg.DecisionLog.Stdout})
	if err != nil {
		return err
	}
	defer decisions.Close()

	deps := gateway.Deps{
		Classifier: a.classifier,
		Protocol:   protocol,
		Assets:     dataset,
		Decisions:  decisions,
		Logger:     logger,
	}
	if cfg.Server.Upstream != "" {
		if deps.Upstream, err = gateway.NewUpstream(cfg.Server.Upstream); err != nil {
			return err
		}
	} else {
		logger.Warn("no upstream configured, guarded requests will fail with 502")
	}

	srv, err := gateway.New(gateway.Config{Server: cfg.Server, Action: cfg.Action, Kind: kind}, deps)
	if err != nil {
		return err
	}

	reloader, err := config.NewReloader(logger, config.DefaultDebounce)
	if err == nil {
		err = a.watch(reloader)
	}
	if err != nil {
		logger.Warn("hot-reload disabled", "error", err)
	} else {
		go reloader.Run(ctx)
	}

	if cfg.Cache.SweepInterval > 0 {
		go a.cache.RunSweeper(ctx, cfg.Cache.SweepInterval, cache.All...)
	}

	return srv.Run(ctx)
}
