package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/wolfman30/govbook/internal/app/bootstrap"
	"github.com/wolfman30/govbook/internal/auth"
	appconfig "github.com/wolfman30/govbook/internal/config"
	"github.com/wolfman30/govbook/internal/govapi"
	"github.com/wolfman30/govbook/internal/receipts"
	"github.com/wolfman30/govbook/pkg/logging"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// runtime is what every command needs, built once per invocation.
type runtime struct {
	cfg      *appconfig.Config
	logger   *logging.Logger
	redis    *redis.Client
	tokens   auth.TokenStore
	receipts receipts.Store
	api      *govapi.Client
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}

func newRuntime(ctx context.Context) *runtime {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	tokens := bootstrap.BuildTokenStore(ctx, redisClient, cfg, logger)
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		redis:    redisClient,
		tokens:   tokens,
		receipts: bootstrap.BuildReceiptStore(redisClient, cfg),
		api:      govapi.NewClient(cfg.APIBaseURL, tokens, logger),
	}
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ignoring .env: %v", err)
	}

	rootCmd := &cobra.Command{
		Use:           "govbook",
		Short:         "Book government service appointments from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(signupCmd())
	rootCmd.AddCommand(departmentsCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(appointmentsCmd())
	rootCmd.AddCommand(chatCmd())

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintln(os.Stderr, exit.msg)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, auth.ErrAuth) {
			fmt.Fprintln(os.Stderr, "run `govbook login` first")
		}
		os.Exit(1)
	}
}
