package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/compressd/internal/client"
	"github.com/kiranshivaraju/compressd/internal/config"
	"github.com/kiranshivaraju/compressd/internal/connmgr"
	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/spf13/cobra"
)

// flag names
const (
	flagDatabaseURL   = "database-url"
	flagServerAddress = "server-address"
	flagAPIKey        = "api-key"
	flagTimeout       = "timeout"
)

// environment variable names
const (
	envDatabaseURL   = "DATABASE_URL"
	envServerAddress = "COMPRESSD_ADDRESS"
	envAPIKey        = "COMPRESSD_API_KEY"
)

const defaultServerAddress = "http://localhost:8080"

var (
	// databaseURL, serverAddress and apiKey are resolved by PersistentPreRunE
	// with the precedence flag, env, default.
	databaseURL   string
	serverAddress string
	apiKey        string
	// requestTimeout bounds database waits and API calls.
	requestTimeout time.Duration
)

// newAPIClient builds the client used by the jobs commands. Tests replace it.
var newAPIClient = func() client.Client {
	return client.NewHTTPClient(serverAddress, apiKey, requestTimeout)
}

// openStore returns a Store for databaseURL and a func releasing it. Tests
// replace it with an in-memory store.
var openStore = func(ctx context.Context, url string) (store.Store, func(), error) {
	conn, err := store.Connector(config.DatabaseConfig{URL: url, MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, nil, err
	}
	mgr := connmgr.New[*pgxpool.Pool]()
	if err := mgr.Initialize(conn); err != nil {
		return nil, nil, err
	}
	if err := mgr.StartConnecting(ctx); err != nil {
		mgr.Close()
		return nil, nil, err
	}
	if _, err := mgr.AwaitReady(ctx); err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(mgr), mgr.Close, nil
}

func init() {
	RootCmd.PersistentFlags().String(flagDatabaseURL, "", "Postgres connection URL (env: DATABASE_URL)")
	RootCmd.PersistentFlags().StringP(flagServerAddress, "s", "", "Address of the compressd API server (env: COMPRESSD_ADDRESS)")
	RootCmd.PersistentFlags().String(flagAPIKey, "", "API key sent as a bearer token (env: COMPRESSD_API_KEY)")
	RootCmd.PersistentFlags().DurationVar(&requestTimeout, flagTimeout, 30*time.Second, "How long to wait for the database or the API")

	RootCmd.AddCommand(GetMigrateCmd())
	RootCmd.AddCommand(GetAPIKeyCmd())
	RootCmd.AddCommand(GetJobsCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:           "compressctl",
	Short:         "compressctl - administration tool for the compressd job engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		databaseURL = resolve(cmd, flagDatabaseURL, envDatabaseURL, "")
		serverAddress = resolve(cmd, flagServerAddress, envServerAddress, defaultServerAddress)
		apiKey = resolve(cmd, flagAPIKey, envAPIKey, "")
		return nil
	},
}

func resolve(cmd *cobra.Command, flag, env, def string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func requireDatabaseURL() error {
	if databaseURL == "" {
		return fmt.Errorf("database URL is required: pass --%s or set %s", flagDatabaseURL, envDatabaseURL)
	}
	return nil
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s store.Store) error) error {
	if err := requireDatabaseURL(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	s, closeFn, err := openStore(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, s)
}
