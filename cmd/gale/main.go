package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/engine"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/replica"
	"github.com/galestore/gale/pkg/types"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "gale",
		Short: "Gale is a distributed time-series storage engine",
	}
	rootCmd.AddCommand(serveCmd(), versionCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gale version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gale", version)
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		tenant     string
		database   string
		vnodeID    uint32
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open a vnode and join (or bootstrap) its raft group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			log.Init(log.Config{
				Level:      log.Level(cfg.LogLevel),
				JSONOutput: cfg.LogJSON,
				Output:     os.Stdout,
			})
			metrics.SetVersion(version)

			eng := engine.New(&cfg.Storage)
			store, err := eng.OpenTsFamily(tenant, database, types.VnodeID(vnodeID))
			if err != nil {
				return fmt.Errorf("open vnode: %w", err)
			}
			entries, err := eng.EntryStore(tenant, database, types.VnodeID(vnodeID))
			if err != nil {
				return err
			}

			rep, err := replica.Open(&cfg.Raft, eng.DataDir(tenant, database, types.VnodeID(vnodeID)), store, entries)
			if err != nil {
				return err
			}
			metrics.RegisterComponent("raft", true, "")
			metrics.RegisterComponent("engine", true, "")

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			go func() {
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					log.Errorf("metrics server stopped", err)
				}
			}()
			log.Logger.Info().
				Str("metrics", cfg.MetricsAddr).
				Uint32("vnode_id", vnodeID).
				Msg("gale serving")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			log.Info("shutting down")
			if err := rep.Shutdown(); err != nil {
				log.Errorf("raft shutdown", err)
			}
			return eng.Close()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&tenant, "tenant", "gale", "tenant name")
	cmd.Flags().StringVar(&database, "database", "db", "database name")
	cmd.Flags().Uint32Var(&vnodeID, "vnode-id", 1, "vnode id to open")
	return cmd
}
