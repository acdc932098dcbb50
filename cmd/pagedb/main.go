package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"pagedb/internal/config"
	httpserver "pagedb/internal/http"
	"pagedb/pkg/dberrors"
	"pagedb/pkg/engine"
	"pagedb/pkg/metrics"
	"pagedb/pkg/snapshot"
)

func main() {
	var (
		configPath string
		dataDir    string
	)

	rootCmd := &cobra.Command{
		Use:   "pagedb",
		Short: "Durable page-structured key-value store",
		Long: `pagedb is an embedded key-value store with a write-ahead log and a
slotted page file. Every mutation is logged and fsynced before it touches
a page, so a crash at any point recovers to a consistent state.`,
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "", "store directory (overrides config)")

	loadCfg := func() (config.Config, error) {
		cfg, err := initConfig(configPath)
		if err != nil {
			return cfg, err
		}
		if dataDir != "" {
			cfg.Storage.Dir = dataDir
		}
		initLogger(&cfg)
		return cfg, nil
	}

	openEngine := func() (*engine.Engine, error) {
		cfg, err := loadCfg()
		if err != nil {
			return nil, err
		}
		return engine.Open(engine.Options{
			Dir:      cfg.Storage.Dir,
			PageSize: cfg.Storage.PageSizeBytes,
			Metrics:  metrics.NewCounters(),
		})
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Put([]byte(args[0]), []byte(args[1]))
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Look up a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			value, found, err := e.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q: %w", args[0], dberrors.ErrNotFound)
			}
			fmt.Println(string(value))
			return nil
		},
	}

	delCmd := &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Delete([]byte(args[0]))
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run recovery and report what was replayed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			stats, err := engine.Recover(engine.Options{
				Dir:      cfg.Storage.Dir,
				PageSize: cfg.Storage.PageSizeBytes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("state:    %s\n", stats.State)
			fmt.Printf("replayed: %d records\n", stats.Replayed)
			fmt.Printf("last seq: %d\n", stats.LastSeq)
			fmt.Printf("pages:    %d\n", stats.Pages)
			fmt.Printf("keys:     %d\n", stats.Keys)
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			st := e.Stats()
			fmt.Printf("dir:      %s\n", st.Dir)
			fmt.Printf("keys:     %d\n", st.Keys)
			fmt.Printf("live:     %d\n", st.Live)
			fmt.Printf("pages:    %d\n", st.Pages)
			fmt.Printf("last seq: %d\n", st.LastSeq)
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export the store to a compressed snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			n, err := snapshot.ExportFile(e, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("exported %d entries to %s\n", n, args[0])
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a snapshot file into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			n, err := snapshot.ImportFile(e, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("imported %d records from %s\n", n, args[0])
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			e, err := engine.Open(engine.Options{
				Dir:      cfg.Storage.Dir,
				PageSize: cfg.Storage.PageSizeBytes,
				Metrics:  metrics.NewCounters(),
			})
			if err != nil {
				return err
			}
			defer e.Close()

			srv := httpserver.NewServer(e, strconv.Itoa(cfg.Server.Port))
			if err := srv.Start(); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			return srv.Stop()
		},
	}

	rootCmd.AddCommand(setCmd, getCmd, delCmd, recoverCmd, statsCmd, exportCmd, importCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
