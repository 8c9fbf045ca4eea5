// Package main provides the bolt-go-driver CLI: a thin wrapper over
// pkg/driver for ad-hoc query execution.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
	"github.com/orneryd/bolt-go-driver/pkg/driver"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "boltcli",
		Short: "bolt-go-driver command-line client",
		Long: `boltcli is a minimal command-line client over bolt-go-driver:
run a single Cypher statement against a Bolt server or cluster.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("boltcli v%s\n", version)
		},
	})

	queryCmd := &cobra.Command{
		Use:   "query [cypher]",
		Short: "Run a single statement and print its records",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().String("uri", "bolt://localhost:7687", "connection URI (bolt://, neo4j://, ...)")
	queryCmd.Flags().String("user", "", "basic auth username")
	queryCmd.Flags().String("password", "", "basic auth password")
	queryCmd.Flags().String("database", "", "target database (empty for server default)")
	queryCmd.Flags().Bool("write", false, "route as a WRITE instead of READ")
	queryCmd.Flags().String("config", "", "optional YAML config file")
	rootCmd.AddCommand(queryCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	uri, _ := cmd.Flags().GetString("uri")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	database, _ := cmd.Flags().GetString("database")
	write, _ := cmd.Flags().GetBool("write")
	configPath, _ := cmd.Flags().GetString("config")

	cfg := driver.DefaultConfig()
	if configPath != "" {
		loaded, err := driver.LoadConfigFile(configPath, cfg)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	var authToken map[string]any
	if user != "" {
		authToken = map[string]any{"scheme": "basic", "principal": user, "credentials": password}
	}

	d, err := driver.NewDriver(uri, authToken, driver.WithFetchSize(cfg.FetchSize), driver.WithMaxConnectionPoolSize(cfg.MaxConnectionPoolSize))
	if err != nil {
		return fmt.Errorf("building driver: %w", err)
	}
	defer d.Close()

	mode := bolt.AccessModeRead
	if write {
		mode = bolt.AccessModeWrite
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	stream, err := d.RunQuery(ctx, database, mode, args[0], nil, nil)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	done := make(chan error, 1)
	stream.Subscribe(&bolt.FuncObserver{
		Keys: func(keys []string) {
			fmt.Println(keys)
		},
		Next: func(values []any) {
			row, _ := json.Marshal(values)
			fmt.Println(string(row))
		},
		Completed: func(meta map[string]any) { done <- nil },
		Err:       func(e error) { done <- e },
	})

	return <-done
}
