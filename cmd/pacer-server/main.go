package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := server.NewViper()

	root := &cobra.Command{
		Use:           "pacer-server",
		Short:         "Rate-controlled bulk record delivery",
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pacer with the configured role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := serveCmd.Flags()
	flags.String("port", v.GetString("port"), "HTTP listen port")
	flags.String("grpc-port", v.GetString("grpc_port"), "gRPC health listen port")
	flags.String("role", v.GetString("role"), "process role: all, api, scheduler or worker")
	flags.String("store", v.GetString("store"), "state store: memory, redis or nats")
	flags.String("transport", v.GetString("transport"), "record transport: memory or nats")
	flags.String("nats-url", v.GetString("nats.url"), "NATS server URL")
	flags.String("redis-url", v.GetString("redis.url"), "Redis URL")
	flags.String("index-path", v.GetString("index.path"), "SQLite index path, empty to disable")
	flags.String("log-level", v.GetString("log_level"), "log level: debug, info, warn or error")

	for key, flag := range map[string]string{
		"port":       "port",
		"grpc_port":  "grpc-port",
		"role":       "role",
		"store":      "store",
		"transport":  "transport",
		"nats.url":   "nats-url",
		"redis.url":  "redis-url",
		"index.path": "index-path",
		"log_level":  "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pacer-server", core.Version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	return root
}
