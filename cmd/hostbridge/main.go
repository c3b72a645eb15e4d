// Command hostbridge runs the bridge host or issues one-shot client calls
// against a running host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"hostbridge/client"
	"hostbridge/config"
	"hostbridge/handlers"
	"hostbridge/middleware"
	"hostbridge/registry"
	"hostbridge/server"
)

var (
	cfgFile string
	port    int
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "hostbridge",
	Short:         "TCP command bridge for a single-threaded host application",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if port > 0 {
			cfg.Port = port
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge host with the built-in handlers",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		reg := registry.New()
		d := server.NewDispatcher(reg, &server.Options{
			MaxFrameSize:  cfg.MaxFrameSize,
			QueueCapacity: cfg.QueueCapacity,
			Logger:        logger,
			Metrics:       server.NewMetrics(prometheus.DefaultRegisterer),
		})
		d.Use(middleware.Logging(logger))
		if cfg.RateLimit > 0 {
			d.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateLimitBurst))
		}
		if err := handlers.RegisterBuiltins(reg, d); err != nil {
			return err
		}
		if err := d.Start(cfg.Addr()); err != nil {
			return err
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		return d.Stop(5 * time.Second)
	},
}

var callCmd = &cobra.Command{
	Use:   "call <type>",
	Short: "Send one command to a running host and print the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paramsJSON, _ := cmd.Flags().GetString("params")
		var params any
		if paramsJSON != "" {
			if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}
		}

		c := newClient()
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout.Std())
		defer cancel()
		resp, err := c.Call(ctx, args[0], params)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send the raw liveness probe",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout.Std())
		defer cancel()
		resp, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func newClient() *client.Client {
	return client.New(cfg.Addr(), &client.Options{
		DialTimeout:       cfg.DialTimeout.Std(),
		CallTimeout:       cfg.CallTimeout.Std(),
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff.Std(),
		MaxBackoff:        cfg.MaxBackoff.Std(),
		MaxFrameSize:      cfg.MaxFrameSize,
	})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "hostbridge.yaml", "config file path")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "override the configured port")
	callCmd.Flags().String("params", "", "command parameters as a JSON object")
	rootCmd.AddCommand(serveCmd, callCmd, pingCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
