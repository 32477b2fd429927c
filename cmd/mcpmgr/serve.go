package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	mcpgateway "github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcp-gateway"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the aggregated tools as one Streamable HTTP MCP server",
		Example: `  mcpmgr serve --config mcp.yaml --addr 127.0.0.1:8700
  mcpmgr serve --cors-origin https://inspector.example --log-file ~/.mcpmgr/serve.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v)
		},
	}
	cmd.Flags().String("addr", ":8700", "Listen address")
	cmd.Flags().String("path", "/mcp", "HTTP path of the MCP endpoint")
	cmd.Flags().Bool("metrics", true, "Serve Prometheus metrics on /metrics")
	cmd.Flags().StringSlice("cors-origin", nil, "Allow browser clients from these origins")
	bindFlags(v, cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger, err := commandLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := buildManager(v, logger, reg)
	if err != nil {
		return err
	}
	defer closeManager(mgr, logger)

	opts := gatewayOptions(v, logger, reg)
	gw, err := mcpgateway.NewGateway(mgr, opts)
	if err != nil {
		return err
	}
	defer gw.Close()

	logger.Info("serving aggregated tools",
		zap.String("version", version),
		zap.Int("servers", len(mgr.Servers())),
		zap.Int("tools", gw.ToolCount()),
		zap.Int("failed", len(mgr.FailedServers())))

	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func gatewayOptions(v *viper.Viper, logger *zap.Logger, reg *prometheus.Registry) *mcpgateway.Options {
	opts := &mcpgateway.Options{
		Addr:        v.GetString("addr"),
		Path:        v.GetString("path"),
		AutoConnect: true,
		Logger:      logger,
		SyncTimeout: v.GetDuration("timeout"),
		Registerer:  reg,
	}
	if v.GetBool("metrics") {
		opts.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	if origins := v.GetStringSlice("cors-origin"); len(origins) > 0 {
		opts.CORS = &cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}
	}
	return opts
}
