package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	mcpgateway "github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcpmgr"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	authorizationURL := os.Getenv("AUTHORIZATION_SERVER_URL")
	resourceMetadataURL := os.Getenv("OAUTH_RESOURCE_METADATA_URL")
	if authorizationURL == "" || resourceMetadataURL == "" {
		authorizationURL = "https://example-server.modelcontextprotocol.io/"
		resourceMetadataURL = "https://example-server.modelcontextprotocol.io/.well-known/oauth-protected-resource"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := mcpmgr.NewManager(map[string]mcpmgr.ServerConfig{
		"everything": &mcpmgr.StdioServerConfig{
			BaseServerConfig: mcpmgr.BaseServerConfig{Timeout: 15 * time.Second},
			Command:          "npx",
			Args:             []string{"-y", "@modelcontextprotocol/server-everything"},
			Restart:          &mcpmgr.RetryPolicy{Enabled: true, MaxAttempts: 5, Delay: 2 * time.Second},
		},
	}, &mcpmgr.ManagerOptions{
		QualifyWithServerName: true,
		OnConnectionError:     mcpmgr.Ignore,
		ClientName:            "gateway-example",
		Logger:                logger,
	})
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	verifier := func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
		// Validate token with your upstream authorization server
		if token == "" {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}

	gateway, err := mcpgateway.NewGateway(manager, &mcpgateway.Options{
		Addr:        ":8787",
		Path:        "/mcp",
		AutoConnect: true,
		Logger:      logger,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
		TokenVerifier: verifier,
		TokenOptions: &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: resourceMetadataURL,
		},
		AuthorizationServer: authorizationURL,
	})
	if err != nil {
		logger.Fatal("build gateway", zap.Error(err))
	}
	defer gateway.Close()

	gateway.ServeMux().HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway server stopped", zap.Error(err))
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		logger.Warn("close servers", zap.Error(err))
	}
}
