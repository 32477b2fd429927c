package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcpmgr"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	manager, err := mcpmgr.NewManager(map[string]mcpmgr.ServerConfig{
		"everything": &mcpmgr.StdioServerConfig{
			BaseServerConfig: mcpmgr.BaseServerConfig{Timeout: 15 * time.Second},
			Command:          "npx",
			Args:             []string{"-y", "@modelcontextprotocol/server-everything"},
			Restart:          &mcpmgr.RetryPolicy{Enabled: true, MaxAttempts: 3, Delay: time.Second},
		},
		"remote": &mcpmgr.HTTPServerConfig{
			URL: "http://127.0.0.1:8080/mcp",
		},
	}, &mcpmgr.ManagerOptions{
		QualifyWithServerName: true,
		OnConnectionError:     mcpmgr.Ignore,
		ClientName:            "manager-example",
		Logger:                logger,
	})
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tools, err := manager.InitializeConnections(ctx)
	if err != nil {
		logger.Fatal("connect servers", zap.Error(err))
	}

	for _, summary := range manager.ServerSummaries() {
		fmt.Printf("%-12s %-6s %-10s tools=%d", summary.Name, summary.Transport, summary.Status, summary.Tools)
		if summary.LastError != nil {
			fmt.Printf(" error=%v", summary.LastError)
		}
		fmt.Println()
	}
	for _, tool := range tools {
		fmt.Printf("  %s\n", tool.QualifiedName)
	}

	if _, ok := manager.LookupTool("everything__echo"); ok {
		res, err := manager.CallTool(ctx, "everything__echo", map[string]any{"message": "hello"})
		if err != nil {
			logger.Warn("echo failed", zap.Error(err))
		} else {
			fmt.Printf("echo returned %d content blocks\n", len(res.Content))
		}
	}

	if err := manager.Close(context.Background()); err != nil {
		logger.Warn("close", zap.Error(err))
	}
}
