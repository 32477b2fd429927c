package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcpmgr"
)

func newToolsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect to every configured server and print the aggregated tools",
		Example: `  mcpmgr tools --config mcp.json
  mcpmgr tools --server github --server filesystem --output json
  MCPMGR_OUTPUT=json mcpmgr tools`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTools(cmd.Context(), v, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceP("server", "s", nil, "Only print tools of these servers")
	cmd.Flags().StringP("output", "o", "table", "Output format (table, json)")
	bindFlags(v, cmd.Flags())
	return cmd
}

type toolRow struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	RawName     string `json:"rawName"`
	Description string `json:"description,omitempty"`
}

type failedRow struct {
	Server string `json:"server"`
	Error  string `json:"error"`
}

type toolsReport struct {
	Tools  []toolRow   `json:"tools"`
	Failed []failedRow `json:"failed,omitempty"`
}

func runTools(ctx context.Context, v *viper.Viper, out io.Writer) error {
	format := strings.ToLower(v.GetString("output"))
	if format != "table" && format != "json" {
		return fmt.Errorf("unsupported output format %q", format)
	}
	logger, err := commandLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	mgr, err := buildManager(v, logger, nil)
	if err != nil {
		return err
	}
	defer closeManager(mgr, logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
	defer cancel()
	if _, err := mgr.InitializeConnections(ctx); err != nil {
		return err
	}

	report := buildReport(mgr.GetTools(v.GetStringSlice("server")...), mgr.FailedServers())
	for _, f := range report.Failed {
		logger.Warn("server unavailable", zap.String("server", f.Server), zap.String("error", f.Error))
	}
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return writeToolsTable(out, report.Tools)
}

func buildReport(tools []mcpmgr.ToolDescriptor, failed map[string]error) toolsReport {
	report := toolsReport{Tools: make([]toolRow, 0, len(tools))}
	for _, t := range tools {
		report.Tools = append(report.Tools, toolRow{
			Name:        t.QualifiedName,
			Server:      t.Server,
			RawName:     t.RawName,
			Description: t.Description,
		})
	}
	for server, err := range failed {
		report.Failed = append(report.Failed, failedRow{Server: server, Error: err.Error()})
	}
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Server < report.Failed[j].Server })
	return report
}

func writeToolsTable(out io.Writer, rows []toolRow) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tDESCRIPTION")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Server, firstLine(r.Description, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d tools\n", len(rows))
	return nil
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
