package mcpmgr

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

func TestToolNamingQualify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "read", ToolNaming{}.Qualify("fs", "read"))
	assert.Equal(t, "fs__read", ToolNaming{QualifyWithServerName: true}.Qualify("fs", "read"))
	assert.Equal(t, "mcp__fs__read", ToolNaming{Prefix: "mcp", QualifyWithServerName: true}.Qualify("fs", "read"))
	assert.Equal(t, "mcp__read", ToolNaming{Prefix: "mcp"}.Qualify("fs", "read"))
}

func TestAggregateOrdersByServerThenListing(t *testing.T) {
	t.Parallel()

	got := aggregateTools(ToolNaming{}, nil, map[string][]*mcp.Tool{
		"beta":  tools("z", "a"),
		"alpha": tools("m"),
	}, zap.NewNop())
	assert.Equal(t, []string{"m", "z", "a"}, qualifiedNames(got))
	assert.Equal(t, "alpha", got[0].Server)
	assert.Equal(t, "tool m", got[0].Description)
	assert.Equal(t, map[string]any{"type": "object"}, got[0].InputSchema)
}

func TestAggregateFollowsDeclaredOrder(t *testing.T) {
	t.Parallel()

	got := aggregateTools(ToolNaming{}, []string{"gamma", "alpha"}, map[string][]*mcp.Tool{
		"alpha": tools("a"),
		"beta":  tools("b"),
		"gamma": tools("g1", "g2"),
	}, zap.NewNop())
	assert.Equal(t, []string{"g1", "g2", "a", "b"}, qualifiedNames(got))
}

func TestAggregateCollisionKeepsLaterDefinition(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	got := aggregateTools(ToolNaming{}, nil, map[string][]*mcp.Tool{
		"a": tools("search", "only-a"),
		"b": tools("search"),
	}, zap.New(core))

	require.Equal(t, []string{"only-a", "search"}, qualifiedNames(got))
	assert.Equal(t, "b", got[1].Server)

	entries := logs.FilterMessage("tool name collision, keeping later definition").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "a", fields["dropped_server"])
	assert.Equal(t, "b", fields["kept_server"])
}

func TestAggregateQualifiedNamesNeverCollide(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	got := aggregateTools(ToolNaming{QualifyWithServerName: true}, nil, map[string][]*mcp.Tool{
		"a": tools("search"),
		"b": tools("search"),
	}, zap.New(core))
	assert.Equal(t, []string{"a__search", "b__search"}, qualifiedNames(got))
	assert.Zero(t, logs.Len())
}

func TestFilterTools(t *testing.T) {
	t.Parallel()

	all := aggregateTools(ToolNaming{QualifyWithServerName: true}, nil, map[string][]*mcp.Tool{
		"a": tools("x"),
		"b": tools("y"),
		"c": tools("z"),
	}, zap.NewNop())
	assert.Equal(t, []string{"a__x", "c__z"}, qualifiedNames(filterTools(all, []string{"c", "a"})))
	assert.Len(t, filterTools(all, nil), 3)
	assert.Empty(t, filterTools(all, []string{"missing"}))
}

func TestAggregateProperties(t *testing.T) {
	t.Parallel()

	ident := rapid.StringMatching(`[a-z][a-z0-9-]{0,8}`)
	rapid.Check(t, func(rt *rapid.T) {
		servers := rapid.SliceOfNDistinct(ident, 1, 5, rapid.ID[string]).Draw(rt, "servers")
		prefix := rapid.SampledFrom([]string{"", "mcp"}).Draw(rt, "prefix")
		naming := ToolNaming{Prefix: prefix, QualifyWithServerName: true}

		perServer := make(map[string][]*mcp.Tool, len(servers))
		total := 0
		for _, s := range servers {
			names := rapid.SliceOfNDistinct(ident, 0, 4, rapid.ID[string]).Draw(rt, "tools-"+s)
			perServer[s] = tools(names...)
			total += len(names)
		}

		got := aggregateTools(naming, nil, perServer, zap.NewNop())
		if len(got) != total {
			rt.Fatalf("aggregate size %d, want %d", len(got), total)
		}
		for i, d := range got {
			want := naming.Qualify(d.Server, d.RawName)
			if d.QualifiedName != want {
				rt.Fatalf("qualified name %q, want %q", d.QualifiedName, want)
			}
			if i > 0 && got[i-1].Server > d.Server {
				rt.Fatalf("servers out of order: %q before %q", got[i-1].Server, d.Server)
			}
		}
	})
}
