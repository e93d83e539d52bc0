package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/rproxy/internal/catalog"
	"github.com/gravitational/rproxy/internal/discovery"
)

func TestNewTableSeedsConsulUI(t *testing.T) {
	table, err := NewTable(nil, "127.0.0.1:8500")
	require.NoError(t, err)

	picker, ok := table.Pick(ConsulUIUpstream)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:8500", picker.Next())
}

func TestPickerRoundRobin(t *testing.T) {
	picker, err := NewPicker([]string{"a:1", "b:1", "c:1"})
	require.NoError(t, err)

	got := []string{picker.Next(), picker.Next(), picker.Next(), picker.Next()}
	require.Equal(t, []string{"a:1", "b:1", "c:1", "a:1"}, got)
}

func TestNewPickerRejectsEmpty(t *testing.T) {
	_, err := NewPicker(nil)
	require.Error(t, err)
}

func TestApplyDeltaLeavesPreviousBalancerOnEmptyPeers(t *testing.T) {
	table, err := NewTable(nil, "127.0.0.1:8500")
	require.NoError(t, err)

	table.ApplyDelta("web", []catalog.Node{{NodeName: "n1", Address: "10.0.0.1", ServicePort: 80}})
	before, ok := table.Pick("web")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:80", before.Next())

	table.ApplyDelta("web", nil)
	after, ok := table.Pick("web")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:80", after.Next())
}

func TestResolveUpstreamUsesInsertionOrder(t *testing.T) {
	table, err := NewTable([]HostRoute{
		{HostSubstring: "api", Upstream: "api-upstream"},
		{HostSubstring: "api.internal", Upstream: "internal-upstream"},
	}, "127.0.0.1:8500")
	require.NoError(t, err)

	upstream, ok := table.ResolveUpstream("api.internal.example.com")
	require.True(t, ok)
	require.Equal(t, "api-upstream", upstream)
}

func TestResolveUpstreamNoMatch(t *testing.T) {
	table, err := NewTable([]HostRoute{{HostSubstring: "api", Upstream: "api-upstream"}}, "127.0.0.1:8500")
	require.NoError(t, err)

	_, ok := table.ResolveUpstream("static.example.com")
	require.False(t, ok)
}

func TestConsumeChangesAppliesDeltasInOrder(t *testing.T) {
	table, err := NewTable(nil, "127.0.0.1:8500")
	require.NoError(t, err)

	changes := make(chan discovery.Change, 2)
	changes <- discovery.Change{Upstream: "web", Peers: []catalog.Node{{Address: "10.0.0.1", ServicePort: 80}}}
	changes <- discovery.Change{Upstream: "web", Peers: []catalog.Node{{Address: "10.0.0.2", ServicePort: 80}}}
	close(changes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	table.ConsumeChanges(ctx, changes)

	nodes, ok := table.NodesOf("web")
	require.True(t, ok)
	require.Equal(t, "10.0.0.2", nodes[0].Address)
}

func TestSnapshotReflectsEndpoints(t *testing.T) {
	table, err := NewTable(nil, "127.0.0.1:8500")
	require.NoError(t, err)
	table.ApplyDelta("web", []catalog.Node{{Address: "10.0.0.1", ServicePort: 80}})

	snap := table.Snapshot()
	require.Equal(t, []string{"10.0.0.1:80"}, snap["web"])
	require.Equal(t, []string{"127.0.0.1:8500"}, snap[ConsulUIUpstream])
}
