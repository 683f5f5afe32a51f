package constraints

import (
	"testing"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterWithNodes(names ...string) *cluster.Cluster {
	nodes := map[string]*cluster.Node{}
	for _, n := range names {
		nodes[n] = &cluster.Node{Name: n}
	}
	return &cluster.Cluster{Nodes: nodes, Guests: map[int]*cluster.Guest{}}
}

func TestCompileAntiAffinityGrouping(t *testing.T) {
	c := clusterWithNodes("a", "b", "c")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Tags: []string{"plb_anti_affinity_web"}}
	c.Guests[2] = &cluster.Guest{ID: 2, Node: "a", Tags: []string{"plb_anti_affinity_web"}}

	cs, warnings := Compile(c, config.Default())
	assert.Empty(t, warnings)
	require.Contains(t, cs.AntiAffinityGroups, "web")
	assert.Len(t, cs.AntiAffinityGroups["web"].GuestIDs, 2)
}

func TestCompileLegacyExcludeAliasesAntiAffinity(t *testing.T) {
	c := clusterWithNodes("a", "b")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Tags: []string{"plb_exclude_db"}}
	c.Guests[2] = &cluster.Guest{ID: 2, Node: "a", Tags: []string{"plb_anti_affinity_db"}}

	cs, _ := Compile(c, config.Default())
	require.Contains(t, cs.AntiAffinityGroups, "db")
	assert.Len(t, cs.AntiAffinityGroups["db"].GuestIDs, 2)
}

func TestCompileDropsPinToUnknownNodeWithWarningByDefault(t *testing.T) {
	c := clusterWithNodes("a", "b")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Tags: []string{"plb_pin_ghost"}}

	cfg := config.Default()
	cs, warnings := Compile(c, cfg)
	assert.Empty(t, warnings)
	assert.False(t, c.Guests[1].Ignored)
	assert.Empty(t, cs.GuestPinSets[1].Nodes)
}

func TestCompileEnforcePinningIgnoresGuestOnUnknownPin(t *testing.T) {
	c := clusterWithNodes("a", "b")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Tags: []string{"plb_pin_ghost"}}

	cfg := config.Default()
	cfg.Balancing.EnforcePinning = true
	cs, warnings := Compile(c, cfg)
	require.Len(t, warnings, 1)
	var placementWarning *cluster.PlacementWarning
	require.ErrorAs(t, warnings[0], &placementWarning)
	assert.True(t, c.Guests[1].Ignored)
	_ = cs
}

func TestCompilePoolDerivedAffinity(t *testing.T) {
	c := clusterWithNodes("a", "b")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Pool: "frontend"}
	c.Guests[2] = &cluster.Guest{ID: 2, Node: "b", Pool: "frontend"}

	cfg := config.Default()
	cfg.Balancing.Pools = map[string]config.PoolRule{
		"frontend": {Type: "affinity"},
	}
	cs, _ := Compile(c, cfg)
	require.Contains(t, cs.AffinityGroups, "pool:frontend")
	assert.Len(t, cs.AffinityGroups["pool:frontend"].GuestIDs, 2)
}

func TestCompilePoolPinAppliesToMembers(t *testing.T) {
	c := clusterWithNodes("a", "b")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Pool: "locked"}

	cfg := config.Default()
	cfg.Balancing.Pools = map[string]config.PoolRule{
		"locked": {Type: "affinity", Pin: []string{"a"}, Strict: true},
	}
	cs, _ := Compile(c, cfg)
	assert.True(t, cs.GuestPinSets[1].Allows("a"))
	assert.False(t, cs.GuestPinSets[1].Allows("b"))
	assert.True(t, cs.GuestPinSets[1].Strict)
}

func TestForbiddenDerivedFromStrictPin(t *testing.T) {
	c := clusterWithNodes("a", "b", "c")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Tags: []string{"plb_pin_a"}}

	cfg := config.Default()
	cfg.Balancing.EnforcePinning = true
	cs, _ := Compile(c, cfg)
	assert.True(t, cs.Forbidden("b", 1))
	assert.True(t, cs.Forbidden("c", 1))
	assert.False(t, cs.Forbidden("a", 1))
}

func TestNonStrictPinDoesNotForbidOtherNodes(t *testing.T) {
	c := clusterWithNodes("a", "b", "c")
	c.Guests[1] = &cluster.Guest{ID: 1, Node: "a", Tags: []string{"plb_pin_a"}}

	cs, _ := Compile(c, config.Default()) // enforce_pinning=false -> preferred, not strict
	assert.False(t, cs.Forbidden("a", 1))
	assert.False(t, cs.Forbidden("b", 1))
	assert.False(t, cs.Forbidden("c", 1))
	assert.False(t, cs.GuestPinSets[1].Strict)
	assert.True(t, cs.GuestPinSets[1].Allows("a"))
	assert.False(t, cs.GuestPinSets[1].Allows("b"))
}
