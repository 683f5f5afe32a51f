package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceTripletGet(t *testing.T) {
	r := ResourceTriplet{Memory: 1024, CPU: 2.5, Disk: 4096}
	assert.Equal(t, float64(1024), r.Get(DimensionMemory))
	assert.Equal(t, float64(4096), r.Get(DimensionDisk))
	assert.Equal(t, 2.5, r.Get(DimensionCPU))
	assert.Equal(t, float64(0), r.Get(Dimension("bogus")))
}

func TestPSITripletGet(t *testing.T) {
	p := PSITriplet{
		Memory: PSI{Some: 0.1},
		CPU:    PSI{Some: 0.2},
		Disk:   PSI{Some: 0.3},
	}
	assert.Equal(t, PSI{Some: 0.1}, p.Get(DimensionMemory))
	assert.Equal(t, PSI{Some: 0.2}, p.Get(DimensionCPU))
	assert.Equal(t, PSI{Some: 0.3}, p.Get(DimensionDisk))
	assert.Equal(t, PSI{}, p.Get(Dimension("bogus")))
}

func TestNodeCapacity(t *testing.T) {
	n := &Node{MemoryTotal: 64 << 30, DiskTotal: 1 << 40, CPUTotal: 16}
	assert.Equal(t, float64(64<<30), n.Capacity(DimensionMemory))
	assert.Equal(t, float64(1<<40), n.Capacity(DimensionDisk))
	assert.Equal(t, float64(16), n.Capacity(DimensionCPU))
}

func TestGuestEffectiveUsedStoppedGuestContributesZeroCPUOnly(t *testing.T) {
	g := &Guest{Running: false, Used: ResourceTriplet{Memory: 2 << 30, CPU: 1.5, Disk: 10 << 30}}
	assert.Equal(t, float64(0), g.EffectiveUsed(DimensionCPU))
	assert.Equal(t, float64(2<<30), g.EffectiveUsed(DimensionMemory))
	assert.Equal(t, float64(10<<30), g.EffectiveUsed(DimensionDisk))
}

func TestGuestEffectiveUsedRunningGuestReportsAllDimensions(t *testing.T) {
	g := &Guest{Running: true, Used: ResourceTriplet{Memory: 2 << 30, CPU: 1.5, Disk: 10 << 30}}
	assert.Equal(t, 1.5, g.EffectiveUsed(DimensionCPU))
	assert.Equal(t, float64(2<<30), g.EffectiveUsed(DimensionMemory))
}

func TestGuestHasTag(t *testing.T) {
	g := &Guest{Tags: []string{"plb_ignore", "plb_pin_pve1"}}
	assert.True(t, g.HasTag("plb_ignore"))
	assert.True(t, g.HasTag("plb_pin_pve1"))
	assert.False(t, g.HasTag("plb_affinity_web"))
}

func TestPinSetAllows(t *testing.T) {
	empty := PinSet{}
	assert.True(t, empty.Allows("pve1"))
	assert.True(t, empty.Allows("anything"))

	restricted := PinSet{Nodes: map[string]struct{}{"pve1": {}, "pve2": {}}}
	assert.True(t, restricted.Allows("pve1"))
	assert.True(t, restricted.Allows("pve2"))
	assert.False(t, restricted.Allows("pve3"))
}

func TestClusterGuestsOnNode(t *testing.T) {
	c := &Cluster{Guests: map[int]*Guest{
		1: {ID: 1, Node: "pve1"},
		2: {ID: 2, Node: "pve2"},
		3: {ID: 3, Node: "pve1"},
	}}
	got := c.GuestsOnNode("pve1")
	assert.Len(t, got, 2)
	ids := map[int]bool{}
	for _, g := range got {
		ids[g.ID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[3])
	assert.False(t, ids[2])
}

func TestPlanValidateRejectsDuplicateGuest(t *testing.T) {
	p := &Plan{Moves: []Move{
		{GuestID: 1, From: "a", To: "b"},
		{GuestID: 1, From: "b", To: "c"},
	}}
	assert.Error(t, p.Validate())
}

func TestPlanValidateRejectsNoOpMove(t *testing.T) {
	p := &Plan{Moves: []Move{{GuestID: 1, From: "a", To: "a"}}}
	assert.Error(t, p.Validate())
}

func TestPlanValidateAcceptsWellFormedPlan(t *testing.T) {
	p := &Plan{Moves: []Move{
		{GuestID: 1, From: "a", To: "b"},
		{GuestID: 2, From: "b", To: "a"},
	}}
	assert.NoError(t, p.Validate())
}

func TestJobHandleResolved(t *testing.T) {
	plain := JobHandle{UPID: "UPID:a:1:"}
	assert.Equal(t, "UPID:a:1:", plain.Resolved())

	wrapped := JobHandle{UPID: "UPID:a:ha:", Parent: true, Child: "UPID:a:worker:"}
	assert.Equal(t, "UPID:a:worker:", wrapped.Resolved())

	unresolvedWrapper := JobHandle{UPID: "UPID:a:ha:", Parent: true}
	assert.Equal(t, "UPID:a:ha:", unresolvedWrapper.Resolved())
}
