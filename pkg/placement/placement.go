// Package placement implements the recursive best-fit rebalancer (§4.4):
// given a Cluster and compiled Constraints, it iteratively selects moves
// that strictly reduce spread on the policy's chosen dimension until the
// balanciness stop criterion is met, then performs an enforce-only pass for
// any anti-affinity or strict-pin rule still violated (that pass does not
// gather affinity groups onto one node).
package placement

import (
	"fmt"
	"math"
	"sort"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/constraints"
	"github.com/cuemby/proxlb/pkg/log"
)

// state is the engine's virtual view of node loads and guest placements,
// mutated as candidate moves are accepted so the next iteration scores
// against the post-move cluster without touching the real snapshot.
type state struct {
	c   *cluster.Cluster
	cs  *constraints.Constraints
	dim cluster.Dimension
	mode cluster.Mode

	// guestNode tracks each guest's virtual current node.
	guestNode map[int]string
}

// Plan produces a Plan from c and cs under c.Policy. Returns the plan and
// any PlacementWarnings encountered (non-fatal).
func Plan(c *cluster.Cluster, cs *constraints.Constraints) (*cluster.Plan, []error) {
	logger := log.WithComponent("placement")
	policy := c.Policy

	st := &state{c: c, cs: cs, dim: policy.Method, mode: policy.Mode, guestNode: map[int]string{}}
	for id, g := range c.Guests {
		st.guestNode[id] = g.Node
	}

	plan := &cluster.Plan{Method: policy.Method, Mode: policy.Mode}
	var warnings []error

	spreadBefore := st.spread()
	plan.SpreadBefore = spreadBefore

	if policy.MemoryThreshold != nil {
		peak := st.peakPercent(cluster.DimensionMemory)
		if peak < float64(*policy.MemoryThreshold) {
			logger.Debug().Float64("peak_memory_pct", peak).Int("threshold", *policy.MemoryThreshold).Msg("cluster below memory_threshold, skipping cycle")
			plan.SpreadAfter = spreadBefore
			return plan, warnings
		}
	}

	if policy.Mode == cluster.ModePSI {
		if mv, ok := st.bestPSIMove(); ok {
			plan.Moves = append(plan.Moves, mv)
			st.apply(mv)
		}
	} else {
		maxIterations := len(c.Guests) + 1
		for i := 0; i < maxIterations; i++ {
			s := st.spread()
			if s <= float64(policy.Balanciness) {
				break
			}
			mv, found := st.bestMove(s)
			if !found {
				break
			}
			plan.Moves = append(plan.Moves, mv)
			st.apply(mv)
		}
	}

	enforceWarnings := st.enforcePass(plan)
	warnings = append(warnings, enforceWarnings...)

	plan.SpreadAfter = st.spread()

	if err := plan.Validate(); err != nil {
		warnings = append(warnings, err)
	}
	return plan, warnings
}

// weight returns w(g) for the engine's configured dimension/mode.
func (st *state) weight(g *cluster.Guest) float64 {
	switch st.mode {
	case cluster.ModeAssigned:
		return g.Assigned.Get(st.dim)
	default: // used
		return g.EffectiveUsed(st.dim)
	}
}

// load returns L(n) for node, honoring virtual moves already applied.
func (st *state) load(nodeName string) float64 {
	n := st.c.Nodes[nodeName]
	if n == nil {
		return 0
	}
	switch st.mode {
	case cluster.ModeAssigned:
		var sum float64
		for id, g := range st.c.Guests {
			if st.guestNode[id] == nodeName {
				sum += g.Assigned.Get(st.dim)
			}
		}
		return sum
	default: // used
		var sum float64
		for id, g := range st.c.Guests {
			if st.guestNode[id] == nodeName && g.Running {
				sum += g.EffectiveUsed(st.dim)
			}
		}
		return sum
	}
}

func (st *state) loadPercent(nodeName string) float64 {
	n := st.c.Nodes[nodeName]
	if n == nil {
		return 0
	}
	capacity := n.Capacity(st.dim)
	if capacity <= 0 {
		return 0
	}
	return st.load(nodeName) / capacity * 100
}

func (st *state) peakPercent(dim cluster.Dimension) float64 {
	saved := st.dim
	st.dim = dim
	defer func() { st.dim = saved }()
	var peak float64
	for name := range st.c.Nodes {
		if p := st.loadPercent(name); p > peak {
			peak = p
		}
	}
	return peak
}

// spread returns S, the max-min load percent across reachable nodes (§4.4).
func (st *state) spread() float64 {
	var max, min float64
	first := true
	for name, n := range st.c.Nodes {
		if !n.Reachable {
			continue
		}
		p := st.loadPercent(name)
		if first {
			max, min = p, p
			first = false
			continue
		}
		if p > max {
			max = p
		}
		if p < min {
			min = p
		}
	}
	return max - min
}

// bestMove finds the single strictly-improving move that most reduces
// spread, per §4.4 steps 1-4.
func (st *state) bestMove(currentSpread float64) (cluster.Move, bool) {
	hot := st.hottestNode()
	if hot == "" {
		return cluster.Move{}, false
	}

	candidates := st.movableGuestsOn(hot)
	st.sortCandidates(candidates)

	var best cluster.Move
	bestSpread := currentSpread
	found := false

	for _, g := range candidates {
		for _, dest := range st.destinationsFor(g, hot) {
			if !st.respectsGroups(g, hot, dest) {
				continue
			}
			if !st.respectsOverprovisioning(g, dest) {
				continue
			}
			sPrime := st.hypotheticalSpread(g.ID, hot, dest)
			if sPrime >= currentSpread {
				continue // not strictly improving
			}
			mv := cluster.Move{
				GuestID: g.ID, Kind: g.Kind, From: hot, To: dest,
				Weight: st.weight(g), Dimension: st.dim, Running: g.Running,
				Rationale: fmt.Sprintf("reduces %s spread from %.2f%% to %.2f%%", st.dim, currentSpread, sPrime),
			}
			if !found || sPrime < bestSpread || (sPrime == bestSpread && tieBreak(mv, best)) {
				best = mv
				bestSpread = sPrime
				found = true
			}
		}
	}
	return best, found
}

// tieBreak reports whether a should be preferred over b at equal resulting
// spread: smaller |w(g)|, then lower guest id (§4.4 step 4).
func tieBreak(a, b cluster.Move) bool {
	if math.Abs(a.Weight) != math.Abs(b.Weight) {
		return math.Abs(a.Weight) < math.Abs(b.Weight)
	}
	return a.GuestID < b.GuestID
}

func (st *state) hottestNode() string {
	var hot string
	var hotPct float64
	first := true
	for name, n := range st.c.Nodes {
		if !n.Reachable {
			continue
		}
		if len(st.movableGuestsOn(name)) == 0 {
			continue
		}
		p := st.loadPercent(name)
		if first || p > hotPct || (p == hotPct && name < hot) {
			hot, hotPct, first = name, p, false
		}
	}
	return hot
}

func (st *state) movableGuestsOn(node string) []*cluster.Guest {
	var out []*cluster.Guest
	for id, g := range st.c.Guests {
		if st.guestNode[id] != node {
			continue
		}
		if g.Ignored || g.Locked {
			continue
		}
		if _, ok := st.c.Policy.BalanceTypes[g.Kind]; len(st.c.Policy.BalanceTypes) > 0 && !ok {
			continue
		}
		out = append(out, g)
	}
	return out
}

func (st *state) sortCandidates(guests []*cluster.Guest) {
	if st.c.Policy.BalanceLargerGuestsFirst {
		sort.Slice(guests, func(i, j int) bool {
			wi, wj := st.weight(guests[i]), st.weight(guests[j])
			if wi != wj {
				return wi > wj
			}
			return guests[i].ID < guests[j].ID
		})
		return
	}
	sort.Slice(guests, func(i, j int) bool {
		gi, gj := len(st.cs.GroupsOf(guests[i].ID)), len(st.cs.GroupsOf(guests[j].ID))
		if gi != gj {
			return gi > gj
		}
		wi, wj := st.weight(guests[i]), st.weight(guests[j])
		if wi != wj {
			return wi > wj
		}
		return guests[i].ID < guests[j].ID
	})
}

// feasibleDestinations returns every node except from, excluding
// maintenance and excluding those the constraint compiler forbade for g, in
// lower-node-name order (so tie-breaking among equidistant candidates is
// deterministic per §9 Open Question c).
func (st *state) feasibleDestinations(g *cluster.Guest, from string) []string {
	var out []string
	for name, n := range st.c.Nodes {
		if name == from || n.Maintenance || !n.Reachable {
			continue
		}
		if st.cs.Forbidden(name, g.ID) {
			continue
		}
		ps := st.cs.GuestPinSets[g.ID]
		if ps.Strict && len(ps.Nodes) > 0 && !ps.Allows(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// destinationsFor orders feasibleDestinations(g, from) so that a
// non-strict (preferred) pin is honored whenever at least one pinned node
// is feasible, falling back to the full candidate list only when none of
// the guest's preferred nodes are available (§3/§4.4 "preferred pin falls
// back when none of the pinned nodes are available"). A strict pin is
// already fully enforced by feasibleDestinations via cs.Forbidden.
func (st *state) destinationsFor(g *cluster.Guest, from string) []string {
	all := st.feasibleDestinations(g, from)
	ps := st.cs.GuestPinSets[g.ID]
	if ps.Strict || len(ps.Nodes) == 0 {
		return all
	}
	var preferred []string
	for _, name := range all {
		if ps.Allows(name) {
			preferred = append(preferred, name)
		}
	}
	if len(preferred) > 0 {
		return preferred
	}
	return all
}

// respectsGroups rejects a move that would violate anti-affinity (another
// member already on dest) or separate a co-located affinity group, unless
// enforce_affinity is false and relaxation is allowed (§4.4 step 3).
func (st *state) respectsGroups(g *cluster.Guest, from, dest string) bool {
	for _, grp := range st.cs.AntiAffinityGroups {
		if _, member := grp.GuestIDs[g.ID]; !member {
			continue
		}
		if !st.c.Policy.EnforceAffinity {
			continue // relaxed mode: co-location is not checked
		}
		for other := range grp.GuestIDs {
			if other != g.ID && st.guestNode[other] == dest {
				return false
			}
		}
	}
	for _, grp := range st.cs.AffinityGroups {
		if _, member := grp.GuestIDs[g.ID]; !member {
			continue
		}
		if !st.c.Policy.EnforceAffinity {
			continue
		}
		for other := range grp.GuestIDs {
			if other == g.ID {
				continue
			}
			if st.guestNode[other] == from && st.guestNode[other] != dest {
				return false
			}
		}
	}
	return true
}

// respectsOverprovisioning rejects a move that would push dest's assigned
// memory past capacity minus reserved headroom, when overprovisioning=false
// (§4.4 step 3, S4).
func (st *state) respectsOverprovisioning(g *cluster.Guest, dest string) bool {
	if st.c.Policy.Overprovisioning {
		return true
	}
	n := st.c.Nodes[dest]
	if n == nil {
		return false
	}
	var assigned int64
	for id, other := range st.c.Guests {
		if st.guestNode[id] == dest {
			assigned += other.Assigned.Memory
		}
	}
	reserve, ok := st.c.Policy.Reserves[dest]
	if !ok {
		reserve = st.c.Policy.Reserves["defaults"]
	}
	available := n.MemoryTotal - reserve.Memory
	return assigned+g.Assigned.Memory <= available
}

func (st *state) hypotheticalSpread(guestID int, from, dest string) float64 {
	prev := st.guestNode[guestID]
	st.guestNode[guestID] = dest
	s := st.spread()
	st.guestNode[guestID] = prev
	return s
}

func (st *state) apply(mv cluster.Move) {
	st.guestNode[mv.GuestID] = mv.To
}

// bestPSIMove implements psi-mode candidate selection: at most one move,
// from the node whose worst PSI component most exceeds its threshold. It
// takes the first candidate (sortCandidates order) that has a feasible
// destination, and the first such destination in node-name order; it does
// not estimate how much each destination would reduce the pressure (§4.4, S6).
func (st *state) bestPSIMove() (cluster.Move, bool) {
	hot, worstExcess := "", 0.0
	for name, n := range st.c.Nodes {
		if !n.Reachable || n.PSI == nil {
			continue
		}
		excess := psiExcess(n.PSI.Get(st.dim), st.c.Policy.PSIThresholds.Get(st.dim))
		if excess > worstExcess {
			hot, worstExcess = name, excess
		}
	}
	if hot == "" {
		return cluster.Move{}, false
	}

	// Guests carry no PSI reading of their own; candidates are ordered by
	// sortCandidates' weight on the chosen dimension instead.
	candidates := st.movableGuestsOn(hot)
	st.sortCandidates(candidates)

	for _, g := range candidates {
		for _, dest := range st.destinationsFor(g, hot) {
			if !st.respectsGroups(g, hot, dest) || !st.respectsOverprovisioning(g, dest) {
				continue
			}
			return cluster.Move{
				GuestID: g.ID, Kind: g.Kind, From: hot, To: dest,
				Weight: st.weight(g), Dimension: st.dim, Running: g.Running,
				Rationale: "reduces pressure-stall excess on " + hot,
			}, true
		}
	}
	return cluster.Move{}, false
}

func psiExcess(reading cluster.PSI, threshold cluster.PSI) float64 {
	some := reading.Some - threshold.Some
	full := reading.Full - threshold.Full
	spikes := reading.Spikes - threshold.Spikes
	worst := some
	if full > worst {
		worst = full
	}
	if spikes > worst {
		worst = spikes
	}
	return worst
}

// enforcePass performs additional moves purely to separate anti-affinity
// groups (when enforce_affinity is set) and to move strict-pinned guests
// onto a pinned node (when enforce_pinning is set) once the main loop has
// stopped, per §4.4 step 5. It does not gather affinity groups onto one
// node, and it does not reconsider moves already in plan.
func (st *state) enforcePass(plan *cluster.Plan) []error {
	var warnings []error
	if st.c.Policy.EnforceAffinity {
		for name, grp := range st.cs.AntiAffinityGroups {
			seen := map[string]int{}
			for id := range grp.GuestIDs {
				seen[st.guestNode[id]]++
			}
			for id := range grp.GuestIDs {
				node := st.guestNode[id]
				if seen[node] <= 1 {
					continue
				}
				g := st.c.Guests[id]
				if g.Ignored || g.Locked {
					continue
				}
				dest := st.firstNodeWithoutGroupMember(grp.GuestIDs, node, id)
				if dest == "" {
					warnings = append(warnings, &cluster.PlacementWarning{GuestID: id, Reason: fmt.Sprintf("anti-affinity group %q has no free node to separate onto", name)})
					continue
				}
				plan.Moves = append(plan.Moves, cluster.Move{
					GuestID: id, Kind: g.Kind, From: node, To: dest, Weight: st.weight(g),
					Dimension: st.dim, Running: g.Running, Rationale: fmt.Sprintf("enforce anti-affinity group %q", name),
				})
				st.guestNode[id] = dest
				seen[node]--
				seen[dest]++
			}
		}
	}
	if st.c.Policy.EnforcePinning {
		for id, ps := range st.cs.GuestPinSets {
			if !ps.Strict || len(ps.Nodes) == 0 {
				continue
			}
			node := st.guestNode[id]
			if ps.Allows(node) {
				continue
			}
			g := st.c.Guests[id]
			if g.Ignored || g.Locked {
				continue
			}
			var dest string
			for candidate := range ps.Nodes {
				if n := st.c.Nodes[candidate]; n != nil && n.Reachable && !n.Maintenance {
					dest = candidate
					break
				}
			}
			if dest == "" {
				warnings = append(warnings, &cluster.PlacementWarning{GuestID: id, Reason: "no feasible node within strict pin set"})
				continue
			}
			plan.Moves = append(plan.Moves, cluster.Move{
				GuestID: id, Kind: g.Kind, From: node, To: dest, Weight: st.weight(g),
				Dimension: st.dim, Running: g.Running, Rationale: "enforce strict pin",
			})
			st.guestNode[id] = dest
		}
	}
	return warnings
}

// BestNode scores every reachable, non-maintenance node the same way Plan
// scores move destinations and returns the least loaded one, for the CLI's
// --best-node mode (§6): "uses the same scoring as C4 with an empty plan".
// It takes no guest into account beyond the existing cluster, since the
// caller has not created the guest yet.
func BestNode(c *cluster.Cluster) (string, error) {
	st := &state{c: c, dim: c.Policy.Method, mode: c.Policy.Mode, guestNode: map[int]string{}}
	for id, g := range c.Guests {
		st.guestNode[id] = g.Node
	}

	var best string
	bestPct := math.Inf(1)
	var names []string
	for name, n := range c.Nodes {
		if !n.Reachable || n.Maintenance {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pct := st.loadPercent(name)
		if pct < bestPct {
			bestPct = pct
			best = name
		}
	}
	if best == "" {
		return "", fmt.Errorf("no reachable, non-maintenance node available")
	}
	return best, nil
}

func (st *state) firstNodeWithoutGroupMember(group map[int]struct{}, exclude string, movingGuest int) string {
	var names []string
	for name, n := range st.c.Nodes {
		if name == exclude || !n.Reachable || n.Maintenance {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		occupied := false
		for id := range group {
			if id == movingGuest {
				continue
			}
			if st.guestNode[id] == name {
				occupied = true
				break
			}
		}
		if !occupied {
			return name
		}
	}
	return ""
}
