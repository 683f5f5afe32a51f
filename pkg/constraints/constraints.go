// Package constraints compiles the affinity/anti-affinity/pin groups a
// cluster's guest tags and pool rules describe into the immutable
// Constraints artifact the placement engine consumes (§4.3).
package constraints

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/config"
	"github.com/cuemby/proxlb/pkg/log"
)

const (
	tagAffinityPrefix     = "plb_affinity_"
	tagAntiAffinityPrefix = "plb_anti_affinity_"
	tagLegacyExcludePrefix = "plb_exclude_" // accepted alias for anti-affinity (§9 Open Question a)
	tagPinPrefix          = "plb_pin_"
)

// Constraints is the immutable, compiled output of one cycle's tag and pool
// rules: three indexes derived from the groups (§4.3 "Output").
type Constraints struct {
	GuestGroups    map[int][]string          // guest id -> affinity/anti-affinity group names it belongs to
	GuestPinSets   map[int]cluster.PinSet     // guest id -> resolved pin set
	NodeForbidden  map[string]map[int]struct{} // node -> set of guest ids that must never land there

	AffinityGroups     map[string]*cluster.AffinityGroup
	AntiAffinityGroups map[string]*cluster.AntiAffinityGroup
}

// Compile builds Constraints from c's guests/tags and cfg's pool rules,
// mutating each cluster.Guest's PinnedNodes/StrictPin in place (those
// fields live on Guest for the placement engine's convenience; Constraints
// holds the authoritative, validated copy).
//
// Returns the compiled Constraints and any *cluster.PlacementWarning
// encountered (non-fatal; the rest of compilation proceeds).
func Compile(c *cluster.Cluster, cfg *config.Config) (*Constraints, []error) {
	logger := log.WithComponent("constraints")
	var warnings []error

	affinity := map[string]*cluster.AffinityGroup{}
	antiAffinity := map[string]*cluster.AntiAffinityGroup{}
	guestGroups := map[int][]string{}
	guestPins := map[int]cluster.PinSet{}

	warnedLegacy := map[string]struct{}{}

	ids := sortedGuestIDs(c)
	for _, id := range ids {
		g := c.Guests[id]
		pins := map[string]struct{}{}
		strict := cfg.Balancing.EnforcePinning

		for _, tag := range g.Tags {
			switch {
			case strings.HasPrefix(tag, tagAffinityPrefix):
				key := tag[len(tagAffinityPrefix):]
				joinAffinity(affinity, key, id)
				guestGroups[id] = append(guestGroups[id], "affinity:"+key)
			case strings.HasPrefix(tag, tagAntiAffinityPrefix):
				key := tag[len(tagAntiAffinityPrefix):]
				joinAntiAffinity(antiAffinity, key, id)
				guestGroups[id] = append(guestGroups[id], "anti-affinity:"+key)
			case strings.HasPrefix(tag, tagLegacyExcludePrefix):
				key := tag[len(tagLegacyExcludePrefix):]
				if _, warned := warnedLegacy[tag]; !warned {
					logger.Warn().Str("tag", tag).Msg("plb_exclude_<key> is a legacy alias for plb_anti_affinity_<key>; update guest tags")
					warnedLegacy[tag] = struct{}{}
				}
				joinAntiAffinity(antiAffinity, key, id)
				guestGroups[id] = append(guestGroups[id], "anti-affinity:"+key)
			case strings.HasPrefix(tag, tagPinPrefix):
				pins[tag[len(tagPinPrefix):]] = struct{}{}
			}
		}

		// Pool-derived groups (§4.3 "Pool language").
		if g.Pool != "" {
			if rule, ok := cfg.Balancing.Pools[g.Pool]; ok {
				switch rule.Type {
				case "affinity":
					joinAffinity(affinity, "pool:"+g.Pool, id)
					guestGroups[id] = append(guestGroups[id], "affinity:pool:"+g.Pool)
				case "anti-affinity":
					joinAntiAffinity(antiAffinity, "pool:"+g.Pool, id)
					guestGroups[id] = append(guestGroups[id], "anti-affinity:pool:"+g.Pool)
				}
				for _, node := range rule.Pin {
					pins[node] = struct{}{}
				}
				if rule.Strict {
					strict = true
				}
			}
		}

		validPins := map[string]struct{}{}
		var unknown []string
		for node := range pins {
			if _, ok := c.Nodes[node]; ok {
				validPins[node] = struct{}{}
			} else {
				unknown = append(unknown, node)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			if cfg.Balancing.EnforcePinning {
				g.Ignored = true
				warnings = append(warnings, &cluster.PlacementWarning{GuestID: id, Reason: fmt.Sprintf("pin references unknown node(s) %v; guest ignored under enforce_pinning", unknown)})
			} else {
				logger.Warn().Int("guest", id).Strs("unknown_nodes", unknown).Msg("dropping pin to unknown node(s)")
			}
		}

		ps := cluster.PinSet{Nodes: validPins, Strict: strict}
		g.PinnedNodes = validPins
		g.StrictPin = strict
		guestPins[id] = ps
	}

	// Anti-affinity groups larger than the available node count are allowed
	// (§4.3 "the engine will still place all members but cannot fully
	// satisfy the rule"); just warn once per group here.
	for name, grp := range antiAffinity {
		if len(grp.GuestIDs) > len(c.Nodes) {
			logger.Warn().Str("group", name).Int("members", len(grp.GuestIDs)).Int("nodes", len(c.Nodes)).
				Msg("anti-affinity group larger than available nodes; placement will be best-effort")
		}
	}

	nodeForbidden := invertPins(c, guestPins)

	return &Constraints{
		GuestGroups:        guestGroups,
		GuestPinSets:       guestPins,
		NodeForbidden:      nodeForbidden,
		AffinityGroups:     affinity,
		AntiAffinityGroups: antiAffinity,
	}, warnings
}

func joinAffinity(m map[string]*cluster.AffinityGroup, key string, guestID int) {
	grp, ok := m[key]
	if !ok {
		grp = &cluster.AffinityGroup{Name: key, GuestIDs: map[int]struct{}{}}
		m[key] = grp
	}
	grp.GuestIDs[guestID] = struct{}{}
}

func joinAntiAffinity(m map[string]*cluster.AntiAffinityGroup, key string, guestID int) {
	grp, ok := m[key]
	if !ok {
		grp = &cluster.AntiAffinityGroup{Name: key, GuestIDs: map[int]struct{}{}}
		m[key] = grp
	}
	grp.GuestIDs[guestID] = struct{}{}
}

// invertPins derives node->forbidden-guests: a guest with a non-empty
// *strict* pinset forbids every node not in that set. A non-strict
// (preferred) pin never hard-forbids a node here - it falls back to any
// feasible node when none of the pinned nodes are available (§3/§4.4);
// the placement engine applies it as a preference/tie-break instead.
func invertPins(c *cluster.Cluster, pins map[int]cluster.PinSet) map[string]map[int]struct{} {
	out := make(map[string]map[int]struct{}, len(c.Nodes))
	for node := range c.Nodes {
		out[node] = map[int]struct{}{}
	}
	for guestID, ps := range pins {
		if len(ps.Nodes) == 0 || !ps.Strict {
			continue
		}
		for node := range c.Nodes {
			if !ps.Allows(node) {
				out[node][guestID] = struct{}{}
			}
		}
	}
	return out
}

func sortedGuestIDs(c *cluster.Cluster) []int {
	ids := make([]int, 0, len(c.Guests))
	for id := range c.Guests {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// GroupsOf returns the affinity/anti-affinity group keys guest belongs to,
// for use by the placement engine's co-location checks.
func (cs *Constraints) GroupsOf(guestID int) []string {
	return cs.GuestGroups[guestID]
}

// Forbidden reports whether guestID must never land on node.
func (cs *Constraints) Forbidden(node string, guestID int) bool {
	forbidden, ok := cs.NodeForbidden[node]
	if !ok {
		return false
	}
	_, f := forbidden[guestID]
	return f
}
