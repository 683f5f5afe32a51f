// Package inventory builds the canonical cluster.Cluster snapshot from a
// proxmoxapi.Client for one balancing cycle (§4.2). It fetches nodes and
// guests, normalizes units, applies the ignore/maintenance filters, and
// backfills node totals for whichever mode the compiled policy selects.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/proxlb/pkg/cluster"
	"github.com/cuemby/proxlb/pkg/config"
	"github.com/cuemby/proxlb/pkg/log"
	"github.com/cuemby/proxlb/pkg/proxmoxapi"
	"github.com/rs/zerolog"
)

const minPSIMajorVersion = 9

// APIClient is the subset of *proxmoxapi.Client this package needs. It
// exists so tests (and S5's mock API client scenario) can substitute a fake
// without standing up an HTTP server.
type APIClient interface {
	ListNodes(ctx context.Context) ([]proxmoxapi.NodeStatus, error)
	ListGuests(ctx context.Context, node string, kind cluster.Kind) ([]proxmoxapi.GuestStatus, error)
	GuestConfig(ctx context.Context, node string, kind cluster.Kind, vmid int) (*proxmoxapi.GuestConfig, error)
	GuestRRD(ctx context.Context, node string, kind cluster.Kind, vmid int) ([]proxmoxapi.RRDPoint, error)
	Version(ctx context.Context) (proxmoxapi.VersionInfo, error)
	NodePressure(ctx context.Context, node string) (proxmoxapi.NodePressure, error)
}

// Build fetches nodes and guests through client and assembles an immutable
// Cluster reflecting cfg's compiled policy. Errors are always
// *cluster.InventoryError.
func Build(ctx context.Context, client APIClient, cfg *config.Config) (*cluster.Cluster, error) {
	logger := log.WithComponent("inventory")

	policy, err := buildPolicy(cfg)
	if err != nil {
		return nil, err
	}

	ignoreNodes := stringSet(cfg.ProxmoxCluster.IgnoreNodes)
	maintenanceNodes := stringSet(cfg.ProxmoxCluster.MaintenanceNodes)

	wireNodes, err := client.ListNodes(ctx)
	if err != nil {
		return nil, &cluster.InventoryError{Reason: "listing nodes", Err: err}
	}

	nodes := make(map[string]*cluster.Node, len(wireNodes))
	for _, wn := range wireNodes {
		if _, skip := ignoreNodes[wn.Node]; skip {
			logger.Debug().Str("node", wn.Node).Msg("dropping ignored node")
			continue
		}
		n := &cluster.Node{
			Name:        wn.Node,
			Reachable:   wn.Status == "online",
			CPUTotal:    int(wn.MaxCPU.Int()),
			CPUFraction: wn.CPU.Float64(),
			MemoryTotal: wn.MaxMem.Int64(),
			MemoryUsed:  wn.Mem.Int64(),
			DiskTotal:   wn.MaxDisk.Int64(),
			DiskUsed:    wn.Disk.Int64(),
		}
		if _, m := maintenanceNodes[wn.Node]; m {
			n.Maintenance = true
		}
		if reserve, ok := cfg.Balancing.NodeResourceReserve[wn.Node]; ok {
			n.Reserved.Memory = int64(reserve.MemoryGiB * 1024 * 1024 * 1024)
		} else if reserve, ok := cfg.Balancing.NodeResourceReserve["defaults"]; ok {
			n.Reserved.Memory = int64(reserve.MemoryGiB * 1024 * 1024 * 1024)
		}
		nodes[n.Name] = n
	}

	if policy.Mode == cluster.ModePSI {
		version, err := client.Version(ctx)
		if err != nil {
			return nil, &cluster.InventoryError{Reason: "fetching version for psi mode", Err: err}
		}
		major := MajorVersion(version.Version)
		if major < minPSIMajorVersion {
			return nil, &cluster.InventoryError{Reason: fmt.Sprintf("balancing.mode=psi requires hypervisor major >= %d, found %d", minPSIMajorVersion, major)}
		}
		for _, n := range nodes {
			n.Version = major
		}
	}

	guests := make(map[int]*cluster.Guest)
	for nodeName, n := range nodes {
		if !n.Reachable {
			continue
		}
		for _, kind := range []cluster.Kind{cluster.KindVM, cluster.KindCT} {
			wireGuests, err := client.ListGuests(ctx, nodeName, kind)
			if err != nil {
				return nil, &cluster.InventoryError{Reason: fmt.Sprintf("listing %s guests on %s", kind, nodeName), Err: err}
			}
			for _, wg := range wireGuests {
				guest, err := buildGuest(ctx, client, nodeName, kind, wg, logger)
				if err != nil {
					return nil, err
				}
				if existing, dup := guests[guest.ID]; dup {
					return nil, &cluster.InventoryError{Reason: fmt.Sprintf("guest id %d seen on both %s and %s", guest.ID, existing.Node, guest.Node)}
				}
				guests[guest.ID] = guest
			}
		}
	}

	c := &cluster.Cluster{
		Nodes:  nodes,
		Guests: guests,
		Policy: policy,
	}

	if err := backfillNodeTotals(ctx, client, c); err != nil {
		return nil, err
	}

	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func buildGuest(ctx context.Context, client APIClient, node string, kind cluster.Kind, wg proxmoxapi.GuestStatus, logger zerolog.Logger) (*cluster.Guest, error) {
	vmid := wg.VMID.Int()
	g := &cluster.Guest{
		ID:       vmid,
		Kind:     kind,
		Node:     node,
		Running:  wg.Status == "running",
		CPUCores: wg.CPUs.Int(),
		Assigned: cluster.ResourceTriplet{
			Memory: wg.MaxMem.Int64(),
			Disk:   wg.MaxDisk.Int64(),
		},
		Used: cluster.ResourceTriplet{
			Memory: wg.Mem.Int64(),
			Disk:   wg.Disk.Int64(),
		},
		Pool:    wg.Pool,
		Locked:  wg.Lock != "",
		Tags:    parseTags(wg.Tags),
	}

	for _, tag := range g.Tags {
		if strings.HasPrefix(tag, "plb_ignore") {
			g.Ignored = true
			logger.Debug().Int("guest", vmid).Str("tag", tag).Msg("guest ignored by tag")
		}
	}

	cfg, err := client.GuestConfig(ctx, node, kind, vmid)
	if err != nil {
		return nil, &cluster.InventoryError{Reason: fmt.Sprintf("fetching config for guest %d", vmid), Err: err}
	}
	if cfg.Pool != "" {
		g.Pool = cfg.Pool
	}
	if cfg.Tags != "" {
		g.Tags = mergeTags(g.Tags, parseTags(cfg.Tags))
	}

	if g.Running {
		mean, err := meanCPUWithRefetch(ctx, client, node, kind, vmid)
		if err != nil {
			return nil, err
		}
		g.Used.CPU = mean * float64(g.CPUCores)
	}

	return g, nil
}

// meanCPUWithRefetch implements §8's "Guest with used_cpu reported as 0
// while running -> re-fetched once before trusting the value" boundary
// behavior: a genuinely idle guest legitimately reports zero, but Proxmox's
// RRD series also reports zero during its first minute after a guest
// starts, so one re-fetch distinguishes warm-up from idle.
func meanCPUWithRefetch(ctx context.Context, client APIClient, node string, kind cluster.Kind, vmid int) (float64, error) {
	points, err := client.GuestRRD(ctx, node, kind, vmid)
	if err != nil {
		return 0, &cluster.InventoryError{Reason: fmt.Sprintf("fetching rrd for guest %d", vmid), Err: err}
	}
	mean := proxmoxapi.MeanCPU(points)
	if mean != 0 {
		return mean, nil
	}
	points, err = client.GuestRRD(ctx, node, kind, vmid)
	if err != nil {
		return 0, &cluster.InventoryError{Reason: fmt.Sprintf("re-fetching rrd for guest %d", vmid), Err: err}
	}
	return proxmoxapi.MeanCPU(points), nil
}

// backfillNodeTotals fills each node's load figures that the chosen mode
// needs: raw API-reported "used" figures already live on Node from Build's
// node-listing pass, "assigned" is recomputed here as a guest sum, and
// "psi" is fetched per reachable node from the hypervisor's cgroup2
// pressure accounting (§4.2 step 5, the three backfill paths).
func backfillNodeTotals(ctx context.Context, client APIClient, c *cluster.Cluster) error {
	switch c.Policy.Mode {
	case cluster.ModeAssigned:
		sums := make(map[string]cluster.ResourceTriplet, len(c.Nodes))
		for _, g := range c.Guests {
			t := sums[g.Node]
			t.Memory += g.Assigned.Memory
			t.Disk += g.Assigned.Disk
			t.CPU += float64(g.CPUCores)
			sums[g.Node] = t
		}
		for name, n := range c.Nodes {
			t := sums[name]
			n.MemoryAssigned = t.Memory
			// Only the memory sum is stored on the node; the disk and CPU
			// sums above are not kept.
		}
	case cluster.ModePSI:
		for name, n := range c.Nodes {
			if !n.Reachable {
				continue
			}
			pressure, err := client.NodePressure(ctx, name)
			if err != nil {
				return &cluster.InventoryError{Reason: fmt.Sprintf("fetching pressure for node %s", name), Err: err}
			}
			n.PSI = &cluster.PSITriplet{
				Memory: cluster.PSI{Some: pressure.Memory.Some.Float64(), Full: pressure.Memory.Full.Float64(), Spikes: pressure.Memory.Spikes.Float64()},
				CPU:    cluster.PSI{Some: pressure.CPU.Some.Float64(), Full: pressure.CPU.Full.Float64(), Spikes: pressure.CPU.Spikes.Float64()},
				Disk:   cluster.PSI{Some: pressure.IO.Some.Float64(), Full: pressure.IO.Full.Float64(), Spikes: pressure.IO.Spikes.Float64()},
			}
		}
	}
	return nil
}

func validate(c *cluster.Cluster) error {
	for _, g := range c.Guests {
		if _, ok := c.Nodes[g.Node]; !ok {
			return &cluster.InventoryError{Reason: fmt.Sprintf("guest %d references unknown node %q", g.ID, g.Node)}
		}
		if g.Assigned.Memory < 0 || g.Used.Memory < 0 || g.Assigned.Disk < 0 || g.Used.Disk < 0 {
			return &cluster.InventoryError{Reason: fmt.Sprintf("guest %d reports negative resource figures", g.ID)}
		}
	}
	for name, n := range c.Nodes {
		if n.MemoryTotal < 0 || n.DiskTotal < 0 {
			return &cluster.InventoryError{Reason: fmt.Sprintf("node %q reports negative capacity", name)}
		}
	}
	return nil
}

func buildPolicy(cfg *config.Config) (cluster.Policy, error) {
	p := cluster.Policy{
		Method:                   cluster.Dimension(cfg.Balancing.Method),
		Mode:                     cluster.Mode(cfg.Balancing.Mode),
		Balanciness:              intVal(cfg.Balancing.Balanciness, 10),
		MemoryThreshold:          cfg.Balancing.MemoryThreshold,
		Overprovisioning:         cfg.ProxmoxCluster.Overprovisioning,
		EnforceAffinity:          cfg.Balancing.EnforceAffinity,
		EnforcePinning:           cfg.Balancing.EnforcePinning,
		BalanceLargerGuestsFirst: boolVal(cfg.Balancing.BalanceLargerGuestsFirst, true),
		Live:                     boolVal(cfg.Balancing.Live, true),
		WithLocalDisks:           boolVal(cfg.Balancing.WithLocalDisks, true),
		WithConntrackState:       boolVal(cfg.Balancing.WithConntrackState, true),
		BalanceTypes:             make(map[cluster.Kind]struct{}),
		Reserves:                 make(map[string]cluster.ResourceTriplet),
	}
	for _, t := range cfg.Balancing.BalanceTypes {
		p.BalanceTypes[cluster.Kind(t)] = struct{}{}
	}
	for name, reserve := range cfg.Balancing.NodeResourceReserve {
		p.Reserves[name] = cluster.ResourceTriplet{Memory: int64(reserve.MemoryGiB * 1024 * 1024 * 1024)}
	}
	if cfg.Balancing.Mode == "psi" {
		for dim, threshold := range cfg.Balancing.PSI {
			psi := cluster.PSI{Some: threshold.Some, Full: threshold.Full, Spikes: threshold.Spikes}
			switch cluster.Dimension(dim) {
			case cluster.DimensionMemory:
				p.PSIThresholds.Memory = psi
			case cluster.DimensionCPU:
				p.PSIThresholds.CPU = psi
			case cluster.DimensionDisk:
				p.PSIThresholds.Disk = psi
			}
		}
	}
	return p, nil
}

// MajorVersion parses the leading integer component of a Proxmox version
// string (e.g. "8.1.4" -> 8), used to gate PSI mode and conntrack-state
// migrations on hypervisor capability.
func MajorVersion(v string) int {
	v = strings.TrimSpace(v)
	idx := strings.IndexByte(v, '.')
	if idx < 0 {
		idx = len(v)
	}
	n := 0
	for _, r := range v[:idx] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	raw = strings.ReplaceAll(raw, ",", ";")
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func stringSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

func intVal(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolVal(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
