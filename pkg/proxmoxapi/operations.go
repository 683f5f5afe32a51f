package proxmoxapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cuemby/proxlb/pkg/cluster"
)

// ListNodes returns every node in the cluster, online or not (§4.1
// list_nodes). Maintenance/offline filtering is a C2 concern.
func (c *Client) ListNodes(ctx context.Context) ([]NodeStatus, error) {
	data, err := c.request(ctx, "list_nodes", http.MethodGet, "/api2/json/nodes", nil)
	if err != nil {
		return nil, err
	}
	var nodes []NodeStatus
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, &cluster.InventoryError{Reason: "decoding /nodes", Err: err}
	}
	return nodes, nil
}

// ListGuests returns every guest (kind "qemu" or "lxc") resident on node
// (§4.1 list_guests(node)).
func (c *Client) ListGuests(ctx context.Context, node string, kind cluster.Kind) ([]GuestStatus, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/%s", node, wireKind(kind))
	data, err := c.request(ctx, "list_guests", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var guests []GuestStatus
	if err := json.Unmarshal(data, &guests); err != nil {
		return nil, &cluster.InventoryError{Reason: "decoding " + path, Err: err}
	}
	return guests, nil
}

// GuestConfig fetches the persistent configuration (tags, pool, disks) for
// one guest (§4.1 guest_config(kind,id)).
func (c *Client) GuestConfig(ctx context.Context, node string, kind cluster.Kind, vmid int) (*GuestConfig, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/%s/%d/config", node, wireKind(kind), vmid)
	data, err := c.request(ctx, "guest_config", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &cluster.InventoryError{Reason: "decoding " + path, Err: err}
	}
	var cfg GuestConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &cluster.InventoryError{Reason: "decoding " + path, Err: err}
	}
	cfg.Raw = raw
	return &cfg, nil
}

// GuestRRD fetches the RRD CPU series for one guest over the last hour
// (§4.1 guest_rrd, §9 zero-CPU-while-running). Callers needing the
// re-fetch-once-on-zero behavior implement it by calling this twice; the
// client itself performs no retry beyond the usual transport-level one,
// since a genuinely idle guest legitimately reports zero.
func (c *Client) GuestRRD(ctx context.Context, node string, kind cluster.Kind, vmid int) ([]RRDPoint, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/%s/%d/rrddata", node, wireKind(kind), vmid)
	form := map[string]string{"timeframe": "hour", "cf": "AVERAGE"}
	data, err := c.requestWithQuery(ctx, "guest_rrd", path, form)
	if err != nil {
		return nil, err
	}
	var points []RRDPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, &cluster.InventoryError{Reason: "decoding " + path, Err: err}
	}
	return points, nil
}

// MeanCPU returns the mean fractional CPU usage (0..1) across all of the
// given RRD samples (GuestRRD fetches the last hour), per §4.1's
// "guest_rrd(id, window=60min) for mean CPU".
func MeanCPU(points []RRDPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, p := range points {
		sum += p.CPU.Float64()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// NodePressure fetches the cgroup2 PSI readings from /nodes/{node}/status
// (§4.1, balancing.mode=psi). Only hypervisors with major >= 9 populate the
// `pressure` object; older ones omit it, so an absent/zeroed reading is
// indistinguishable from genuinely idle - callers gate this call on the
// major-version check inventory already performs for PSI mode.
func (c *Client) NodePressure(ctx context.Context, node string) (NodePressure, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/status", node)
	data, err := c.request(ctx, "node_pressure", http.MethodGet, path, nil)
	if err != nil {
		return NodePressure{}, err
	}
	var body struct {
		Pressure NodePressure `json:"pressure"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return NodePressure{}, &cluster.InventoryError{Reason: "decoding " + path, Err: err}
	}
	return body.Pressure, nil
}

// HAState returns the HA resource manager's view of every HA-managed
// guest (§4.1 ha_state).
func (c *Client) HAState(ctx context.Context) ([]HAResource, error) {
	data, err := c.request(ctx, "ha_state", http.MethodGet, "/api2/json/cluster/ha/resources", nil)
	if err != nil {
		return nil, err
	}
	var resources []HAResource
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, &cluster.InventoryError{Reason: "decoding /cluster/ha/resources", Err: err}
	}
	return resources, nil
}

// PoolMembers returns the VMIDs assigned to pool (§4.1 pool_members(pool)).
func (c *Client) PoolMembers(ctx context.Context, pool string) ([]PoolMember, error) {
	path := fmt.Sprintf("/api2/json/pools/%s", pool)
	data, err := c.request(ctx, "pool_members", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Members []PoolMember `json:"members"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &cluster.InventoryError{Reason: "decoding " + path, Err: err}
	}
	return body.Members, nil
}

// Version returns the cluster version string reported by the active
// endpoint (§4.1 version). The startup probe in New reads the same path through
// health.HTTPChecker, without authentication, not through this method.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	data, err := c.request(ctx, "version", http.MethodGet, "/api2/json/version", nil)
	if err != nil {
		return VersionInfo{}, err
	}
	var v VersionInfo
	if err := json.Unmarshal(data, &v); err != nil {
		return VersionInfo{}, &cluster.InventoryError{Reason: "decoding /version", Err: err}
	}
	return v, nil
}

// Migrate dispatches an asynchronous migration of one guest to target and
// returns the UPID task handle (§4.1 migrate(kind,id,target,options), §4.5).
//
// VMs use the "online" flag for true live migration while running; CTs have
// no live-migration verb, so a running container is migrated with
// restart=1, which tells Proxmox to stop it, move it offline, and start it
// back up on target (the "shutdown-move-start" semantics §4.5 describes).
func (c *Client) Migrate(ctx context.Context, node string, kind cluster.Kind, vmid int, target string, opts MigrateOptions) (string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/%s/%d/migrate", node, wireKind(kind), vmid)
	form := map[string]string{"target": target}
	if opts.WithLocalDisks {
		form["with-local-disks"] = "1"
	}
	switch kind {
	case cluster.KindCT:
		if opts.Running {
			form["restart"] = "1"
		}
	default: // VM
		if opts.Live && opts.Running {
			form["online"] = "1"
		}
		if opts.WithConntrackState {
			form["with-conntrack-state"] = "1"
		}
	}
	data, err := c.request(ctx, "migrate", http.MethodPost, path, form)
	if err != nil {
		return "", err
	}
	var upid string
	if err := json.Unmarshal(data, &upid); err != nil {
		return "", &cluster.MigrationError{Reason: "decoding migrate response", Err: err}
	}
	return upid, nil
}

// TaskStatus polls the status of one UPID task handle (§4.1
// task_status(handle)).
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (TaskStatusInfo, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", node, upid)
	data, err := c.request(ctx, "task_status", http.MethodGet, path, nil)
	if err != nil {
		return TaskStatusInfo{}, err
	}
	var info TaskStatusInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return TaskStatusInfo{}, &cluster.MigrationError{Reason: "decoding task status", Err: err}
	}
	return info, nil
}

// TaskChildren returns the child UPIDs spawned by a parent task (§4.1
// task_children(handle)). HA-wrapped migrations report the real migration
// as a child of the HA "resource" task; executor resolves which UPID to
// poll by following this edge.
func (c *Client) TaskChildren(ctx context.Context, node, upid string) ([]string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/log", node, upid)
	data, err := c.request(ctx, "task_children", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	// The task log is a line-oriented transcript, not a structured child
	// list; HA wraps it as "UPID:..." lines when it spawns a child worker.
	var lines []struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, &cluster.MigrationError{Reason: "decoding task log", Err: err}
	}
	var children []string
	for _, l := range lines {
		if strings.HasPrefix(l.T, "UPID:") {
			children = append(children, strings.TrimSpace(l.T))
		}
	}
	return children, nil
}

func wireKind(k cluster.Kind) string {
	if k == cluster.KindCT {
		return "lxc"
	}
	return "qemu"
}

// requestWithQuery performs a GET with form encoded as a query string
// rather than a request body, since Proxmox's rrddata endpoint reads GET
// parameters, not POST form fields.
func (c *Client) requestWithQuery(ctx context.Context, operation, path string, form map[string]string) (json.RawMessage, error) {
	if len(form) > 0 {
		q := make([]string, 0, len(form))
		for k, v := range form {
			q = append(q, k+"="+v)
		}
		path = path + "?" + strings.Join(q, "&")
	}
	return c.request(ctx, operation, http.MethodGet, path, nil)
}
