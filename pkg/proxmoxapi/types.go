package proxmoxapi

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexNumber decodes a JSON field that the Proxmox API sometimes encodes as
// a number and sometimes as a string (a long-standing API quirk). Every
// numeric field on the wire DTOs below uses it so the coercion happens
// exactly once, at the C1->C2 boundary (§9 "mixed numeric coercion").
type FlexNumber float64

func (f *FlexNumber) UnmarshalJSON(b []byte) error {
	var asNumber float64
	if err := json.Unmarshal(b, &asNumber); err == nil {
		*f = FlexNumber(asNumber)
		return nil
	}
	var asString string
	if err := json.Unmarshal(b, &asString); err != nil {
		return fmt.Errorf("flex number: %s is neither a number nor a string", string(b))
	}
	if asString == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(asString, 64)
	if err != nil {
		return fmt.Errorf("flex number: cannot parse %q: %w", asString, err)
	}
	*f = FlexNumber(v)
	return nil
}

func (f FlexNumber) Float64() float64 { return float64(f) }
func (f FlexNumber) Int64() int64     { return int64(f) }
func (f FlexNumber) Int() int         { return int(f) }

// NodeStatus is the wire shape of one entry from /cluster/resources?type=node
// and /nodes.
type NodeStatus struct {
	Node     string     `json:"node"`
	Status   string     `json:"status"` // "online" | "offline" | "unknown"
	MaxCPU   FlexNumber `json:"maxcpu"`
	CPU      FlexNumber `json:"cpu"` // fraction [0,1]
	MaxMem   FlexNumber `json:"maxmem"`
	Mem      FlexNumber `json:"mem"`
	MaxDisk  FlexNumber `json:"maxdisk"`
	Disk     FlexNumber `json:"disk"`
	Level    string     `json:"level"`
	Version  string     `json:"-"` // not part of this payload and not filled in by this package
}

// GuestStatus is the wire shape of one entry from /nodes/{node}/qemu or
// /nodes/{node}/lxc.
type GuestStatus struct {
	VMID    FlexNumber `json:"vmid"`
	Name    string     `json:"name"`
	Status  string     `json:"status"` // "running" | "stopped"
	MaxMem  FlexNumber `json:"maxmem"`
	Mem     FlexNumber `json:"mem"`
	MaxDisk FlexNumber `json:"maxdisk"`
	Disk    FlexNumber `json:"disk"`
	CPUs    FlexNumber `json:"cpus"`
	Lock    string     `json:"lock"`
	Pool    string     `json:"pool"`
	Tags    string     `json:"tags"` // semicolon- or comma-delimited
}

// GuestConfig is the wire shape of /nodes/{node}/{qemu,lxc}/{vmid}/config.
type GuestConfig struct {
	Tags    string          `json:"tags"`
	Pool    string          `json:"pool"`
	Cores   FlexNumber      `json:"cores"`
	Sockets FlexNumber      `json:"sockets"`
	Memory  FlexNumber      `json:"memory"` // MiB
	Disks   json.RawMessage `json:"-"`      // disk entries are per-key (scsi0, virtio0, ...); not decoded into this field
	Raw     map[string]json.RawMessage `json:"-"`
}

// RRDPoint is one sample from /nodes/{node}/{qemu,lxc}/{vmid}/rrddata.
type RRDPoint struct {
	Time   int64      `json:"time"`
	CPU    FlexNumber `json:"cpu"`
	MaxCPU FlexNumber `json:"maxcpu"`
}

// PressureValue is one cgroup2 PSI line from the kernel's /proc/pressure
// format: fraction of time [0,1] some/all tasks on the resource were
// stalled, plus the "full" stall count Proxmox surfaces as a counter of
// stall-total events ("spikes" below).
type PressureValue struct {
	Some   FlexNumber `json:"some"`
	Full   FlexNumber `json:"full"`
	Spikes FlexNumber `json:"spikes"`
}

// NodePressure is the `pressure` object from /nodes/{node}/status on
// hypervisor major >= 9 (cgroup2 PSI accounting), keyed by resource
// (§4.2 step 5 "psi" backfill, §8 invariant 9).
type NodePressure struct {
	CPU    PressureValue `json:"cpu"`
	Memory PressureValue `json:"memory"`
	IO     PressureValue `json:"io"` // maps to cluster.DimensionDisk
}

// HAResource is one entry from /cluster/ha/resources.
type HAResource struct {
	SID   string `json:"sid"` // e.g. "vm:100"
	State string `json:"state"`
	Node  string `json:"node"`
}

// PoolMember is one entry from /pools/{pool}.
type PoolMember struct {
	VMID FlexNumber `json:"vmid"`
	Type string     `json:"type"` // "qemu" | "lxc"
}

// VersionInfo is the shape of /version.
type VersionInfo struct {
	Version string `json:"version"` // e.g. "8.1.4"
	RepoID  string `json:"repoid"`
	Release string `json:"release"`
}

// TaskStatusInfo is the shape of /nodes/{node}/tasks/{upid}/status.
type TaskStatusInfo struct {
	Status     string `json:"status"` // "running" | "stopped"
	ExitStatus string `json:"exitstatus"`
	Type       string `json:"type"`
	UPID       string `json:"upid"`
}

// MigrateOptions configures one migrate call (§4.5).
type MigrateOptions struct {
	Live               bool
	WithLocalDisks     bool
	WithConntrackState bool
	Running            bool // guest power state; drives CT shutdown-move-start semantics
}
