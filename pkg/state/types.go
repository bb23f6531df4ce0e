/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package state

import (
	"fmt"

	v1 "k8s.io/api/core/v1"
)

// Well-known label keys carried over from the live cluster. Pods pin themselves to a
// pool through NodePoolLabelKey in their node selector; nodes advertise their pool,
// instance type and capacity type through the same keys.
const (
	NodePoolLabelKey      = "karpenter.sh/nodepool"
	InstanceGroupLabelKey = "node.kubernetes.io/instance-group"
	InstanceTypeLabelKey  = "node.kubernetes.io/instance-type"
	CapacityTypeLabelKey  = "karpenter.sh/capacity-type"
)

const (
	CapacityTypeOnDemand = "on_demand"
	CapacityTypeSpot     = "spot"

	ConsolidationPolicyWhenUnderutilized = "WhenUnderutilized"
	ConsolidationPolicyWhenEmpty         = "WhenEmpty"
)

const (
	// DefaultPoolName is assigned to nodes that carry no pool label at all.
	DefaultPoolName = "default"

	// DefaultScheduleName is the always-on schedule every pool falls back to.
	DefaultScheduleName = "default"
	// KedaScheduleName is the business-hours schedule assigned to keda pools.
	KedaScheduleName = "keda-weekdays-12h"
	// DefaultKedaPoolName is assumed when a snapshot doesn't name its keda pool.
	DefaultKedaPoolName = "keda-nightly-al2023-private-c"

	// DefaultAllocPods mirrors the kubelet's default max-pods.
	DefaultAllocPods = 110
)

// NodePool is the provisioning policy nodes belong to. ScheduleName is derived from
// IsKeda and the pool name on load and is never persisted.
type NodePool struct {
	Name                string            `json:"name"`
	Labels              map[string]string `json:"labels,omitempty"`
	Taints              []v1.Taint        `json:"taints,omitempty"`
	IsKeda              bool              `json:"is_keda"`
	ScheduleName        string            `json:"-"`
	ConsolidationPolicy string            `json:"consolidation_policy,omitempty"`
}

// Node is a provisioned instance. Name doubles as the node's id; packer-synthesized
// nodes are named "<template-name>-virt-<N>" and flagged IsVirtual.
type Node struct {
	Name           string            `json:"name"`
	NodePool       string            `json:"nodepool"`
	InstanceType   string            `json:"instance_type"`
	AllocCPUMillis int64             `json:"alloc_cpu_m"`
	AllocMemBytes  int64             `json:"alloc_mem_b"`
	AllocPods      int64             `json:"alloc_pods"`
	CapacityType   string            `json:"capacity_type"`
	Labels         map[string]string `json:"labels,omitempty"`
	Taints         []v1.Taint        `json:"taints,omitempty"`
	IsVirtual      bool              `json:"is_virtual"`
	UptimeHours24h float64           `json:"uptime_hours_24h"`
}

// Pod is a workload instance. Node == "" means the pod is pending placement. The
// scheduling fields are typed on ingest; the rest of the model never sees raw JSON.
type Pod struct {
	Name           string            `json:"name"`
	Namespace      string            `json:"namespace"`
	Node           string            `json:"node"`
	OwnerKind      string            `json:"owner_kind,omitempty"`
	OwnerName      string            `json:"owner_name,omitempty"`
	ReqCPUMillis   int64             `json:"req_cpu_m"`
	ReqMemBytes    int64             `json:"req_mem_b"`
	LimitCPUMillis int64             `json:"limit_cpu_m,omitempty"`
	LimitMemBytes  int64             `json:"limit_mem_b,omitempty"`
	UsageCPUMillis int64             `json:"usage_cpu_m"`
	UsageMemBytes  int64             `json:"usage_mem_b"`
	IsDaemonSet    bool              `json:"is_daemon"`
	IsSystem       bool              `json:"is_system"`
	IsGFW          bool              `json:"is_gfw"`
	Tolerations    []v1.Toleration   `json:"tolerations,omitempty"`
	NodeSelector   map[string]string `json:"node_selector,omitempty"`
	Affinity       *v1.Affinity      `json:"affinity,omitempty"`
	ActiveRatio    float64           `json:"active_ratio"`
}

// ID returns the pod's identifier, "namespace/name".
func (p *Pod) ID() string {
	return fmt.Sprintf("%s/%s", p.Namespace, p.Name)
}

// IsWorkload reports whether the pod counts toward a node's duty cycle. DaemonSet and
// system pods ride along; only workload pods keep a node busy.
func (p *Pod) IsWorkload() bool {
	return !p.IsDaemonSet && !p.IsSystem
}

// InstancePrice is a snapshot-scoped price entry. It overlays the process-wide price
// table at read time.
type InstancePrice struct {
	InstanceType string  `json:"instance_type"`
	USDPerHour   float64 `json:"usd_per_hour"`
	Purchasing   string  `json:"purchasing,omitempty"`
	Source       string  `json:"source,omitempty"`
}

// Schedule describes how many hours per day a pool's workloads are expected to run.
type Schedule struct {
	Name        string  `json:"name"`
	HoursPerDay float64 `json:"hours_per_day"`
	DaysPerWeek float64 `json:"days_per_week"`
}

// EffectiveHoursPerDay averages the schedule over a full week.
func (s *Schedule) EffectiveHoursPerDay() float64 {
	return s.HoursPerDay * s.DaysPerWeek / 7
}

// HistoryUsage is an observed (pool, instance) running-hours total over the trailing
// 24 hours, used to report actual cost instead of assuming always-on nodes.
type HistoryUsage struct {
	Pool             string  `json:"pool"`
	Instance         string  `json:"instance"`
	InstanceHours24h float64 `json:"instance_hours_24h"`
}
