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

// Package simulation projects a snapshot forward: pending pods are packed onto
// existing or synthesized nodes, underutilized nodes are consolidated away, and
// every surviving node is priced by its duty cycle. Run is a pure function of
// the snapshot and the price table; the snapshot is never written.
package simulation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/awslabs/capsim/pkg/packing"
	"github.com/awslabs/capsim/pkg/state"
)

const (
	// scaleUpLagHours is added to a node's projected hours to cover the daily
	// warm-up before the autoscaler has capacity ready.
	scaleUpLagHours = 0.5
	// fullDutyThreshold is the active ratio at which a node is billed a full day.
	fullDutyThreshold = 0.98

	// sidecarNamePrefix marks the per-namespace storage sidecar that follows
	// workload pods onto whatever node they land on.
	sidecarNamePrefix = "mount-s3"

	bytesPerGiB = float64(1 << 30)
)

// Parts splits a node's summed requests by pod class. DaemonSet pods win over the
// gfw flag so the three classes partition the node's requests exactly.
type Parts struct {
	GFWCPUMillis   int64 `json:"gfw_cpu_m"`
	DSCPUMillis    int64 `json:"ds_cpu_m"`
	OtherCPUMillis int64 `json:"other_cpu_m"`
	GFWMemBytes    int64 `json:"gfw_mem_b"`
	DSMemBytes     int64 `json:"ds_mem_b"`
	OtherMemBytes  int64 `json:"other_mem_b"`
}

// NodeRow is one surviving node of the projected layout, virtual nodes included.
type NodeRow struct {
	Node              string  `json:"node"`
	NodePool          string  `json:"nodepool"`
	Instance          string  `json:"instance"`
	GFWRatioPct       float64 `json:"gfw_ratio_pct"`
	AllocCPUMillis    int64   `json:"alloc_cpu_m"`
	AllocMemBytes     int64   `json:"alloc_mem_b"`
	SumReqCPUMillis   int64   `json:"sum_req_cpu_m"`
	SumReqMemBytes    int64   `json:"sum_req_mem_b"`
	SumUsageCPUMillis int64   `json:"sum_usage_cpu_m"`
	SumUsageMemBytes  int64   `json:"sum_usage_mem_b"`
	RAMUtilPct        float64 `json:"ram_util_pct"`
	RAMDSGiB          float64 `json:"ram_ds_gib"`
	RAMGFWGiB         float64 `json:"ram_gfw_gib"`
	CostDailyUSD      float64 `json:"cost_daily_usd"`
	Parts             Parts   `json:"parts"`
	IsVirtual         bool    `json:"is_virtual"`
	PriceMissing      bool    `json:"price_missing"`
}

// PodView is the per-pod line shown when a node row is expanded.
type PodView struct {
	PodID        string `json:"pod_id"`
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	OwnerKind    string `json:"owner_kind,omitempty"`
	OwnerName    string `json:"owner_name,omitempty"`
	IsGFW        bool   `json:"is_gfw"`
	IsDaemon     bool   `json:"is_daemon"`
	IsSystem     bool   `json:"is_system"`
	ReqCPUMillis int64  `json:"req_cpu_m"`
	ReqMemBytes  int64  `json:"req_mem_b"`
}

// PoolStat aggregates one pool's daily cost and node count.
type PoolStat struct {
	Cost       float64 `json:"cost"`
	NodesCount int     `json:"nodes_count"`
}

// Result is a full cost projection. PoolStats holds what the fleet costs today
// (observed instance hours when the snapshot carries them, flat 24h otherwise);
// ProjectedPoolStats holds the duty-cycled cost of the projected layout.
type Result struct {
	Rows                  []NodeRow
	PodsByNode            map[string][]PodView
	PoolStats             map[string]PoolStat
	ProjectedPoolStats    map[string]PoolStat
	TotalCostDailyUSD     float64
	TotalCostGFWNodesUSD  float64
	TotalCostKedaNodesUSD float64
	ProjectedTotalCostUSD float64
}

// Run projects the snapshot's daily cost. Pending pods that pin themselves to a
// pool are packed onto working views; placements never flow back into the
// snapshot. The only error surfaced is a pool that cannot synthesize capacity.
func Run(snapshot *state.Snapshot, prices packing.PriceSource) (*Result, error) {
	catalogs := buildCatalogs(snapshot, prices)
	packer := packing.New(snapshot, prices)
	if err := placePending(snapshot, packer, catalogs); err != nil {
		return nil, err
	}

	result := &Result{
		Rows:               []NodeRow{},
		PodsByNode:         map[string][]PodView{},
		PoolStats:          map[string]PoolStat{},
		ProjectedPoolStats: map[string]PoolStat{},
	}

	// A node hosting only DaemonSet pods (or nothing) is consolidated away:
	// no row, no stats, no actual cost. Evaluated after the pending pass so a
	// node filled by placements this run still counts.
	views := lo.Filter(packer.Views(), func(view *packing.NodeView, _ int) bool {
		return lo.SomeBy(view.Pods, func(p *state.Pod) bool { return !p.IsDaemonSet })
	})

	for _, view := range views {
		row := buildRow(snapshot, prices, view)
		result.Rows = append(result.Rows, row)
		result.PodsByNode[view.Node.Name] = podViews(view.Pods)

		projected := result.ProjectedPoolStats[view.Node.NodePool]
		projected.Cost += row.CostDailyUSD
		projected.NodesCount++
		result.ProjectedPoolStats[view.Node.NodePool] = projected

		if row.Parts.GFWCPUMillis > 0 || row.Parts.GFWMemBytes > 0 {
			result.TotalCostGFWNodesUSD += row.CostDailyUSD
		}
		if state.IsKedaPool(view.Node.NodePool) {
			result.TotalCostKedaNodesUSD += row.CostDailyUSD
		}
	}

	addOverflowEquivalents(result, views, catalogs)
	addActuals(result, snapshot, prices, views)

	for _, stat := range result.PoolStats {
		result.TotalCostDailyUSD += stat.Cost
	}
	for _, stat := range result.ProjectedPoolStats {
		result.ProjectedTotalCostUSD += stat.Cost
	}
	return result, nil
}

// placePending packs every pending pod that names a pool in its node selector,
// in pod id order. Pods without a pool selector stay pending. When the pod's
// namespace ships a storage sidecar, a clone of it rides along on every
// placement so the bin packing accounts for both.
func placePending(snapshot *state.Snapshot, packer *packing.Packer, catalogs map[string][]packing.InstanceSpec) error {
	sidecars := sidecarTemplates(snapshot)
	for _, pod := range snapshot.PendingPods() {
		pool := pod.NodeSelector[state.NodePoolLabelKey]
		if pool == "" {
			continue
		}
		group := []*state.Pod{pod}
		if sidecar := sidecars[pod.Namespace]; sidecar != nil && !strings.HasPrefix(pod.Name, sidecarNamePrefix) {
			group = append(group, cloneSidecar(sidecar, pod))
		}
		if _, err := packer.PackFromCatalog(group, pool, catalogs[pool]); err != nil {
			return err
		}
	}
	return nil
}

// sidecarTemplates picks one sidecar exemplar per namespace, lowest pod id first.
func sidecarTemplates(snapshot *state.Snapshot) map[string]*state.Pod {
	out := map[string]*state.Pod{}
	ids := lo.Keys(snapshot.Pods)
	sort.Strings(ids)
	for _, id := range ids {
		pod := snapshot.Pods[id]
		if !strings.HasPrefix(pod.Name, sidecarNamePrefix) {
			continue
		}
		if _, ok := out[pod.Namespace]; !ok {
			out[pod.Namespace] = pod
		}
	}
	return out
}

func cloneSidecar(sidecar, pod *state.Pod) *state.Pod {
	clone := sidecar.DeepCopy()
	clone.Name = fmt.Sprintf("%s-%s", sidecar.Name, pod.Name)
	clone.Node = ""
	return clone
}

func buildRow(snapshot *state.Snapshot, prices packing.PriceSource, view *packing.NodeView) NodeRow {
	node := view.Node
	var parts Parts
	var usageCPU, usageMem int64
	gfwPods, workloads := 0, 0
	maxActive := 0.0
	for _, pod := range view.Pods {
		usageCPU += pod.UsageCPUMillis
		usageMem += pod.UsageMemBytes
		switch {
		case pod.IsDaemonSet:
			parts.DSCPUMillis += pod.ReqCPUMillis
			parts.DSMemBytes += pod.ReqMemBytes
		case pod.IsGFW:
			parts.GFWCPUMillis += pod.ReqCPUMillis
			parts.GFWMemBytes += pod.ReqMemBytes
			gfwPods++
		default:
			parts.OtherCPUMillis += pod.ReqCPUMillis
			parts.OtherMemBytes += pod.ReqMemBytes
		}
		if pod.IsWorkload() {
			workloads++
			maxActive = math.Max(maxActive, pod.ActiveRatio)
		}
	}

	price, priced := packing.EffectivePrice(snapshot, prices, node.InstanceType)
	cost := 0.0
	if workloads > 0 {
		cost = price * effectiveHours(maxActive)
	}

	row := NodeRow{
		Node:              node.Name,
		NodePool:          node.NodePool,
		Instance:          node.InstanceType,
		AllocCPUMillis:    node.AllocCPUMillis,
		AllocMemBytes:     node.AllocMemBytes,
		SumReqCPUMillis:   view.UsedCPUMillis,
		SumReqMemBytes:    view.UsedMemBytes,
		SumUsageCPUMillis: usageCPU,
		SumUsageMemBytes:  usageMem,
		RAMDSGiB:          float64(parts.DSMemBytes) / bytesPerGiB,
		RAMGFWGiB:         float64(parts.GFWMemBytes) / bytesPerGiB,
		CostDailyUSD:      cost,
		Parts:             parts,
		IsVirtual:         node.IsVirtual,
		PriceMissing:      !priced,
	}
	if node.AllocMemBytes > 0 {
		row.RAMUtilPct = float64(view.UsedMemBytes) / float64(node.AllocMemBytes) * 100
	}
	if len(view.Pods) > 0 {
		row.GFWRatioPct = float64(gfwPods) / float64(len(view.Pods)) * 100
	}
	return row
}

// effectiveHours converts the busiest workload's active ratio into billable
// hours. Near-constant duty bills a full day; anything lower pays its share
// plus the scale-up lag.
func effectiveHours(maxActive float64) float64 {
	if maxActive >= fullDutyThreshold {
		return 24
	}
	return math.Min(24, maxActive*24+scaleUpLagHours)
}

func podViews(pods []*state.Pod) []PodView {
	return lo.Map(pods, func(p *state.Pod, _ int) PodView {
		return PodView{
			PodID:        p.ID(),
			Namespace:    p.Namespace,
			Name:         p.Name,
			OwnerKind:    p.OwnerKind,
			OwnerName:    p.OwnerName,
			IsGFW:        p.IsGFW,
			IsDaemon:     p.IsDaemonSet,
			IsSystem:     p.IsSystem,
			ReqCPUMillis: p.ReqCPUMillis,
			ReqMemBytes:  p.ReqMemBytes,
		}
	})
}

// addOverflowEquivalents charges phantom capacity for real nodes a user
// overfilled by direct placement: the autoscaler would have to run extra nodes
// to absorb the excess, so the pool's projected cost and node count grow by
// whole template-shaped nodes billed a full day.
func addOverflowEquivalents(result *Result, views []*packing.NodeView, catalogs map[string][]packing.InstanceSpec) {
	type excess struct{ cpu, mem, pods int64 }
	byPool := map[string]excess{}
	for _, view := range views {
		if view.Node.IsVirtual {
			continue
		}
		e := byPool[view.Node.NodePool]
		e.cpu += max(0, view.UsedCPUMillis-view.Node.AllocCPUMillis)
		e.mem += max(0, view.UsedMemBytes-view.Node.AllocMemBytes)
		if view.Node.AllocPods > 0 {
			e.pods += max(0, int64(len(view.Pods))-view.Node.AllocPods)
		}
		byPool[view.Node.NodePool] = e
	}

	for pool, e := range byPool {
		if e.cpu == 0 && e.mem == 0 && e.pods == 0 {
			continue
		}
		template, ok := cheapestSpec(catalogs[pool])
		if !ok {
			continue
		}
		var need float64
		if template.AllocCPUMillis > 0 {
			need = math.Max(need, float64(e.cpu)/float64(template.AllocCPUMillis))
		}
		if template.AllocMemBytes > 0 {
			need = math.Max(need, float64(e.mem)/float64(template.AllocMemBytes))
		}
		if template.AllocPods > 0 {
			need = math.Max(need, float64(e.pods)/float64(template.AllocPods))
		}
		equivalents := int(math.Ceil(need))
		if equivalents <= 0 {
			continue
		}
		stat := result.ProjectedPoolStats[pool]
		stat.Cost += float64(equivalents) * template.PriceHourly * 24
		stat.NodesCount += equivalents
		result.ProjectedPoolStats[pool] = stat
	}
}

func cheapestSpec(specs []packing.InstanceSpec) (packing.InstanceSpec, bool) {
	if len(specs) == 0 {
		return packing.InstanceSpec{}, false
	}
	return lo.MinBy(specs, func(a, b packing.InstanceSpec) bool {
		if a.PriceHourly != b.PriceHourly {
			return a.PriceHourly < b.PriceHourly
		}
		return a.InstanceType < b.InstanceType
	}), true
}

// addActuals fills PoolStats with what the fleet costs today: observed
// instance hours when the snapshot carries them, otherwise the pool's
// surviving real nodes at a flat 24h. Node counts always come from the
// surviving real nodes.
func addActuals(result *Result, snapshot *state.Snapshot, prices packing.PriceSource, views []*packing.NodeView) {
	observed := map[string]bool{}
	for _, usage := range snapshot.HistoryUsage {
		price, _ := packing.EffectivePrice(snapshot, prices, usage.Instance)
		stat := result.PoolStats[usage.Pool]
		stat.Cost += price * usage.InstanceHours24h
		result.PoolStats[usage.Pool] = stat
		observed[usage.Pool] = true
	}
	for _, view := range views {
		if view.Node.IsVirtual {
			continue
		}
		stat := result.PoolStats[view.Node.NodePool]
		stat.NodesCount++
		if !observed[view.Node.NodePool] {
			price, _ := packing.EffectivePrice(snapshot, prices, view.Node.InstanceType)
			stat.Cost += price * 24
		}
		result.PoolStats[view.Node.NodePool] = stat
	}
}
