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

// Package packing assigns pending pods to the nodes of a pool, synthesizing virtual
// nodes when the pool runs out of room. The packer never mutates the snapshot it reads:
// placements live in its working views and virtual nodes exist only there, so a caller
// can pack, inspect the outcome and throw it away.
package packing

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"

	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"

	"github.com/awslabs/capsim/pkg/scheduling"
	"github.com/awslabs/capsim/pkg/state"
)

// PriceSource is the process-wide hourly on-demand price table. pricing.DefaultProvider
// implements it.
type PriceSource interface {
	OnDemandPrice(instanceType string) (float64, bool)
}

// EffectivePrice resolves an instance type's hourly price, consulting the snapshot's
// own price overlay before the process-wide table.
func EffectivePrice(s *state.Snapshot, prices PriceSource, instanceType string) (float64, bool) {
	if entry, ok := s.Prices[instanceType]; ok && entry != nil {
		return entry.USDPerHour, true
	}
	if prices == nil {
		return 0, false
	}
	return prices.OnDemandPrice(instanceType)
}

// NoTemplateError is returned when a pool holds no real node to derive a virtual
// node's shape from.
type NoTemplateError struct {
	error
}

func NewNoTemplateError(pool string) NoTemplateError {
	return NoTemplateError{error: fmt.Errorf("no nodes found in pool %q, cannot derive template", pool)}
}

func IsNoTemplateError(err error) bool {
	if err == nil {
		return false
	}
	var noTemplateError NoTemplateError
	return errors.As(err, &noTemplateError)
}

// InstanceSpec is one instance shape of a pool's catalog. Overhead is the requests of
// the DaemonSet pods that would land on every node of this shape; it gates which spec
// is picked for synthetic capacity but is never charged against the node's usage.
type InstanceSpec struct {
	NodePool          string
	InstanceType      string
	AllocCPUMillis    int64
	AllocMemBytes     int64
	AllocPods         int64
	CapacityType      string
	Labels            map[string]string
	Taints            []v1.Taint
	PriceHourly       float64
	PriceMissing      bool
	OverheadCPUMillis int64
	OverheadMemBytes  int64
}

// NodeView is one node of the packer's working set: the node plus every pod placed on
// it, with usage summed over the requests of all pod classes.
type NodeView struct {
	Node          *state.Node
	Pods          []*state.Pod
	UsedCPUMillis int64
	UsedMemBytes  int64
}

func (v *NodeView) place(pod *state.Pod) {
	v.Pods = append(v.Pods, pod)
	v.UsedCPUMillis += pod.ReqCPUMillis
	v.UsedMemBytes += pod.ReqMemBytes
}

// fits reports whether the group's combined requests land within the node's remaining
// capacity. A group with no requests at all fits wherever the pod cap allows.
func (v *NodeView) fits(cpu, mem int64, count int) bool {
	if v.Node.AllocPods > 0 && int64(len(v.Pods)+count) > v.Node.AllocPods {
		return false
	}
	if cpu <= 0 && mem <= 0 {
		return true
	}
	return v.UsedCPUMillis+cpu <= v.Node.AllocCPUMillis &&
		v.UsedMemBytes+mem <= v.Node.AllocMemBytes
}

// score ranks a candidate by the headroom left after placement, memory counted in KiB.
// Lowest wins: pods fill the fullest node that still takes them.
func (v *NodeView) score(cpu, mem int64) float64 {
	remainingCPU := float64(v.Node.AllocCPUMillis - (v.UsedCPUMillis + cpu))
	remainingMem := float64(v.Node.AllocMemBytes - (v.UsedMemBytes + mem))
	return remainingCPU + remainingMem/1024.0
}

// Packer places pod groups onto the nodes of one snapshot. A group is a pod together
// with any co-scheduled sidecars; the whole group lands on a single node.
type Packer struct {
	snapshot *state.Snapshot
	prices   PriceSource
	views    map[string]*NodeView
	order    []string
	serial   map[string]int
}

// New hydrates a working view from the snapshot: one view per node, usage summed from
// the requests of its bound pods.
func New(snapshot *state.Snapshot, prices PriceSource) *Packer {
	p := &Packer{
		snapshot: snapshot,
		prices:   prices,
		views:    make(map[string]*NodeView, len(snapshot.Nodes)),
		serial:   map[string]int{},
	}
	byNode := snapshot.BoundPodsByNode()
	names := lo.Keys(snapshot.Nodes)
	sort.Strings(names)
	for _, name := range names {
		view := &NodeView{Node: snapshot.Nodes[name]}
		for _, pod := range byNode[name] {
			view.place(pod)
		}
		p.views[name] = view
		p.order = append(p.order, name)
	}
	return p
}

// Views returns every node view: real nodes in name order, then virtual nodes in
// creation order.
func (p *Packer) Views() []*NodeView {
	return lo.Map(p.order, func(name string, _ int) *NodeView { return p.views[name] })
}

// Pack places the group onto a single node of the pool. Existing nodes are preferred,
// tightest fit first; when nothing fits, a virtual clone of the pool's template node
// is synthesized and joins the candidate set for subsequent placements. The group is
// never rejected: a group larger than the template overflows its fresh node and the
// simulator accounts for the spill.
func (p *Packer) Pack(group []*state.Pod, pool string) (*NodeView, error) {
	if view := p.bestFit(group, pool); view != nil {
		p.placeGroup(view, group)
		return view, nil
	}
	template, err := p.Template(pool)
	if err != nil {
		return nil, err
	}
	view := p.synthesize(template.Name, pool, shapeOf(template))
	p.placeGroup(view, group)
	return view, nil
}

// PackFromCatalog places the group like Pack, but sizes new capacity from the pool's
// instance catalog instead of an existing node: specs are tried cheapest first and the
// first whose allocatable, less the DaemonSet overhead, holds the whole group wins;
// when the group fits no spec, the largest-memory spec takes it. The overhead gates
// the choice only; synthesized nodes start empty.
func (p *Packer) PackFromCatalog(group []*state.Pod, pool string, specs []InstanceSpec) (*NodeView, error) {
	if view := p.bestFit(group, pool); view != nil {
		p.placeGroup(view, group)
		return view, nil
	}
	if len(specs) == 0 {
		return nil, NewNoTemplateError(pool)
	}
	spec := chooseSpec(group, specs)
	view := p.synthesize(fmt.Sprintf("%s-%s", pool, spec.InstanceType), pool, spec)
	p.placeGroup(view, group)
	return view, nil
}

// Template returns the pool's template node: the cheapest real node of the pool by the
// effective price table. Virtual nodes never template further virtual nodes.
func (p *Packer) Template(pool string) (*state.Node, error) {
	var best *state.Node
	bestPrice := math.Inf(1)
	for _, node := range p.snapshot.NodesInPool(pool) {
		if node.IsVirtual {
			continue
		}
		price, _ := EffectivePrice(p.snapshot, p.prices, node.InstanceType)
		if best == nil || price < bestPrice {
			best, bestPrice = node, price
		}
	}
	if best == nil {
		return nil, NewNoTemplateError(pool)
	}
	return best, nil
}

func (p *Packer) bestFit(group []*state.Pod, pool string) *NodeView {
	cpu, mem := groupRequests(group)
	var best *NodeView
	bestScore := math.Inf(1)
	for _, name := range p.order {
		view := p.views[name]
		if view.Node.NodePool != pool {
			continue
		}
		if !view.fits(cpu, mem, len(group)) || conflicts(view, group) {
			continue
		}
		if score := view.score(cpu, mem); score < bestScore {
			best, bestScore = view, score
		}
	}
	return best
}

// synthesize registers a fresh virtual node shaped like the spec. Serials count up per
// pool and never reuse a name already in the working set, so packing on top of an
// earlier round cannot collide with a node that already carries pods.
func (p *Packer) synthesize(base, pool string, spec InstanceSpec) *NodeView {
	var name string
	for {
		p.serial[pool]++
		name = fmt.Sprintf("%s-virt-%d", base, p.serial[pool])
		if _, taken := p.views[name]; !taken {
			break
		}
	}
	node := &state.Node{
		Name:           name,
		NodePool:       pool,
		InstanceType:   spec.InstanceType,
		AllocCPUMillis: spec.AllocCPUMillis,
		AllocMemBytes:  spec.AllocMemBytes,
		AllocPods:      spec.AllocPods,
		CapacityType:   spec.CapacityType,
		Labels:         maps.Clone(spec.Labels),
		Taints:         slices.Clone(spec.Taints),
		IsVirtual:      true,
		UptimeHours24h: 24,
	}
	view := &NodeView{Node: node}
	p.views[name] = view
	p.order = append(p.order, name)
	return view
}

func (p *Packer) placeGroup(view *NodeView, group []*state.Pod) {
	for _, pod := range group {
		view.place(pod)
	}
}

// chooseSpec walks the catalog cheapest first and returns the first spec whose
// headroom after DaemonSet overhead holds the group; the largest-memory spec is the
// fallback for a group nothing holds.
func chooseSpec(group []*state.Pod, specs []InstanceSpec) InstanceSpec {
	cpu, mem := groupRequests(group)
	sorted := slices.Clone(specs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PriceHourly != sorted[j].PriceHourly {
			return sorted[i].PriceHourly < sorted[j].PriceHourly
		}
		return sorted[i].InstanceType < sorted[j].InstanceType
	})
	for _, spec := range sorted {
		if spec.AllocPods > 0 && int64(len(group)) > spec.AllocPods {
			continue
		}
		if cpu <= spec.AllocCPUMillis-spec.OverheadCPUMillis && mem <= spec.AllocMemBytes-spec.OverheadMemBytes {
			return spec
		}
	}
	return lo.MaxBy(sorted, func(item, max InstanceSpec) bool { return item.AllocMemBytes > max.AllocMemBytes })
}

// conflicts checks each group member's anti-affinity against the pods already on the
// node and the members placed before it.
func conflicts(view *NodeView, group []*state.Pod) bool {
	colocated := slices.Clone(view.Pods)
	for _, pod := range group {
		if scheduling.Conflicts(pod, colocated) {
			return true
		}
		colocated = append(colocated, pod)
	}
	return false
}

func groupRequests(group []*state.Pod) (cpu, mem int64) {
	for _, pod := range group {
		cpu += pod.ReqCPUMillis
		mem += pod.ReqMemBytes
	}
	return cpu, mem
}

// shapeOf lifts a real node into the spec its clones are synthesized from.
func shapeOf(node *state.Node) InstanceSpec {
	return InstanceSpec{
		NodePool:       node.NodePool,
		InstanceType:   node.InstanceType,
		AllocCPUMillis: node.AllocCPUMillis,
		AllocMemBytes:  node.AllocMemBytes,
		AllocPods:      node.AllocPods,
		CapacityType:   node.CapacityType,
		Labels:         node.Labels,
		Taints:         node.Taints,
	}
}
