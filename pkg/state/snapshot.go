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
	"maps"
	"sort"
	"strings"

	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"
)

// Snapshot is one self-contained view of the cluster. Mutations operate on a deep copy
// and republish; a snapshot handed out by the Manager is never modified afterwards.
type Snapshot struct {
	Nodes        map[string]*Node
	Pods         map[string]*Pod
	NodePools    map[string]*NodePool
	Prices       map[string]*InstancePrice
	Schedules    map[string]*Schedule
	KedaPoolName string
	HistoryUsage []HistoryUsage
}

// NewSnapshot returns an empty snapshot carrying the built-in schedules and the
// default keda pool name.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Nodes:        map[string]*Node{},
		Pods:         map[string]*Pod{},
		NodePools:    map[string]*NodePool{},
		Prices:       map[string]*InstancePrice{},
		Schedules:    BuiltinSchedules(),
		KedaPoolName: DefaultKedaPoolName,
	}
}

// BuiltinSchedules returns the two schedules every snapshot carries: always-on and
// weekday business hours.
func BuiltinSchedules() map[string]*Schedule {
	return map[string]*Schedule{
		DefaultScheduleName: {Name: DefaultScheduleName, HoursPerDay: 24, DaysPerWeek: 7},
		KedaScheduleName:    {Name: KedaScheduleName, HoursPerDay: 12, DaysPerWeek: 5},
	}
}

func (n *Node) DeepCopy() *Node {
	out := *n
	out.Labels = maps.Clone(n.Labels)
	out.Taints = copyTaints(n.Taints)
	return &out
}

func (p *Pod) DeepCopy() *Pod {
	out := *p
	out.NodeSelector = maps.Clone(p.NodeSelector)
	if p.Tolerations != nil {
		out.Tolerations = lo.Map(p.Tolerations, func(t v1.Toleration, _ int) v1.Toleration { return *t.DeepCopy() })
	}
	out.Affinity = p.Affinity.DeepCopy()
	return &out
}

func (np *NodePool) DeepCopy() *NodePool {
	out := *np
	out.Labels = maps.Clone(np.Labels)
	out.Taints = copyTaints(np.Taints)
	return &out
}

func (s *Snapshot) DeepCopy() *Snapshot {
	out := &Snapshot{
		Nodes:        make(map[string]*Node, len(s.Nodes)),
		Pods:         make(map[string]*Pod, len(s.Pods)),
		NodePools:    make(map[string]*NodePool, len(s.NodePools)),
		Prices:       make(map[string]*InstancePrice, len(s.Prices)),
		Schedules:    make(map[string]*Schedule, len(s.Schedules)),
		KedaPoolName: s.KedaPoolName,
		HistoryUsage: append([]HistoryUsage(nil), s.HistoryUsage...),
	}
	for k, v := range s.Nodes {
		out.Nodes[k] = v.DeepCopy()
	}
	for k, v := range s.Pods {
		out.Pods[k] = v.DeepCopy()
	}
	for k, v := range s.NodePools {
		out.NodePools[k] = v.DeepCopy()
	}
	for k, v := range s.Prices {
		out.Prices[k] = lo.ToPtr(*v)
	}
	for k, v := range s.Schedules {
		out.Schedules[k] = lo.ToPtr(*v)
	}
	return out
}

// GarbageCollect drops every node whose bound pods are all DaemonSet pods (or that has
// no pods at all), along with the DaemonSet pods bound to it. A non-DaemonSet pod of
// any class, system pods included, keeps its node alive. This models the autoscaler
// consolidating nodes that moves and deletes have emptied.
func (s *Snapshot) GarbageCollect() {
	podsByNode := s.BoundPodsByNode()
	for name := range s.Nodes {
		pods := podsByNode[name]
		if lo.SomeBy(pods, func(p *Pod) bool { return !p.IsDaemonSet }) {
			continue
		}
		delete(s.Nodes, name)
		for _, p := range pods {
			delete(s.Pods, p.ID())
		}
	}
}

// BoundPodsByNode groups bound pods by node name, each group sorted by pod id.
func (s *Snapshot) BoundPodsByNode() map[string][]*Pod {
	out := map[string][]*Pod{}
	for _, p := range s.Pods {
		if p.Node == "" {
			continue
		}
		out[p.Node] = append(out[p.Node], p)
	}
	for _, pods := range out {
		sort.Slice(pods, func(i, j int) bool { return pods[i].ID() < pods[j].ID() })
	}
	return out
}

// PendingPods returns unbound pods sorted by pod id.
func (s *Snapshot) PendingPods() []*Pod {
	pods := lo.Filter(lo.Values(s.Pods), func(p *Pod, _ int) bool { return p.Node == "" })
	sort.Slice(pods, func(i, j int) bool { return pods[i].ID() < pods[j].ID() })
	return pods
}

// NodesInPool returns the nodes of a pool sorted by name.
func (s *Snapshot) NodesInPool(pool string) []*Node {
	nodes := lo.Filter(lo.Values(s.Nodes), func(n *Node, _ int) bool { return n.NodePool == pool })
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}

// InstanceTypes returns the distinct instance types of the snapshot's nodes, sorted.
func (s *Snapshot) InstanceTypes() []string {
	types := lo.Uniq(lo.FilterMap(lo.Values(s.Nodes), func(n *Node, _ int) (string, bool) {
		return n.InstanceType, n.InstanceType != ""
	}))
	sort.Strings(types)
	return types
}

// ScheduleFor resolves a pool's schedule, falling back to the always-on default.
func (s *Snapshot) ScheduleFor(poolName string) *Schedule {
	if pool, ok := s.NodePools[poolName]; ok {
		if sched, ok := s.Schedules[pool.ScheduleName]; ok {
			return sched
		}
	}
	if sched, ok := s.Schedules[DefaultScheduleName]; ok {
		return sched
	}
	return &Schedule{Name: DefaultScheduleName, HoursPerDay: 24, DaysPerWeek: 7}
}

// IsKedaPool reports whether a pool follows the business-hours duty cycle, by flag or
// by naming convention.
func IsKedaPool(name string) bool {
	return strings.Contains(strings.ToLower(name), "keda")
}

// copyTaints preserves nilness so a copy stays deep-equal to its source.
func copyTaints(taints []v1.Taint) []v1.Taint {
	if taints == nil {
		return nil
	}
	return lo.Map(taints, func(t v1.Taint, _ int) v1.Taint { return *t.DeepCopy() })
}
