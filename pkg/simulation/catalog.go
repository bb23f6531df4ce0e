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

package simulation

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/awslabs/capsim/pkg/packing"
	"github.com/awslabs/capsim/pkg/scheduling"
	"github.com/awslabs/capsim/pkg/state"
)

// buildCatalogs indexes the distinct instance shapes of every pool so the packer
// can synthesize nodes the pool has actually run. The exemplar for a shape is
// its lowest-named node; overhead is the summed requests of every DaemonSet
// template the evaluator admits onto that shape.
func buildCatalogs(snapshot *state.Snapshot, prices packing.PriceSource) map[string][]packing.InstanceSpec {
	templates := daemonSetTemplates(snapshot)
	catalogs := map[string][]packing.InstanceSpec{}
	seen := map[string]bool{}
	names := lo.Keys(snapshot.Nodes)
	sort.Strings(names)
	for _, name := range names {
		node := snapshot.Nodes[name]
		key := fmt.Sprintf("%s\x00%s", node.NodePool, node.InstanceType)
		if seen[key] {
			continue
		}
		seen[key] = true
		price, priced := packing.EffectivePrice(snapshot, prices, node.InstanceType)
		spec := packing.InstanceSpec{
			NodePool:       node.NodePool,
			InstanceType:   node.InstanceType,
			AllocCPUMillis: node.AllocCPUMillis,
			AllocMemBytes:  node.AllocMemBytes,
			AllocPods:      node.AllocPods,
			CapacityType:   node.CapacityType,
			Labels:         node.Labels,
			Taints:         node.Taints,
			PriceHourly:    price,
			PriceMissing:   !priced,
		}
		spec.OverheadCPUMillis, spec.OverheadMemBytes = daemonSetOverhead(node, templates)
		catalogs[node.NodePool] = append(catalogs[node.NodePool], spec)
	}
	return catalogs
}

// daemonSetTemplates picks one representative pod per DaemonSet, keyed by
// namespace and owner. Owner-less pods represent themselves.
func daemonSetTemplates(snapshot *state.Snapshot) []*state.Pod {
	byOwner := map[string]*state.Pod{}
	ids := lo.Keys(snapshot.Pods)
	sort.Strings(ids)
	for _, id := range ids {
		pod := snapshot.Pods[id]
		if !pod.IsDaemonSet {
			continue
		}
		key := fmt.Sprintf("%s/%s", pod.Namespace, lo.CoalesceOrEmpty(pod.OwnerName, pod.Name))
		if _, ok := byOwner[key]; !ok {
			byOwner[key] = pod
		}
	}
	keys := lo.Keys(byOwner)
	sort.Strings(keys)
	return lo.Map(keys, func(key string, _ int) *state.Pod { return byOwner[key] })
}

// daemonSetOverhead sums the requests of the DaemonSet templates the shape
// admits. The exemplar node carries the shape's labels and taints, so admission
// is evaluated against it directly.
func daemonSetOverhead(node *state.Node, templates []*state.Pod) (cpu, mem int64) {
	for _, pod := range templates {
		if len(scheduling.Reasons(pod, node, nil)) > 0 {
			continue
		}
		cpu += pod.ReqCPUMillis
		mem += pod.ReqMemBytes
	}
	return cpu, mem
}
