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

// Package scheduling evaluates why a pod can or cannot land on a node. It covers the
// constraints that matter for capacity planning: node selectors, taints and
// tolerations, required node affinity, and a minimal hostname anti-affinity. Preferred
// rules, pod affinity and topology spread are carried in the data model but not
// evaluated.
package scheduling

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/awslabs/capsim/pkg/state"
)

// Owner names are compared by prefix because ReplicaSet and pod suffixes vary across
// rollouts of the same workload.
const ownerPrefixLength = 15

// Reasons returns every reason the pod cannot schedule onto the node, in evaluation
// order: node selector, taints, node affinity, anti-affinity. Empty means the pod fits
// the node's constraints. colocated are the pods already on the node; the pod itself
// may be among them.
func Reasons(pod *state.Pod, node *state.Node, colocated []*state.Pod) []string {
	var reasons []string
	reasons = append(reasons, selectorReasons(pod, node)...)
	reasons = append(reasons, taintReasons(pod, node)...)
	if !nodeAffinityMatches(pod, node) {
		reasons = append(reasons, "nodeAffinity.requiredDuringScheduling is not satisfied by node")
	}
	reasons = append(reasons, antiAffinityReasons(pod, colocated)...)
	return reasons
}

// CheckPlacements evaluates every bound pod against the node it sits on and returns
// the violations keyed by pod id. Violations are reported, never enforced: a what-if
// move is allowed to produce a layout the real scheduler would refuse.
func CheckPlacements(snapshot *state.Snapshot) map[string][]string {
	out := map[string][]string{}
	for nodeName, pods := range snapshot.BoundPodsByNode() {
		node, ok := snapshot.Nodes[nodeName]
		if !ok {
			continue
		}
		for _, pod := range pods {
			if reasons := Reasons(pod, node, pods); len(reasons) > 0 {
				out[pod.ID()] = reasons
			}
		}
	}
	return out
}

func selectorReasons(pod *state.Pod, node *state.Node) []string {
	keys := lo.Keys(pod.NodeSelector)
	sort.Strings(keys)
	var reasons []string
	for _, key := range keys {
		expected := pod.NodeSelector[key]
		actual, ok := node.Labels[key]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("nodeSelector: missing label '%s=%s' on node", key, expected))
		} else if actual != expected {
			reasons = append(reasons, fmt.Sprintf("nodeSelector: node label '%s=%s' != expected '%s'", key, actual, expected))
		}
	}
	return reasons
}

func taintReasons(pod *state.Pod, node *state.Node) []string {
	var reasons []string
	for _, taint := range node.Taints {
		if taint.Effect == "" {
			taint.Effect = v1.TaintEffectNoSchedule
		}
		if taint.Effect != v1.TaintEffectNoSchedule && taint.Effect != v1.TaintEffectNoExecute {
			continue
		}
		tolerated := lo.SomeBy(pod.Tolerations, func(t v1.Toleration) bool {
			return t.ToleratesTaint(klog.Background(), &taint, false)
		})
		if !tolerated {
			reasons = append(reasons, fmt.Sprintf("taint '%s=%s' with effect '%s' is not tolerated by pod", taint.Key, taint.Value, taint.Effect))
		}
	}
	return reasons
}

// nodeAffinityMatches implements requiredDuringSchedulingIgnoredDuringExecution: terms
// OR together, expressions within a term AND together. matchFields are ignored since
// simulated nodes carry no field metadata.
func nodeAffinityMatches(pod *state.Pod, node *state.Node) bool {
	if pod.Affinity == nil || pod.Affinity.NodeAffinity == nil {
		return true
	}
	required := pod.Affinity.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution
	if required == nil || len(required.NodeSelectorTerms) == 0 {
		return true
	}
	return lo.SomeBy(required.NodeSelectorTerms, func(term v1.NodeSelectorTerm) bool {
		return lo.EveryBy(term.MatchExpressions, func(expr v1.NodeSelectorRequirement) bool {
			return expressionMatches(expr, node.Labels)
		})
	})
}

func expressionMatches(expr v1.NodeSelectorRequirement, labels map[string]string) bool {
	value, ok := labels[expr.Key]
	switch expr.Operator {
	case v1.NodeSelectorOpIn:
		return ok && lo.Contains(expr.Values, value)
	case v1.NodeSelectorOpNotIn:
		return ok && !lo.Contains(expr.Values, value)
	case v1.NodeSelectorOpExists:
		return ok
	case v1.NodeSelectorOpDoesNotExist:
		return !ok
	case v1.NodeSelectorOpGt, v1.NodeSelectorOpLt:
		if !ok || len(expr.Values) == 0 {
			return false
		}
		lhs, lhsErr := strconv.Atoi(value)
		rhs, rhsErr := strconv.Atoi(expr.Values[0])
		if lhsErr != nil || rhsErr != nil {
			return false
		}
		if expr.Operator == v1.NodeSelectorOpGt {
			return lhs > rhs
		}
		return lhs < rhs
	default:
		return false
	}
}

// antiAffinityReasons enforces only the common case of required podAntiAffinity keyed
// by hostname: two pods of the same owner in the same namespace refuse to share a
// node. Owner identity is a name prefix so rollout suffixes don't defeat the match.
func antiAffinityReasons(pod *state.Pod, colocated []*state.Pod) []string {
	if pod.Affinity == nil || pod.Affinity.PodAntiAffinity == nil || pod.OwnerName == "" {
		return nil
	}
	hostnameScoped := lo.SomeBy(pod.Affinity.PodAntiAffinity.RequiredDuringSchedulingIgnoredDuringExecution, func(term v1.PodAffinityTerm) bool {
		return strings.HasSuffix(term.TopologyKey, "hostname")
	})
	if !hostnameScoped {
		return nil
	}
	prefix := ownerPrefix(pod.OwnerName)
	for _, other := range colocated {
		if other.ID() == pod.ID() || other.Namespace != pod.Namespace || other.OwnerName == "" {
			continue
		}
		if ownerPrefix(other.OwnerName) == prefix {
			return []string{fmt.Sprintf("podAntiAffinity: node already hosts a pod of '%s'", prefix)}
		}
	}
	return nil
}

// Conflicts reports whether placing pod next to colocated would violate the pod's
// hostname anti-affinity. The packer consults this before reserving capacity.
func Conflicts(pod *state.Pod, colocated []*state.Pod) bool {
	return len(antiAffinityReasons(pod, colocated)) > 0
}

func ownerPrefix(name string) string {
	if len(name) > ownerPrefixLength {
		return name[:ownerPrefixLength]
	}
	return name
}
