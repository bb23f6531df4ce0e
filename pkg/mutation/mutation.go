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

// Package mutation applies what-if operations to cluster snapshots. Operations arrive
// as tagged wire objects; Apply materializes them in order against a deep copy so the
// input snapshot survives unchanged and readers never observe a half-applied sequence.
package mutation

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"

	"github.com/awslabs/capsim/pkg/state"
	"github.com/awslabs/capsim/pkg/utils/pretty"
)

// Op tags accepted on the wire. ResetToBaseline belongs to the public enum but is
// carried out by the snapshot manager, not by Apply.
const (
	OpMovePodsToPool      = "move_pods_to_pool"
	OpMovePodToNode       = "move_pod_to_node"
	OpMoveNamespaceToPool = "move_namespace_to_pool"
	OpMoveOwnerToPool     = "move_owner_to_pool"
	OpMoveNodePodsToPool  = "move_node_pods_to_pool"
	OpPatchPods           = "patch_pods"
	OpDeletePods          = "delete_pods"
	OpDeleteNamespace     = "delete_namespace"
	OpDeleteOwner         = "delete_owner"
	OpResetToBaseline     = "reset_to_baseline"
)

// Patch is a partial pod update. Nil fields are left untouched; non-nil collections
// replace the pod's value wholesale, they never merge.
type Patch struct {
	ReqCPUMillis *int64            `json:"req_cpu_m,omitempty"`
	ReqMemBytes  *int64            `json:"req_mem_b,omitempty"`
	Tolerations  []v1.Toleration   `json:"tolerations,omitempty"`
	NodeSelector map[string]string `json:"node_selector,omitempty"`
	Affinity     *v1.Affinity      `json:"affinity,omitempty"`
}

// Operation is one wire op. Op selects the behavior and the remaining fields are
// op-specific: patch_pods reads the embedded Patch fields, moves read Overrides to
// fix up requests and scheduling hints before relocating.
type Operation struct {
	Op                string   `json:"op"`
	PodIDs            []string `json:"pod_ids,omitempty"`
	TargetPool        string   `json:"target_pool,omitempty"`
	Namespace         string   `json:"namespace,omitempty"`
	OwnerKind         string   `json:"owner_kind,omitempty"`
	OwnerName         string   `json:"owner_name,omitempty"`
	NodeName          string   `json:"node_name,omitempty"`
	NodeID            string   `json:"node_id,omitempty"`
	IncludeSystem     bool     `json:"include_system,omitempty"`
	IncludeDaemonSets bool     `json:"include_daemonsets,omitempty"`
	Overrides         *Patch   `json:"overrides,omitempty"`
	Patch
}

// ValidationError marks input the caller can fix: an unknown op, an empty pool name,
// a move onto a node that doesn't exist.
type ValidationError struct {
	error
}

func NewValidationError(err error) *ValidationError {
	return &ValidationError{error: err}
}

func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// Validate rejects operations that can never apply: unknown op tags and move targets
// that normalize to nothing. Callers run it over a whole batch before applying so a
// doomed request leaves no earlier operation applied.
func Validate(operations []Operation) error {
	for _, op := range operations {
		switch op.Op {
		case OpMovePodsToPool, OpMoveNamespaceToPool, OpMoveOwnerToPool, OpMoveNodePodsToPool:
			if _, err := normalizePoolName(op.TargetPool); err != nil {
				return err
			}
		case OpMovePodToNode, OpPatchPods, OpDeletePods, OpDeleteNamespace, OpDeleteOwner, OpResetToBaseline:
		default:
			return NewValidationError(fmt.Errorf("unknown op %q", op.Op))
		}
	}
	return nil
}

// Apply runs the operations in order against a deep copy of snapshot and returns the
// copy plus one log entry per operation. Missing pod ids are silent no-ops. A GC pass
// follows every operation so nodes emptied mid-sequence disappear before the next op
// observes them, and a final pass covers the sequence as a whole.
func Apply(snapshot *state.Snapshot, operations []Operation) (*state.Snapshot, []state.LogEntry, error) {
	next := snapshot.DeepCopy()
	entries := make([]state.LogEntry, 0, len(operations))
	for _, op := range operations {
		entry, err := applyOperation(next, op)
		if err != nil {
			return nil, nil, err
		}
		next.GarbageCollect()
		entries = append(entries, entry)
	}
	next.GarbageCollect()
	return next, entries, nil
}

func applyOperation(s *state.Snapshot, op Operation) (state.LogEntry, error) {
	switch op.Op {
	case OpMovePodsToPool:
		return movePodsToPool(s, op, existingIDs(s, op.PodIDs))
	case OpMoveNamespaceToPool:
		return movePodsToPool(s, op, selectPods(s, op, func(p *state.Pod) bool {
			return p.Namespace == op.Namespace
		}))
	case OpMoveOwnerToPool:
		return movePodsToPool(s, op, selectPods(s, op, func(p *state.Pod) bool {
			return p.Namespace == op.Namespace && ownerMatches(p, op.OwnerKind, op.OwnerName)
		}))
	case OpMoveNodePodsToPool:
		return movePodsToPool(s, op, selectPods(s, op, func(p *state.Pod) bool {
			return p.Node != "" && p.Node == op.NodeName
		}))
	case OpMovePodToNode:
		return movePodToNode(s, op)
	case OpPatchPods:
		ids := existingIDs(s, op.PodIDs)
		patchPods(s, ids, &op.Patch)
		return logEntry(op, ids, fmt.Sprintf("%s: %d pods patched", op.Op, len(ids))), nil
	case OpDeletePods:
		ids := existingIDs(s, op.PodIDs)
		return deletePods(s, op, ids, fmt.Sprintf("%d pods removed", len(ids)))
	case OpDeleteNamespace:
		ids := selectPods(s, op, func(p *state.Pod) bool { return p.Namespace == op.Namespace })
		return deletePods(s, op, ids, fmt.Sprintf("%d pods removed from namespace %q", len(ids), op.Namespace))
	case OpDeleteOwner:
		ids := selectPods(s, op, func(p *state.Pod) bool {
			return p.Namespace == op.Namespace && ownerMatches(p, op.OwnerKind, op.OwnerName)
		})
		return deletePods(s, op, ids, fmt.Sprintf("%d pods removed from %s/%s", len(ids), op.Namespace, op.OwnerName))
	case OpResetToBaseline:
		return state.LogEntry{}, NewValidationError(fmt.Errorf("op %q is applied by the snapshot manager", op.Op))
	default:
		return state.LogEntry{}, NewValidationError(fmt.Errorf("unknown op %q", op.Op))
	}
}

// movePodsToPool pins the pods to the target pool and leaves them pending; the
// simulator's packer places them on its next run. Source nodes they vacate fall to GC.
func movePodsToPool(s *state.Snapshot, op Operation, ids []string) (state.LogEntry, error) {
	pool, err := normalizePoolName(op.TargetPool)
	if err != nil {
		return state.LogEntry{}, err
	}
	if op.Overrides != nil {
		patchPods(s, ids, op.Overrides)
	}
	for _, id := range ids {
		pod := s.Pods[id]
		if pod.NodeSelector == nil {
			pod.NodeSelector = map[string]string{}
		}
		pod.NodeSelector[state.NodePoolLabelKey] = pool
		pod.Node = ""
	}
	return logEntry(op, ids, fmt.Sprintf("%s: %d pods -> %s", op.Op, len(ids), pool)), nil
}

// movePodToNode is direct placement: the pod lands on the node even if it overflows.
// The simulator reports the spill; the user's choice is never overridden.
func movePodToNode(s *state.Snapshot, op Operation) (state.LogEntry, error) {
	if _, ok := s.Nodes[op.NodeID]; !ok {
		return state.LogEntry{}, NewValidationError(fmt.Errorf("node %q not found", op.NodeID))
	}
	ids := existingIDs(s, op.PodIDs)
	if op.Overrides != nil {
		patchPods(s, ids, op.Overrides)
	}
	for _, id := range ids {
		s.Pods[id].Node = op.NodeID
	}
	return logEntry(op, ids, fmt.Sprintf("%s: %d pods -> %s", op.Op, len(ids), op.NodeID)), nil
}

func deletePods(s *state.Snapshot, op Operation, ids []string, message string) (state.LogEntry, error) {
	for _, id := range ids {
		delete(s.Pods, id)
	}
	return logEntry(op, ids, fmt.Sprintf("%s: %s", op.Op, message)), nil
}

func patchPods(s *state.Snapshot, ids []string, patch *Patch) {
	for _, id := range ids {
		pod, ok := s.Pods[id]
		if !ok {
			continue
		}
		if patch.ReqCPUMillis != nil {
			pod.ReqCPUMillis = *patch.ReqCPUMillis
		}
		if patch.ReqMemBytes != nil {
			pod.ReqMemBytes = *patch.ReqMemBytes
		}
		if patch.Tolerations != nil {
			pod.Tolerations = lo.Map(patch.Tolerations, func(t v1.Toleration, _ int) v1.Toleration { return *t.DeepCopy() })
		}
		if patch.NodeSelector != nil {
			pod.NodeSelector = maps.Clone(patch.NodeSelector)
		}
		if patch.Affinity != nil {
			pod.Affinity = patch.Affinity.DeepCopy()
		}
	}
}

// existingIDs drops ids the snapshot doesn't know and de-duplicates while preserving
// the caller's order.
func existingIDs(s *state.Snapshot, ids []string) []string {
	return lo.Filter(lo.Uniq(ids), func(id string, _ int) bool {
		_, ok := s.Pods[id]
		return ok
	})
}

// selectPods returns the sorted ids of pods matching the predicate and the op's class
// filter: workload pods always qualify, system and DaemonSet pods only when the op
// includes them.
func selectPods(s *state.Snapshot, op Operation, match func(*state.Pod) bool) []string {
	var ids []string
	for id, pod := range s.Pods {
		if !match(pod) {
			continue
		}
		if pod.IsDaemonSet && !op.IncludeDaemonSets {
			continue
		}
		if !pod.IsDaemonSet && pod.IsSystem && !op.IncludeSystem {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ownerMatches compares owner kinds case-insensitively. Callers usually know the
// Deployment while pods carry the ReplicaSet it stamped out, so a requested Deployment
// also matches ReplicaSet pods whose owner name extends the requested one.
func ownerMatches(pod *state.Pod, kind, name string) bool {
	if pod.OwnerKind == "" {
		return false
	}
	if strings.EqualFold(pod.OwnerKind, kind) && pod.OwnerName == name {
		return true
	}
	return strings.EqualFold(kind, "Deployment") &&
		strings.EqualFold(pod.OwnerKind, "ReplicaSet") &&
		strings.HasPrefix(pod.OwnerName, name)
}

// normalizePoolName extracts the pool from UI strings like "gfw gfw-nightly-private-a"
// by keeping the last whitespace-separated token.
func normalizePoolName(name string) (string, error) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", NewValidationError(fmt.Errorf("target pool name %q is empty after normalization", name))
	}
	return fields[len(fields)-1], nil
}

func logEntry(op Operation, ids []string, message string) state.LogEntry {
	details := map[string]any{"op": op.Op, "pods": len(ids)}
	if len(ids) > 0 {
		details["pod_ids"] = pretty.Slice(ids, 5)
	}
	if op.TargetPool != "" {
		details["target_pool"] = op.TargetPool
	}
	if op.Namespace != "" {
		details["namespace"] = op.Namespace
	}
	if op.OwnerName != "" {
		details["owner_kind"] = op.OwnerKind
		details["owner_name"] = op.OwnerName
	}
	if op.NodeName != "" {
		details["node_name"] = op.NodeName
	}
	if op.NodeID != "" {
		details["node_id"] = op.NodeID
	}
	return state.LogEntry{Message: message, Details: details}
}
