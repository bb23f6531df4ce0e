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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// snapshotFile is the persisted layout. Files written by older exporters wrap nodes and
// pods in a "baseline" object and omit nodepools entirely; both shapes decode here.
type snapshotFile struct {
	Nodes        map[string]json.RawMessage `json:"nodes,omitempty"`
	Pods         map[string]json.RawMessage `json:"pods,omitempty"`
	NodePools    map[string]json.RawMessage `json:"nodepools,omitempty"`
	Prices       map[string]float64         `json:"prices_by_instance,omitempty"`
	KedaPool     string                     `json:"keda_pool,omitempty"`
	HistoryUsage []HistoryUsage             `json:"history_usage,omitempty"`
	Baseline     *struct {
		Nodes map[string]json.RawMessage `json:"nodes"`
		Pods  map[string]json.RawMessage `json:"pods"`
	} `json:"baseline,omitempty"`
}

type persistedSnapshot struct {
	Baseline     persistedBaseline    `json:"baseline"`
	NodePools    map[string]*NodePool `json:"nodepools"`
	Prices       map[string]float64   `json:"prices_by_instance"`
	KedaPool     string               `json:"keda_pool"`
	HistoryUsage []HistoryUsage       `json:"history_usage"`
}

type persistedBaseline struct {
	Nodes map[string]*Node `json:"nodes"`
	Pods  map[string]*Pod  `json:"pods"`
}

// UnmarshalSnapshot decodes a persisted snapshot, applying the field defaults that
// older files relied on and synthesizing placeholder pools for any pool a node
// references that the file does not define.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	file := &snapshotFile{}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parsing snapshot, %w", err)
	}
	rawNodes, rawPods := file.Nodes, file.Pods
	if file.Baseline != nil {
		rawNodes, rawPods = file.Baseline.Nodes, file.Baseline.Pods
	}
	snapshot := NewSnapshot()
	for key, raw := range rawNodes {
		node, err := decodeNode(key, raw)
		if err != nil {
			return nil, err
		}
		snapshot.Nodes[node.Name] = node
	}
	for key, raw := range rawPods {
		pod, err := decodePod(key, raw)
		if err != nil {
			return nil, err
		}
		snapshot.Pods[pod.ID()] = pod
	}
	for key, raw := range file.NodePools {
		pool, err := decodeNodePool(key, raw)
		if err != nil {
			return nil, err
		}
		snapshot.NodePools[pool.Name] = pool
	}
	for instanceType, price := range file.Prices {
		snapshot.Prices[instanceType] = &InstancePrice{
			InstanceType: instanceType,
			USDPerHour:   price,
			Purchasing:   CapacityTypeOnDemand,
			Source:       "unknown",
		}
	}
	if file.KedaPool != "" {
		snapshot.KedaPoolName = file.KedaPool
	}
	snapshot.HistoryUsage = file.HistoryUsage
	ensurePools(snapshot)
	return snapshot, nil
}

// MarshalSnapshot encodes a snapshot in the baseline-wrapped layout older exporters
// produce, two-space indented so diffs between saved snapshots stay readable.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	out := &persistedSnapshot{
		Baseline: persistedBaseline{
			Nodes: s.Nodes,
			Pods:  s.Pods,
		},
		NodePools: s.NodePools,
		Prices: lo.MapValues(s.Prices, func(p *InstancePrice, _ string) float64 {
			return p.USDPerHour
		}),
		KedaPool:     s.KedaPoolName,
		HistoryUsage: s.HistoryUsage,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot, %w", err)
	}
	return data, nil
}

func decodeNode(key string, raw json.RawMessage) (*Node, error) {
	node := &Node{
		AllocPods:      DefaultAllocPods,
		UptimeHours24h: 24,
	}
	if err := json.Unmarshal(raw, node); err != nil {
		return nil, fmt.Errorf("parsing node %q, %w", key, err)
	}
	if node.Name == "" {
		node.Name = key
	}
	if node.NodePool == "" {
		node.NodePool = DefaultPoolName
	}
	if node.InstanceType == "" {
		node.InstanceType = "unknown"
	}
	if node.CapacityType == "" {
		node.CapacityType = CapacityTypeOnDemand
	}
	return node, nil
}

func decodePod(key string, raw json.RawMessage) (*Pod, error) {
	pod := &Pod{
		IsGFW:       true,
		ActiveRatio: 1,
	}
	if err := json.Unmarshal(raw, pod); err != nil {
		return nil, fmt.Errorf("parsing pod %q, %w", key, err)
	}
	if pod.Name == "" {
		if ns, name, ok := strings.Cut(key, "/"); ok {
			if pod.Namespace == "" {
				pod.Namespace = ns
			}
			pod.Name = name
		} else {
			pod.Name = key
		}
	}
	if pod.Namespace == "" {
		pod.Namespace = "default"
	}
	return pod, nil
}

func decodeNodePool(key string, raw json.RawMessage) (*NodePool, error) {
	pool := &NodePool{}
	if err := json.Unmarshal(raw, pool); err != nil {
		return nil, fmt.Errorf("parsing nodepool %q, %w", key, err)
	}
	if pool.Name == "" {
		pool.Name = key
	}
	normalizePool(pool)
	return pool, nil
}

// ensurePools guarantees every pool referenced by a node exists, so that template
// lookups and schedule resolution never miss.
func ensurePools(s *Snapshot) {
	for _, node := range s.Nodes {
		if _, ok := s.NodePools[node.NodePool]; !ok {
			pool := &NodePool{Name: node.NodePool}
			normalizePool(pool)
			s.NodePools[node.NodePool] = pool
		}
	}
}

func normalizePool(pool *NodePool) {
	pool.IsKeda = pool.IsKeda || IsKedaPool(pool.Name)
	if pool.ScheduleName == "" {
		pool.ScheduleName = lo.Ternary(pool.IsKeda, KedaScheduleName, DefaultScheduleName)
	}
	if pool.ConsolidationPolicy == "" {
		pool.ConsolidationPolicy = ConsolidationPolicyWhenUnderutilized
	}
}
