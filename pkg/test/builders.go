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

// Package test provides entity builders for tests. Builders merge overrides onto sane
// defaults so specs only spell out the fields they assert on.
package test

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/awslabs/capsim/pkg/state"
)

func Node(overrides ...state.Node) *state.Node {
	options := state.Node{}
	for _, override := range overrides {
		if err := mergo.Merge(&options, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge node options: %s", err))
		}
	}
	if options.Name == "" {
		options.Name = RandomName("node")
	}
	if options.NodePool == "" {
		options.NodePool = state.DefaultPoolName
	}
	if options.InstanceType == "" {
		options.InstanceType = "t3a.large"
	}
	if options.AllocCPUMillis == 0 {
		options.AllocCPUMillis = 2000
	}
	if options.AllocMemBytes == 0 {
		options.AllocMemBytes = GiB(8)
	}
	if options.AllocPods == 0 {
		options.AllocPods = state.DefaultAllocPods
	}
	if options.CapacityType == "" {
		options.CapacityType = state.CapacityTypeOnDemand
	}
	if options.UptimeHours24h == 0 {
		options.UptimeHours24h = 24
	}
	return &options
}

func Pod(overrides ...state.Pod) *state.Pod {
	options := state.Pod{}
	for _, override := range overrides {
		if err := mergo.Merge(&options, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge pod options: %s", err))
		}
	}
	if options.Name == "" {
		options.Name = RandomName("pod")
	}
	if options.Namespace == "" {
		options.Namespace = "default"
	}
	if options.OwnerKind == "" {
		options.OwnerKind = "Deployment"
	}
	if options.OwnerName == "" {
		options.OwnerName = options.Name
	}
	if options.ReqCPUMillis == 0 {
		options.ReqCPUMillis = 100
	}
	if options.ReqMemBytes == 0 {
		options.ReqMemBytes = MiB(128)
	}
	if options.ActiveRatio == 0 {
		options.ActiveRatio = 1
	}
	return &options
}

func NodePool(overrides ...state.NodePool) *state.NodePool {
	options := state.NodePool{}
	for _, override := range overrides {
		if err := mergo.Merge(&options, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge nodepool options: %s", err))
		}
	}
	if options.Name == "" {
		options.Name = RandomName("pool")
	}
	if options.ScheduleName == "" {
		options.ScheduleName = lo.Ternary(options.IsKeda, state.KedaScheduleName, state.DefaultScheduleName)
	}
	if options.ConsolidationPolicy == "" {
		options.ConsolidationPolicy = state.ConsolidationPolicyWhenUnderutilized
	}
	return &options
}

// Snapshot assembles a snapshot from entity lists, synthesizing any pool a node
// references but the caller didn't define.
func Snapshot(pools []*state.NodePool, nodes []*state.Node, pods []*state.Pod) *state.Snapshot {
	snapshot := state.NewSnapshot()
	for _, pool := range pools {
		snapshot.NodePools[pool.Name] = pool
	}
	for _, node := range nodes {
		snapshot.Nodes[node.Name] = node
		if _, ok := snapshot.NodePools[node.NodePool]; !ok {
			snapshot.NodePools[node.NodePool] = NodePool(state.NodePool{Name: node.NodePool, IsKeda: state.IsKedaPool(node.NodePool)})
		}
	}
	for _, pod := range pods {
		snapshot.Pods[pod.ID()] = pod
	}
	return snapshot
}

func RandomName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ToLower(randomdata.Alphanumeric(10)))
}

func GiB(v float64) int64 {
	return int64(v * 1024 * 1024 * 1024)
}

func MiB(v float64) int64 {
	return int64(v * 1024 * 1024)
}
