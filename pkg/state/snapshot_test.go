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

package state_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	v1 "k8s.io/api/core/v1"

	"github.com/awslabs/capsim/pkg/state"
	"github.com/awslabs/capsim/pkg/test"
)

var _ = Describe("Snapshot", func() {
	Context("GarbageCollect", func() {
		It("should drop nodes left with only daemonset pods, along with those pods", func() {
			snapshot := test.Snapshot(nil,
				[]*state.Node{test.Node(state.Node{Name: "node-a"})},
				[]*state.Pod{
					test.Pod(state.Pod{Name: "kube-proxy-1", Namespace: "kube-system", Node: "node-a", IsDaemonSet: true, IsSystem: true}),
					test.Pod(state.Pod{Name: "node-exporter-1", Namespace: "monitoring", Node: "node-a", IsDaemonSet: true, IsSystem: true}),
				},
			)
			snapshot.GarbageCollect()
			Expect(snapshot.Nodes).To(BeEmpty())
			Expect(snapshot.Pods).To(BeEmpty())
		})
		It("should keep nodes hosting a non-daemonset system pod", func() {
			snapshot := test.Snapshot(nil,
				[]*state.Node{test.Node(state.Node{Name: "node-a"})},
				[]*state.Pod{
					test.Pod(state.Pod{Name: "coredns-1", Namespace: "kube-system", Node: "node-a", IsSystem: true}),
					test.Pod(state.Pod{Name: "kube-proxy-1", Namespace: "kube-system", Node: "node-a", IsDaemonSet: true, IsSystem: true}),
				},
			)
			snapshot.GarbageCollect()
			Expect(snapshot.Nodes).To(HaveKey("node-a"))
			Expect(snapshot.Pods).To(HaveLen(2))
		})
		It("should drop empty nodes", func() {
			snapshot := test.Snapshot(nil,
				[]*state.Node{test.Node(state.Node{Name: "node-a"}), test.Node(state.Node{Name: "node-b"})},
				[]*state.Pod{test.Pod(state.Pod{Name: "web-1", Node: "node-b"})},
			)
			snapshot.GarbageCollect()
			Expect(snapshot.Nodes).ToNot(HaveKey("node-a"))
			Expect(snapshot.Nodes).To(HaveKey("node-b"))
		})
		It("should not touch pending pods", func() {
			snapshot := test.Snapshot(nil,
				[]*state.Node{test.Node(state.Node{Name: "node-a"})},
				[]*state.Pod{test.Pod(state.Pod{Name: "web-1"})},
			)
			snapshot.GarbageCollect()
			Expect(snapshot.Nodes).To(BeEmpty())
			Expect(snapshot.Pods).To(HaveLen(1))
		})
	})
	Context("DeepCopy", func() {
		It("should isolate copies from the original", func() {
			original := test.Snapshot(
				[]*state.NodePool{test.NodePool(state.NodePool{Name: "general", Labels: map[string]string{"team": "platform"}})},
				[]*state.Node{test.Node(state.Node{
					Name:     "node-a",
					NodePool: "general",
					Labels:   map[string]string{"zone": "eu-central-1a"},
					Taints:   []v1.Taint{{Key: "dedicated", Value: "gpu", Effect: v1.TaintEffectNoSchedule}},
				})},
				[]*state.Pod{test.Pod(state.Pod{
					Name:         "web-1",
					Node:         "node-a",
					NodeSelector: map[string]string{"zone": "eu-central-1a"},
					Tolerations:  []v1.Toleration{{Key: "dedicated", Operator: v1.TolerationOpExists}},
				})},
			)
			clone := original.DeepCopy()
			clone.Nodes["node-a"].Labels["zone"] = "eu-central-1b"
			clone.Nodes["node-a"].Taints[0].Value = "cpu"
			clone.Pods["default/web-1"].NodeSelector["zone"] = "eu-central-1b"
			clone.Pods["default/web-1"].Node = ""
			delete(clone.NodePools, "general")

			Expect(original.Nodes["node-a"].Labels["zone"]).To(Equal("eu-central-1a"))
			Expect(original.Nodes["node-a"].Taints[0].Value).To(Equal("gpu"))
			Expect(original.Pods["default/web-1"].NodeSelector["zone"]).To(Equal("eu-central-1a"))
			Expect(original.Pods["default/web-1"].Node).To(Equal("node-a"))
			Expect(original.NodePools).To(HaveKey("general"))
		})
		It("should stay deep-equal to the original", func() {
			original := test.Snapshot(
				[]*state.NodePool{test.NodePool(state.NodePool{Name: "general"})},
				[]*state.Node{test.Node(state.Node{Name: "node-a", NodePool: "general"})},
				[]*state.Pod{test.Pod(state.Pod{Name: "web-1", Node: "node-a"})},
			)
			clone := original.DeepCopy()
			// Untouched nil Taints/Tolerations must stay nil, not become empty slices
			Expect(clone.Nodes["node-a"]).To(Equal(original.Nodes["node-a"]))
			Expect(clone.Pods["default/web-1"]).To(Equal(original.Pods["default/web-1"]))
			Expect(clone.NodePools["general"]).To(Equal(original.NodePools["general"]))
		})
	})
	Context("Helpers", func() {
		It("should group bound pods by node and sort pending pods", func() {
			snapshot := test.Snapshot(nil,
				[]*state.Node{test.Node(state.Node{Name: "node-a"})},
				[]*state.Pod{
					test.Pod(state.Pod{Name: "b-pod", Node: "node-a"}),
					test.Pod(state.Pod{Name: "a-pod", Node: "node-a"}),
					test.Pod(state.Pod{Name: "z-pending"}),
					test.Pod(state.Pod{Name: "a-pending"}),
				},
			)
			byNode := snapshot.BoundPodsByNode()
			Expect(byNode["node-a"]).To(HaveLen(2))
			Expect(byNode["node-a"][0].Name).To(Equal("a-pod"))

			pending := snapshot.PendingPods()
			Expect(pending).To(HaveLen(2))
			Expect(pending[0].Name).To(Equal("a-pending"))
		})
		It("should resolve schedules with a default fallback", func() {
			snapshot := test.Snapshot(
				[]*state.NodePool{test.NodePool(state.NodePool{Name: "keda-burst", IsKeda: true})},
				nil, nil,
			)
			Expect(snapshot.ScheduleFor("keda-burst").Name).To(Equal(state.KedaScheduleName))
			Expect(snapshot.ScheduleFor("keda-burst").EffectiveHoursPerDay()).To(BeNumerically("~", 12.0*5/7, 1e-9))
			Expect(snapshot.ScheduleFor("unknown-pool").Name).To(Equal(state.DefaultScheduleName))
			Expect(snapshot.ScheduleFor("unknown-pool").EffectiveHoursPerDay()).To(Equal(24.0))
		})
		It("should list distinct instance types sorted", func() {
			snapshot := test.Snapshot(nil,
				[]*state.Node{
					test.Node(state.Node{Name: "node-a", InstanceType: "t3a.xlarge"}),
					test.Node(state.Node{Name: "node-b", InstanceType: "r6a.large"}),
					test.Node(state.Node{Name: "node-c", InstanceType: "t3a.xlarge"}),
				},
				nil,
			)
			Expect(snapshot.InstanceTypes()).To(Equal([]string{"r6a.large", "t3a.xlarge"}))
		})
	})
})
