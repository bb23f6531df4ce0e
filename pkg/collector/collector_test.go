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

package collector_test

import (
	"context"

	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/capsim/pkg/collector"
	"github.com/awslabs/capsim/pkg/state"
)

var (
	ctx           context.Context
	kubeClient    *k8sfake.Clientset
	dynamicClient *dynamicfake.FakeDynamicClient
)

func newDynamicClient(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{
		{Group: "karpenter.sh", Version: "v1", Resource: "nodepools"}:      "NodePoolList",
		{Group: "karpenter.sh", Version: "v1beta1", Resource: "nodepools"}: "NodePoolList",
	}, objects...)
}

func capture() *state.Snapshot {
	GinkgoHelper()
	snapshot, err := collector.NewDefaultCollector(kubeClient, dynamicClient).Capture(ctx)
	Expect(err).NotTo(HaveOccurred())
	return snapshot
}

func allocatable(cpu, mem string, pods int64) v1.ResourceList {
	list := v1.ResourceList{
		v1.ResourceCPU:    resource.MustParse(cpu),
		v1.ResourceMemory: resource.MustParse(mem),
	}
	if pods > 0 {
		list[v1.ResourcePods] = *resource.NewQuantity(pods, resource.DecimalSI)
	}
	return list
}

func clusterNode(name string, labels map[string]string, alloc v1.ResourceList) *v1.Node {
	return &v1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Status:     v1.NodeStatus{Allocatable: alloc},
	}
}

func runningPod(namespace, name, nodeName string) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec:       v1.PodSpec{NodeName: nodeName},
		Status:     v1.PodStatus{Phase: v1.PodRunning},
	}
}

func requesting(name, cpu, mem string) v1.Container {
	return v1.Container{
		Name: name,
		Resources: v1.ResourceRequirements{Requests: v1.ResourceList{
			v1.ResourceCPU:    resource.MustParse(cpu),
			v1.ResourceMemory: resource.MustParse(mem),
		}},
	}
}

func nodePoolObject(version, name string, spec map[string]interface{}) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "karpenter.sh/" + version,
		"kind":       "NodePool",
		"metadata":   map[string]interface{}{"name": name},
		"spec":       spec,
	}}
}

var _ = Describe("Collector", func() {
	BeforeEach(func() {
		ctx = context.Background()
		kubeClient = k8sfake.NewClientset()
		dynamicClient = newDynamicClient()
	})

	Context("nodes", func() {
		It("captures pool, shape and capacity from node labels", func() {
			node := clusterNode("ip-10-0-1-1", map[string]string{
				state.NodePoolLabelKey:     "general",
				state.InstanceTypeLabelKey: "m5.large",
				state.CapacityTypeLabelKey: "on-demand",
			}, allocatable("1930m", "7Gi", 58))
			node.Spec.Taints = []v1.Taint{{Key: "dedicated", Value: "infra", Effect: v1.TaintEffectNoSchedule}}
			kubeClient = k8sfake.NewClientset(node)

			snapshot := capture()
			Expect(snapshot.Nodes).To(HaveLen(1))

			captured := snapshot.Nodes["ip-10-0-1-1"]
			Expect(captured.NodePool).To(Equal("general"))
			Expect(captured.InstanceType).To(Equal("m5.large"))
			Expect(captured.CapacityType).To(Equal("on-demand"))
			Expect(captured.AllocCPUMillis).To(Equal(int64(1930)))
			Expect(captured.AllocMemBytes).To(Equal(int64(7 * 1024 * 1024 * 1024)))
			Expect(captured.AllocPods).To(Equal(int64(58)))
			Expect(captured.Taints).To(HaveLen(1))
			Expect(captured.IsVirtual).To(BeFalse())
			Expect(captured.UptimeHours24h).To(Equal(24.0))
		})

		It("defaults pool, instance type and pod capacity when labels are missing", func() {
			kubeClient = k8sfake.NewClientset(clusterNode("bare-1", nil, allocatable("2", "8Gi", 0)))

			snapshot := capture()
			captured := snapshot.Nodes["bare-1"]
			Expect(captured.NodePool).To(Equal(state.DefaultPoolName))
			Expect(captured.InstanceType).To(Equal("unknown"))
			Expect(captured.CapacityType).To(Equal(state.CapacityTypeOnDemand))
			Expect(captured.AllocCPUMillis).To(Equal(int64(2000)))
			Expect(captured.AllocPods).To(Equal(int64(state.DefaultAllocPods)))
		})

		It("falls back to the instance-group label for the pool", func() {
			kubeClient = k8sfake.NewClientset(clusterNode("legacy-1", map[string]string{
				state.InstanceGroupLabelKey: "legacy-group",
			}, allocatable("2", "8Gi", 110)))

			snapshot := capture()
			Expect(snapshot.Nodes["legacy-1"].NodePool).To(Equal("legacy-group"))
			Expect(snapshot.NodePools).To(HaveKey("legacy-group"))
		})

		It("infers pools from node labels when no CRDs answer", func() {
			node := clusterNode("keda-node-1", map[string]string{
				state.NodePoolLabelKey: "keda-burst",
			}, allocatable("2", "8Gi", 110))
			node.Spec.Taints = []v1.Taint{{Key: "scaling", Value: "keda", Effect: v1.TaintEffectNoSchedule}}
			kubeClient = k8sfake.NewClientset(node)

			snapshot := capture()
			pool := snapshot.NodePools["keda-burst"]
			Expect(pool).NotTo(BeNil())
			Expect(pool.IsKeda).To(BeTrue())
			Expect(pool.ScheduleName).To(Equal(state.KedaScheduleName))
			Expect(pool.Taints).To(HaveLen(1))
		})
	})

	Context("pods", func() {
		It("captures running pods with requests summed across all containers", func() {
			kubeClient = k8sfake.NewClientset(
				clusterNode("n-1", map[string]string{state.NodePoolLabelKey: "general"}, allocatable("4", "16Gi", 110)),
				&v1.Pod{
					ObjectMeta: metav1.ObjectMeta{
						Namespace:       "payments",
						Name:            "api-abc123-x1",
						OwnerReferences: []metav1.OwnerReference{{Kind: "ReplicaSet", Name: "api-abc123"}},
					},
					Spec: v1.PodSpec{
						NodeName:       "n-1",
						Containers:     []v1.Container{requesting("app", "100m", "128Mi"), requesting("proxy", "200m", "256Mi")},
						InitContainers: []v1.Container{requesting("init", "50m", "64Mi")},
						NodeSelector:   map[string]string{state.NodePoolLabelKey: "general"},
						Tolerations:    []v1.Toleration{{Key: "dedicated", Operator: v1.TolerationOpExists}},
					},
					Status: v1.PodStatus{Phase: v1.PodRunning},
				},
			)

			snapshot := capture()
			Expect(snapshot.Pods).To(HaveLen(1))

			pod := snapshot.Pods["payments/api-abc123-x1"]
			Expect(pod.Node).To(Equal("n-1"))
			Expect(pod.OwnerKind).To(Equal("ReplicaSet"))
			Expect(pod.OwnerName).To(Equal("api-abc123"))
			Expect(pod.ReqCPUMillis).To(Equal(int64(350)))
			Expect(pod.ReqMemBytes).To(Equal(int64(448 * 1024 * 1024)))
			Expect(pod.IsGFW).To(BeTrue())
			Expect(pod.IsDaemonSet).To(BeFalse())
			Expect(pod.IsSystem).To(BeFalse())
			Expect(pod.NodeSelector).To(HaveKeyWithValue(state.NodePoolLabelKey, "general"))
			Expect(pod.Tolerations).To(HaveLen(1))
			Expect(pod.ActiveRatio).To(Equal(1.0))
		})

		It("classifies DaemonSet and system pods", func() {
			ds := runningPod("kube-system", "kube-proxy-x", "n-1")
			ds.OwnerReferences = []metav1.OwnerReference{{Kind: "DaemonSet", Name: "kube-proxy"}}
			mon := runningPod("monitoring", "prom-0", "n-1")
			mon.OwnerReferences = []metav1.OwnerReference{{Kind: "StatefulSet", Name: "prom"}}
			kubeClient = k8sfake.NewClientset(
				clusterNode("n-1", nil, allocatable("2", "8Gi", 110)), ds, mon,
			)

			snapshot := capture()
			Expect(snapshot.Pods["kube-system/kube-proxy-x"].IsDaemonSet).To(BeTrue())
			Expect(snapshot.Pods["kube-system/kube-proxy-x"].IsSystem).To(BeTrue())
			Expect(snapshot.Pods["kube-system/kube-proxy-x"].IsGFW).To(BeFalse())
			Expect(snapshot.Pods["monitoring/prom-0"].IsDaemonSet).To(BeFalse())
			Expect(snapshot.Pods["monitoring/prom-0"].IsSystem).To(BeTrue())
			Expect(snapshot.Pods["monitoring/prom-0"].IsGFW).To(BeFalse())
		})

		It("skips pods that are not running or not bound", func() {
			done := runningPod("default", "done-1", "n-1")
			done.Status.Phase = v1.PodSucceeded
			unbound := runningPod("default", "unscheduled-1", "")
			kubeClient = k8sfake.NewClientset(
				clusterNode("n-1", nil, allocatable("2", "8Gi", 110)), done, unbound,
			)

			snapshot := capture()
			Expect(snapshot.Pods).To(BeEmpty())
		})

		It("marks pods bound to unknown nodes pending", func() {
			kubeClient = k8sfake.NewClientset(runningPod("default", "orphan-1", "ghost-node"))

			snapshot := capture()
			Expect(snapshot.Pods["default/orphan-1"].Node).To(BeEmpty())
		})
	})

	Context("nodepools", func() {
		It("translates karpenter v1 NodePools", func() {
			dynamicClient = newDynamicClient(nodePoolObject("v1", "pool-a", map[string]interface{}{
				"template": map[string]interface{}{
					"metadata": map[string]interface{}{
						"labels": map[string]interface{}{"team": "ml"},
					},
					"spec": map[string]interface{}{
						"taints": []interface{}{
							map[string]interface{}{"key": "dedicated", "value": "ml", "effect": "NoSchedule"},
						},
					},
				},
				"disruption": map[string]interface{}{"consolidationPolicy": "WhenEmpty"},
			}))

			snapshot := capture()
			pool := snapshot.NodePools["pool-a"]
			Expect(pool).NotTo(BeNil())
			Expect(pool.Labels).To(HaveKeyWithValue("team", "ml"))
			Expect(pool.Taints).To(ConsistOf(v1.Taint{Key: "dedicated", Value: "ml", Effect: v1.TaintEffectNoSchedule}))
			Expect(pool.ConsolidationPolicy).To(Equal(state.ConsolidationPolicyWhenEmpty))
			Expect(pool.IsKeda).To(BeFalse())
			Expect(pool.ScheduleName).To(Equal(state.DefaultScheduleName))
		})

		It("falls back to v1beta1 when v1 serves nothing and memoizes the hit", func() {
			dynamicClient = newDynamicClient(nodePoolObject("v1beta1", "pool-b", map[string]interface{}{}))
			c := collector.NewDefaultCollector(kubeClient, dynamicClient)

			snapshot, err := c.Capture(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.NodePools).To(HaveKey("pool-b"))

			dynamicClient.ClearActions()
			_, err = c.Capture(ctx)
			Expect(err).NotTo(HaveOccurred())

			versions := lo.FilterMap(dynamicClient.Actions(), func(action k8stesting.Action, _ int) (string, bool) {
				return action.GetResource().Version, action.GetResource().Resource == "nodepools"
			})
			Expect(versions).To(Equal([]string{"v1beta1"}))
		})

		It("skips API versions the cluster refuses to serve", func() {
			dynamicClient = newDynamicClient(nodePoolObject("v1beta1", "pool-c", map[string]interface{}{}))
			dynamicClient.PrependReactor("list", "nodepools", func(action k8stesting.Action) (bool, runtime.Object, error) {
				if action.GetResource().Version == "v1" {
					return true, nil, apierrors.NewNotFound(schema.GroupResource{Group: "karpenter.sh", Resource: "nodepools"}, "")
				}
				return false, nil, nil
			})

			snapshot := capture()
			Expect(snapshot.NodePools).To(HaveKey("pool-c"))
		})

		It("keeps CRD pool definitions over node label inference", func() {
			kubeClient = k8sfake.NewClientset(clusterNode("n-1", map[string]string{
				state.NodePoolLabelKey: "general",
			}, allocatable("2", "8Gi", 110)))
			dynamicClient = newDynamicClient(nodePoolObject("v1", "general", map[string]interface{}{}))

			snapshot := capture()
			Expect(snapshot.NodePools["general"].Taints).To(BeEmpty())
			Expect(snapshot.NodePools["general"].ConsolidationPolicy).To(Equal(state.ConsolidationPolicyWhenUnderutilized))
		})
	})

	Context("failures", func() {
		It("surfaces node list failures after retries", func() {
			kubeClient.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, apierrors.NewInternalError(context.DeadlineExceeded)
			})

			_, err := collector.NewDefaultCollector(kubeClient, dynamicClient).Capture(ctx)
			Expect(err).To(MatchError(ContainSubstring("listing nodes")))
		})
	})
})
