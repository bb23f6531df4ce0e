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

// Package collector captures a live cluster into a snapshot: nodes, running
// pods and karpenter NodePools, converted into the simulator's model. Usage
// metrics and prices are not collected; captured pods start at a full active
// ratio and prices come from the pricing provider.
package collector

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/awslabs/capsim/pkg/state"
)

const (
	nodePoolGroup    = "karpenter.sh"
	nodePoolResource = "nodepools"

	crdVersionTTL = 12 * time.Hour
)

// nodePoolVersions are tried in order; the version that answered last time is
// memoized and tried first on the next capture.
var nodePoolVersions = []string{"v1", "v1beta1"}

var systemNamespaces = sets.New("kube-system", "monitoring", "logging", "ingress-nginx")

type Collector interface {
	Capture(ctx context.Context) (*state.Snapshot, error)
}

type DefaultCollector struct {
	kubernetesClient kubernetes.Interface
	dynamicClient    dynamic.Interface
	crdVersions      *cache.Cache
}

func NewDefaultCollector(kubernetesClient kubernetes.Interface, dynamicClient dynamic.Interface) *DefaultCollector {
	return &DefaultCollector{
		kubernetesClient: kubernetesClient,
		dynamicClient:    dynamicClient,
		crdVersions:      cache.New(crdVersionTTL, crdVersionTTL),
	}
}

// Unavailable returns a Collector that fails every capture with the given
// error. Used when no cluster configuration could be resolved at startup, so
// the simulator still serves persisted snapshots.
func Unavailable(err error) Collector {
	return unavailable{err: err}
}

type unavailable struct {
	err error
}

func (u unavailable) Capture(context.Context) (*state.Snapshot, error) {
	return nil, fmt.Errorf("no cluster available, %w", u.err)
}

// RestConfig resolves client configuration. An explicit kubeconfig path or
// context wins; otherwise the ambient kubeconfig is used, falling back to
// in-cluster configuration.
func RestConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err == nil {
		return config, nil
	}
	if kubeconfig == "" && kubeContext == "" {
		if config, inClusterErr := rest.InClusterConfig(); inClusterErr == nil {
			return config, nil
		}
	}
	return nil, fmt.Errorf("loading kubernetes configuration, %w", err)
}

// Capture lists nodes, running pods and NodePools and assembles a snapshot.
// Pods bound to a node the capture didn't see come back pending.
func (c *DefaultCollector) Capture(ctx context.Context) (*state.Snapshot, error) {
	nodeList, err := c.listNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes, %w", err)
	}
	podList, err := c.listPods(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pods, %w", err)
	}

	snapshot := state.NewSnapshot()
	c.collectNodePools(ctx, snapshot)
	collectNodes(snapshot, nodeList.Items)
	collectPods(snapshot, podList.Items)
	log.FromContext(ctx).V(1).Info("captured cluster state",
		"nodes", len(snapshot.Nodes), "pods", len(snapshot.Pods), "nodepools", len(snapshot.NodePools))
	return snapshot, nil
}

func (c *DefaultCollector) listNodes(ctx context.Context) (*v1.NodeList, error) {
	var nodes *v1.NodeList
	if err := retry.Do(
		func() (err error) {
			nodes, err = c.kubernetesClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
			return err
		},
		retry.Delay(time.Second),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *DefaultCollector) listPods(ctx context.Context) (*v1.PodList, error) {
	var pods *v1.PodList
	if err := retry.Do(
		func() (err error) {
			pods, err = c.kubernetesClient.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
				FieldSelector: "status.phase=Running",
			})
			return err
		},
		retry.Delay(time.Second),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	); err != nil {
		return nil, err
	}
	return pods, nil
}

// collectNodePools translates karpenter NodePool objects. With no CRDs served
// at all, pools are inferred from node labels in collectNodes instead.
func (c *DefaultCollector) collectNodePools(ctx context.Context, snapshot *state.Snapshot) {
	for _, item := range c.listNodePoolItems(ctx) {
		name := item.GetName()
		if name == "" {
			continue
		}
		labels, _, _ := unstructured.NestedStringMap(item.Object, "spec", "template", "metadata", "labels")
		policy, _, _ := unstructured.NestedString(item.Object, "spec", "disruption", "consolidationPolicy")
		pool := &state.NodePool{
			Name:                name,
			Labels:              labels,
			Taints:              nodePoolTaints(item),
			IsKeda:              state.IsKedaPool(name),
			ConsolidationPolicy: lo.Ternary(policy != "", policy, state.ConsolidationPolicyWhenUnderutilized),
		}
		pool.ScheduleName = lo.Ternary(pool.IsKeda, state.KedaScheduleName, state.DefaultScheduleName)
		snapshot.NodePools[name] = pool
	}
}

// listNodePoolItems tries the known API versions in order and returns the
// first non-empty list, remembering which version answered. A version the
// cluster doesn't serve is skipped silently.
func (c *DefaultCollector) listNodePoolItems(ctx context.Context) []unstructured.Unstructured {
	versions := nodePoolVersions
	if memo, ok := c.crdVersions.Get(nodePoolGroup); ok {
		versions = lo.Uniq(append([]string{memo.(string)}, nodePoolVersions...))
	}
	for _, version := range versions {
		gvr := schema.GroupVersionResource{Group: nodePoolGroup, Version: version, Resource: nodePoolResource}
		list, err := c.dynamicClient.Resource(gvr).List(ctx, metav1.ListOptions{})
		if err != nil {
			if !apierrors.IsNotFound(err) {
				log.FromContext(ctx).Error(err, "listing nodepools", "version", version)
			}
			continue
		}
		if len(list.Items) == 0 {
			continue
		}
		c.crdVersions.SetDefault(nodePoolGroup, version)
		return list.Items
	}
	return nil
}

func nodePoolTaints(item unstructured.Unstructured) []v1.Taint {
	raw, found, _ := unstructured.NestedSlice(item.Object, "spec", "template", "spec", "taints")
	if !found {
		return nil
	}
	var taints []v1.Taint
	for _, entry := range raw {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		taint := v1.Taint{}
		taint.Key, _ = fields["key"].(string)
		taint.Value, _ = fields["value"].(string)
		if effect, ok := fields["effect"].(string); ok {
			taint.Effect = v1.TaintEffect(effect)
		}
		taints = append(taints, taint)
	}
	return taints
}

func collectNodes(snapshot *state.Snapshot, nodes []v1.Node) {
	for i := range nodes {
		node := &nodes[i]
		labels := node.Labels

		pool := labels[state.NodePoolLabelKey]
		if pool == "" {
			pool = labels[state.InstanceGroupLabelKey]
		}
		if pool == "" {
			pool = state.DefaultPoolName
		}
		instanceType := labels[state.InstanceTypeLabelKey]
		if instanceType == "" {
			instanceType = "unknown"
		}
		capacityType := labels[state.CapacityTypeLabelKey]
		if capacityType == "" {
			capacityType = state.CapacityTypeOnDemand
		}

		alloc := node.Status.Allocatable
		allocPods := alloc.Pods().Value()
		if allocPods == 0 {
			allocPods = state.DefaultAllocPods
		}

		if _, ok := snapshot.NodePools[pool]; !ok {
			inferred := &state.NodePool{
				Name:                pool,
				Labels:              maps.Clone(labels),
				Taints:              slices.Clone(node.Spec.Taints),
				IsKeda:              state.IsKedaPool(pool),
				ConsolidationPolicy: state.ConsolidationPolicyWhenUnderutilized,
			}
			inferred.ScheduleName = lo.Ternary(inferred.IsKeda, state.KedaScheduleName, state.DefaultScheduleName)
			snapshot.NodePools[pool] = inferred
		}

		snapshot.Nodes[node.Name] = &state.Node{
			Name:           node.Name,
			NodePool:       pool,
			InstanceType:   instanceType,
			AllocCPUMillis: alloc.Cpu().MilliValue(),
			AllocMemBytes:  alloc.Memory().Value(),
			AllocPods:      allocPods,
			CapacityType:   capacityType,
			Labels:         maps.Clone(labels),
			Taints:         slices.Clone(node.Spec.Taints),
			UptimeHours24h: 24,
		}
	}
}

func collectPods(snapshot *state.Snapshot, pods []v1.Pod) {
	for i := range pods {
		pod := &pods[i]
		// A list racing a phase transition can still return non-Running pods.
		if pod.Status.Phase != v1.PodRunning || pod.Spec.NodeName == "" {
			continue
		}

		ownerKind, ownerName := "", ""
		if refs := pod.OwnerReferences; len(refs) > 0 {
			ownerKind, ownerName = refs[0].Kind, refs[0].Name
		}
		isDaemonSet := ownerKind == "DaemonSet"
		isSystem := systemNamespaces.Has(pod.Namespace)

		nodeName := pod.Spec.NodeName
		if _, ok := snapshot.Nodes[nodeName]; !ok {
			nodeName = ""
		}

		cpu, mem := podRequests(pod)
		entity := &state.Pod{
			Name:         pod.Name,
			Namespace:    pod.Namespace,
			Node:         nodeName,
			OwnerKind:    ownerKind,
			OwnerName:    ownerName,
			ReqCPUMillis: cpu,
			ReqMemBytes:  mem,
			IsDaemonSet:  isDaemonSet,
			IsSystem:     isSystem,
			IsGFW:        !isDaemonSet && !isSystem,
			Tolerations:  slices.Clone(pod.Spec.Tolerations),
			NodeSelector: maps.Clone(pod.Spec.NodeSelector),
			Affinity:     pod.Spec.Affinity.DeepCopy(),
			ActiveRatio:  1,
		}
		snapshot.Pods[entity.ID()] = entity
	}
}

// podRequests sums requests across app and init containers, matching how the
// legacy snapshots were produced (init containers count additively).
func podRequests(pod *v1.Pod) (cpu, mem int64) {
	for _, containers := range [][]v1.Container{pod.Spec.Containers, pod.Spec.InitContainers} {
		for i := range containers {
			requests := containers[i].Resources.Requests
			cpu += requests.Cpu().MilliValue()
			mem += requests.Memory().Value()
		}
	}
	return cpu, mem
}
