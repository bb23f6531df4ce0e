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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	simulationSubsystem = "simulation"
	gatewaySubsystem    = "gateway"
)

var (
	// PoolDailyCost tracks per-pool daily cost of the active snapshot, both as the
	// fleet stands and as the simulator projects it after packing.
	PoolDailyCost = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: simulationSubsystem,
			Name:      "pool_daily_cost_usd",
			Help:      "Daily cost per nodepool for the active snapshot, updated on every simulation.",
		},
		[]string{NodePoolLabel, ProjectionLabel},
	)
	TotalDailyCost = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: simulationSubsystem,
			Name:      "total_daily_cost_usd",
			Help:      "Total daily cost of the active snapshot, updated on every simulation.",
		},
		[]string{ProjectionLabel},
	)
	NodeCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: simulationSubsystem,
			Name:      "nodes",
			Help:      "Node count per nodepool in the last simulation, split by whether the node was synthesized.",
		},
		[]string{NodePoolLabel, VirtualLabel},
	)
	PendingPods = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: simulationSubsystem,
			Name:      "pending_pods",
			Help:      "Pods left unplaced after the last simulation.",
		},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: gatewaySubsystem,
			Name:      "request_duration_seconds",
			Help:      "Latency of gateway requests, labeled by route and status code.",
			Buckets:   DurationBuckets(),
		},
		[]string{MethodLabel, PathLabel, CodeLabel},
	)
)

func init() {
	crmetrics.Registry.MustRegister(PoolDailyCost, TotalDailyCost, NodeCount, PendingPods, RequestDuration)
}
