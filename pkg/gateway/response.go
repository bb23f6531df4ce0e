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

package gateway

import (
	v1 "k8s.io/api/core/v1"

	"github.com/awslabs/capsim/pkg/simulation"
	"github.com/awslabs/capsim/pkg/state"
)

// SimulationResponse is the payload of GET /simulate and POST /mutate.
type SimulationResponse struct {
	Summary    SimulationSummary               `json:"summary"`
	Nodes      []simulation.NodeRow            `json:"nodes"`
	PodsByNode map[string][]simulation.PodView `json:"pods_by_node"`
	Logs       []state.LogEntry                `json:"logs"`
}

// SimulationSummary aggregates the per-pool stats and fleet totals.
type SimulationSummary struct {
	TotalCostDailyUSD     float64                        `json:"total_cost_daily_usd"`
	TotalCostGFWNodesUSD  float64                        `json:"total_cost_gfw_nodes_usd"`
	TotalCostKedaNodesUSD float64                        `json:"total_cost_keda_nodes_usd"`
	PoolStats             map[string]simulation.PoolStat `json:"pool_stats"`
	ProjectedPoolStats    map[string]simulation.PoolStat `json:"projected_pool_stats"`
	ProjectedTotalCostUSD float64                        `json:"projected_total_cost_usd"`
}

// PlanMoveRequest asks what a pod would need to land on a concrete node.
type PlanMoveRequest struct {
	PodID      string `json:"pod_id"`
	TargetNode string `json:"target_node"`
}

// PlanMoveResponse carries the tolerations and selector a pod needs to be
// schedulable onto the requested node and its pool.
type PlanMoveResponse struct {
	PodID                 string            `json:"pod_id"`
	OwnerKind             string            `json:"owner_kind,omitempty"`
	OwnerName             string            `json:"owner_name,omitempty"`
	CurrentReqCPUMillis   int64             `json:"current_req_cpu_m"`
	CurrentReqMemBytes    int64             `json:"current_req_mem_b"`
	SuggestedTolerations  []v1.Toleration   `json:"suggested_tolerations"`
	SuggestedNodeSelector map[string]string `json:"suggested_node_selector"`
}

// SnapshotInfo is one row of GET /snapshots.
type SnapshotInfo struct {
	ID         string `json:"id"`
	NodesCount int    `json:"nodes_count"`
	PodsCount  int    `json:"pods_count"`
	IsActive   bool   `json:"is_active"`
}

// CaptureResponse acknowledges a live capture.
type CaptureResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// RefreshPricesResponse reports the price table after an on-demand refresh.
type RefreshPricesResponse struct {
	OK            bool               `json:"ok"`
	Region        string             `json:"region"`
	InstanceTypes []string           `json:"instance_types"`
	HourlyPrices  map[string]float64 `json:"hourly_prices"`
}

func newSimulationResponse(result *simulation.Result, logs []state.LogEntry) SimulationResponse {
	if logs == nil {
		logs = []state.LogEntry{}
	}
	return SimulationResponse{
		Summary: SimulationSummary{
			TotalCostDailyUSD:     result.TotalCostDailyUSD,
			TotalCostGFWNodesUSD:  result.TotalCostGFWNodesUSD,
			TotalCostKedaNodesUSD: result.TotalCostKedaNodesUSD,
			PoolStats:             result.PoolStats,
			ProjectedPoolStats:    result.ProjectedPoolStats,
			ProjectedTotalCostUSD: result.ProjectedTotalCostUSD,
		},
		Nodes:      result.Rows,
		PodsByNode: result.PodsByNode,
		Logs:       logs,
	}
}
