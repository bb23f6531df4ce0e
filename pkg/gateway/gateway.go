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

// Package gateway serves the simulator over HTTP. Simulation reads, mutation
// batches, snapshot lifecycle, price administration and the observability
// endpoints share a single stdlib mux.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/awslabs/capsim/pkg/collector"
	"github.com/awslabs/capsim/pkg/metrics"
	"github.com/awslabs/capsim/pkg/mutation"
	"github.com/awslabs/capsim/pkg/packing"
	"github.com/awslabs/capsim/pkg/providers/pricing"
	"github.com/awslabs/capsim/pkg/scheduling"
	"github.com/awslabs/capsim/pkg/simulation"
	"github.com/awslabs/capsim/pkg/state"
	"github.com/awslabs/capsim/pkg/utils/pretty"
)

// Gateway wires the snapshot manager, the simulator and the supporting providers
// into the HTTP API.
type Gateway struct {
	manager        *state.Manager
	store          *state.Store
	collector      collector.Collector
	pricing        pricing.Provider
	captureTimeout time.Duration
	refreshTimeout time.Duration
	cm             *pretty.ChangeMonitor
}

func New(manager *state.Manager, store *state.Store, collector collector.Collector, pricing pricing.Provider, captureTimeout, refreshTimeout time.Duration) *Gateway {
	return &Gateway{
		manager:        manager,
		store:          store,
		collector:      collector,
		pricing:        pricing,
		captureTimeout: captureTimeout,
		refreshTimeout: refreshTimeout,
		cm:             pretty.NewChangeMonitor(),
	}
}

// Handler builds the route table. Every handler is instrumented with the request
// duration histogram, labeled by its registered pattern rather than the raw URL,
// and runs with a request-scoped logger carrying a request id.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.handle(mux, http.MethodGet, "/simulate", g.handleSimulate)
	g.handle(mux, http.MethodPost, "/mutate", g.handleMutate)
	g.handle(mux, http.MethodPost, "/plan_move", g.handlePlanMove)
	g.handle(mux, http.MethodGet, "/snapshots", g.handleSnapshots)
	g.handle(mux, http.MethodPost, "/snapshots/capture", g.handleCapture)
	g.handle(mux, http.MethodPost, "/snapshots/{id}/activate", g.handleActivate)
	g.handle(mux, http.MethodPost, "/admin/refresh-prices", g.handleRefreshPrices)
	g.handle(mux, http.MethodGet, "/healthz", g.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (g *Gateway) handle(mux *http.ServeMux, method, pattern string, next http.HandlerFunc) {
	mux.HandleFunc(method+" "+pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := log.IntoContext(r.Context(), log.FromContext(r.Context()).WithValues("request-id", uuid.NewString()))
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(recorder, r.WithContext(ctx))
		metrics.RequestDuration.WithLabelValues(method, pattern, strconv.Itoa(recorder.status)).Observe(time.Since(start).Seconds())
	})
}

func (g *Gateway) handleSimulate(w http.ResponseWriter, r *http.Request) {
	g.respondSimulation(w, r)
}

func (g *Gateway) handleMutate(w http.ResponseWriter, r *http.Request) {
	operations, err := decodeOperations(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	// Validated as a whole batch up front: resets interleaved in the batch apply
	// immediately, so a bad trailing op must be caught before anything runs.
	if err := mutation.Validate(operations); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	log.FromContext(r.Context()).V(1).Info("applying mutations", "operations", pretty.Concise(operations))
	if err := g.applyOperations(operations); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	g.respondSimulation(w, r)
}

func (g *Gateway) handlePlanMove(w http.ResponseWriter, r *http.Request) {
	var req PlanMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding plan request, %w", err))
		return
	}
	_, snapshot := g.manager.Active()
	if snapshot == nil {
		writeError(w, r, http.StatusInternalServerError, state.ErrNoActiveSnapshot)
		return
	}
	pod, ok := snapshot.Pods[req.PodID]
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("pod %q not found", req.PodID))
		return
	}
	node, ok := snapshot.Nodes[req.TargetNode]
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("node %q not found", req.TargetNode))
		return
	}
	taints := slices.Clone(node.Taints)
	if pool, ok := snapshot.NodePools[node.NodePool]; ok {
		taints = append(taints, pool.Taints...)
	}
	taints = lo.UniqBy(taints, pretty.Taint)
	writeJSON(w, r, http.StatusOK, PlanMoveResponse{
		PodID:                 pod.ID(),
		OwnerKind:             pod.OwnerKind,
		OwnerName:             pod.OwnerName,
		CurrentReqCPUMillis:   pod.ReqCPUMillis,
		CurrentReqMemBytes:    pod.ReqMemBytes,
		SuggestedTolerations:  lo.Map(taints, func(taint v1.Taint, _ int) v1.Toleration { return tolerationFor(taint) }),
		SuggestedNodeSelector: map[string]string{state.NodePoolLabelKey: node.NodePool},
	})
}

func (g *Gateway) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	activeID := g.manager.ActiveID()
	infos := lo.FilterMap(g.manager.List(), func(id string, _ int) (SnapshotInfo, bool) {
		snapshot, ok := g.manager.Get(id)
		if !ok {
			return SnapshotInfo{}, false
		}
		return SnapshotInfo{
			ID:         id,
			NodesCount: len(snapshot.Nodes),
			PodsCount:  len(snapshot.Pods),
			IsActive:   id == activeID,
		}, true
	})
	writeJSON(w, r, http.StatusOK, infos)
}

func (g *Gateway) handleCapture(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.captureTimeout)
	defer cancel()
	id, err := g.manager.Capture(ctx, g.collector.Capture, g.store.Save)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("capturing cluster snapshot, %w", err))
		return
	}
	g.refreshCapturedPrices(r.Context(), id)
	writeJSON(w, r, http.StatusOK, CaptureResponse{ID: id, Message: fmt.Sprintf("captured and saved as %q", id)})
}

// refreshCapturedPrices primes the price cache for instance types the
// capture may have introduced. Best effort: the capture already succeeded.
func (g *Gateway) refreshCapturedPrices(ctx context.Context, id string) {
	snapshot, ok := g.manager.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.refreshTimeout)
	defer cancel()
	if err := g.pricing.UpdatePrices(ctx, snapshot.InstanceTypes()); err != nil {
		log.FromContext(ctx).Error(err, "refreshing prices for captured snapshot", "snapshot", id)
	}
}

func (g *Gateway) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.manager.SetActive(id); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "active": id})
}

func (g *Gateway) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	_, snapshot := g.manager.Active()
	if snapshot == nil {
		writeError(w, r, http.StatusInternalServerError, state.ErrNoActiveSnapshot)
		return
	}
	instanceTypes := snapshot.InstanceTypes()
	ctx, cancel := context.WithTimeout(r.Context(), g.refreshTimeout)
	defer cancel()
	if err := g.pricing.UpdatePrices(ctx, instanceTypes); err != nil {
		writeError(w, r, http.StatusBadGateway, fmt.Errorf("refreshing prices, %w", err))
		return
	}
	hourly := map[string]float64{}
	for _, instanceType := range instanceTypes {
		if price, ok := g.pricing.OnDemandPrice(instanceType); ok {
			hourly[instanceType] = price
		}
	}
	writeJSON(w, r, http.StatusOK, RefreshPricesResponse{
		OK:            true,
		Region:        g.pricing.Region(),
		InstanceTypes: instanceTypes,
		HourlyPrices:  hourly,
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := g.pricing.LivenessProbe(r); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// respondSimulation runs the simulator against the active snapshot and writes the
// full response, refreshing the simulation gauges along the way.
func (g *Gateway) respondSimulation(w http.ResponseWriter, r *http.Request) {
	_, snapshot := g.manager.Active()
	if snapshot == nil {
		writeError(w, r, http.StatusInternalServerError, state.ErrNoActiveSnapshot)
		return
	}
	result, err := simulation.Run(snapshot, g.pricing)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	g.logPlacementViolations(r.Context(), snapshot)
	publishSimulationMetrics(snapshot, result)
	writeJSON(w, r, http.StatusOK, newSimulationResponse(result, g.manager.Logs(0)))
}

// logPlacementViolations reports pods whose assigned node fails their own
// constraints. Violations never block a layout; they log at V(1) when the set
// changes.
func (g *Gateway) logPlacementViolations(ctx context.Context, snapshot *state.Snapshot) {
	violations := scheduling.CheckPlacements(snapshot)
	if len(violations) == 0 || !g.cm.HasChanged("placement-violations", violations) {
		return
	}
	summaries := lo.MapValues(violations, func(reasons []string, _ string) string {
		return strings.Join(reasons, "; ")
	})
	log.FromContext(ctx).V(1).Info("placement violations", "pods", len(violations), "violations", pretty.Map(summaries, 5))
}

// applyOperations pushes operation batches through the manager. Reset operations
// rebuild the working copy from the baseline, so batches are flushed around them to
// preserve order.
func (g *Gateway) applyOperations(operations []mutation.Operation) error {
	var chunk []mutation.Operation
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		batch := chunk
		chunk = nil
		_, err := g.manager.Apply(func(active *state.Snapshot) (*state.Snapshot, []state.LogEntry, error) {
			return mutation.Apply(active, batch)
		})
		return err
	}
	for _, operation := range operations {
		if operation.Op == mutation.OpResetToBaseline {
			if err := flush(); err != nil {
				return err
			}
			if err := g.manager.Reset(); err != nil {
				return err
			}
			continue
		}
		chunk = append(chunk, operation)
	}
	return flush()
}

// decodeOperations accepts both the batch form {"operations": [...]} and a bare
// operation object.
func decodeOperations(body io.Reader) ([]mutation.Operation, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading request body, %w", err)
	}
	var batch struct {
		Operations []mutation.Operation `json:"operations"`
	}
	if err := json.Unmarshal(payload, &batch); err == nil && batch.Operations != nil {
		return batch.Operations, nil
	}
	var single mutation.Operation
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("decoding mutation request, %w", err)
	}
	if single.Op == "" {
		return nil, fmt.Errorf("mutation request requires an op")
	}
	return []mutation.Operation{single}, nil
}

func tolerationFor(taint v1.Taint) v1.Toleration {
	if taint.Value == "" {
		return v1.Toleration{Key: taint.Key, Operator: v1.TolerationOpExists, Effect: taint.Effect}
	}
	return v1.Toleration{Key: taint.Key, Operator: v1.TolerationOpEqual, Value: taint.Value, Effect: taint.Effect}
}

func publishSimulationMetrics(snapshot *state.Snapshot, result *simulation.Result) {
	metrics.PoolDailyCost.Reset()
	metrics.TotalDailyCost.Reset()
	metrics.NodeCount.Reset()
	for pool, stat := range result.PoolStats {
		metrics.PoolDailyCost.WithLabelValues(pool, metrics.ProjectionActual).Set(stat.Cost)
	}
	for pool, stat := range result.ProjectedPoolStats {
		metrics.PoolDailyCost.WithLabelValues(pool, metrics.ProjectionProjected).Set(stat.Cost)
	}
	metrics.TotalDailyCost.WithLabelValues(metrics.ProjectionActual).Set(result.TotalCostDailyUSD)
	metrics.TotalDailyCost.WithLabelValues(metrics.ProjectionProjected).Set(result.ProjectedTotalCostUSD)
	counts := lo.CountValuesBy(result.Rows, func(row simulation.NodeRow) lo.Tuple2[string, bool] {
		return lo.T2(row.NodePool, row.IsVirtual)
	})
	for key, count := range counts {
		metrics.NodeCount.WithLabelValues(key.A, strconv.FormatBool(key.B)).Set(float64(count))
	}
	metrics.PendingPods.Set(float64(lo.CountBy(snapshot.PendingPods(), func(pod *state.Pod) bool {
		return pod.NodeSelector[state.NodePoolLabelKey] == ""
	})))
}

func statusFor(err error) int {
	switch {
	case mutation.IsValidationError(err), packing.IsNoTemplateError(err):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrSnapshotNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.FromContext(r.Context()).Error(err, "encoding response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	writeJSON(w, r, code, map[string]string{"error": err.Error()})
}

// statusRecorder captures the status a handler commits so it can label the request
// duration histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
