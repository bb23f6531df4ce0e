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

package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	v1 "k8s.io/api/core/v1"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/awslabs/capsim/pkg/gateway"
	"github.com/awslabs/capsim/pkg/simulation"
	"github.com/awslabs/capsim/pkg/state"
	"github.com/awslabs/capsim/pkg/test"
)

const (
	mediumPrice = 0.0376
	largePrice  = 0.0752
)

var (
	clk      *clocktesting.FakeClock
	manager  *state.Manager
	store    *state.Store
	storeDir string
	prices   *fakePricing
	cluster  *fakeCollector
	handler  http.Handler
)

type fakePricing struct {
	region    string
	table     map[string]float64
	refreshed [][]string
	fail      bool
	probeErr  error
}

func (p *fakePricing) LivenessProbe(_ *http.Request) error { return p.probeErr }

func (p *fakePricing) InstanceTypes() []string { return lo.Keys(p.table) }

func (p *fakePricing) OnDemandPrice(instanceType string) (float64, bool) {
	price, ok := p.table[instanceType]
	return price, ok
}

func (p *fakePricing) UpdatePrices(_ context.Context, instanceTypes []string) error {
	if p.fail {
		return errors.New("pricing api unreachable")
	}
	p.refreshed = append(p.refreshed, instanceTypes)
	return nil
}

func (p *fakePricing) Region() string { return p.region }

type fakeCollector struct {
	snapshot *state.Snapshot
	err      error
}

func (c *fakeCollector) Capture(_ context.Context) (*state.Snapshot, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.snapshot.DeepCopy(), nil
}

var _ = Describe("Gateway", func() {
	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Unix(1700000000, 0))
		manager = state.NewManager(clk)

		baseline := test.Snapshot(
			[]*state.NodePool{
				test.NodePool(state.NodePool{Name: "general"}),
				test.NodePool(state.NodePool{
					Name:   "gpu",
					Taints: []v1.Taint{{Key: "dedicated", Value: "gpu", Effect: v1.TaintEffectNoSchedule}},
				}),
			},
			[]*state.Node{
				test.Node(state.Node{
					Name: "general-1", NodePool: "general", InstanceType: "t3a.large",
					AllocCPUMillis: 2000, AllocMemBytes: test.GiB(8),
				}),
				test.Node(state.Node{
					Name: "gpu-1", NodePool: "gpu", InstanceType: "t3a.medium",
					AllocCPUMillis: 2000, AllocMemBytes: test.GiB(4),
					Taints: []v1.Taint{
						{Key: "dedicated", Value: "gpu", Effect: v1.TaintEffectNoSchedule},
						{Key: "maintenance", Effect: v1.TaintEffectNoExecute},
					},
				}),
			},
			[]*state.Pod{
				test.Pod(state.Pod{
					Name: "web-1", Namespace: "default", Node: "general-1",
					OwnerKind: "ReplicaSet", OwnerName: "web-abc1234",
					ReqCPUMillis: 500, ReqMemBytes: test.GiB(1), IsGFW: true,
				}),
				test.Pod(state.Pod{
					Name: "train-1", Namespace: "ml", Node: "gpu-1",
					OwnerKind: "ReplicaSet", OwnerName: "train-abc1234",
					ReqCPUMillis: 1000, ReqMemBytes: test.GiB(2),
					Tolerations: []v1.Toleration{
						{Key: "dedicated", Operator: v1.TolerationOpEqual, Value: "gpu", Effect: v1.TaintEffectNoSchedule},
						{Key: "maintenance", Operator: v1.TolerationOpExists},
					},
				}),
			},
		)
		manager.Add(state.BaselineID, baseline)
		manager.Add(state.WorkingCopyID, baseline.DeepCopy())
		Expect(manager.SetActive(state.WorkingCopyID)).To(Succeed())

		var err error
		storeDir = GinkgoT().TempDir()
		store, err = state.NewStore(storeDir)
		Expect(err).ToNot(HaveOccurred())

		prices = &fakePricing{
			region: "eu-central-1",
			table:  map[string]float64{"t3a.medium": mediumPrice, "t3a.large": largePrice},
		}
		cluster = &fakeCollector{snapshot: baseline.DeepCopy()}
		handler = gateway.New(manager, store, cluster, prices, 45*time.Second, 20*time.Second).Handler()
	})

	Context("Simulate", func() {
		It("should project the active snapshot", func() {
			rec := get("/simulate")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			resp := decode[gateway.SimulationResponse](rec)
			Expect(resp.Nodes).To(HaveLen(2))

			general := rowNamed(resp, "general-1")
			Expect(general.NodePool).To(Equal("general"))
			Expect(general.Instance).To(Equal("t3a.large"))
			Expect(general.CostDailyUSD).To(BeNumerically("~", largePrice*24, 1e-9))
			Expect(general.IsVirtual).To(BeFalse())

			Expect(resp.Summary.PoolStats).To(HaveLen(2))
			Expect(resp.Summary.PoolStats["gpu"].NodesCount).To(Equal(1))
			Expect(resp.Summary.PoolStats["gpu"].Cost).To(BeNumerically("~", mediumPrice*24, 1e-9))
			Expect(resp.Summary.TotalCostDailyUSD).To(BeNumerically("~", (largePrice+mediumPrice)*24, 1e-9))
			Expect(resp.Summary.ProjectedTotalCostUSD).To(BeNumerically("~", (largePrice+mediumPrice)*24, 1e-9))
			Expect(resp.Summary.TotalCostGFWNodesUSD).To(BeNumerically("~", largePrice*24, 1e-9))
			Expect(resp.Summary.TotalCostKedaNodesUSD).To(BeZero())

			Expect(resp.PodsByNode).To(HaveKey("general-1"))
			views := resp.PodsByNode["general-1"]
			Expect(views).To(HaveLen(1))
			Expect(views[0].PodID).To(Equal("default/web-1"))
			Expect(views[0].IsGFW).To(BeTrue())

			Expect(resp.Logs).To(BeEmpty())
		})
		It("should fail when no snapshot is active", func() {
			manager = state.NewManager(clk)
			handler = gateway.New(manager, store, cluster, prices, time.Minute, time.Minute).Handler()

			rec := get("/simulate")
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(errorBody(rec)).To(ContainSubstring("no active snapshot"))
		})
	})

	Context("Mutate", func() {
		It("should apply a single bare operation and persist it", func() {
			rec := do(http.MethodPost, "/mutate", map[string]any{
				"op": "delete_pods", "pod_ids": []string{"default/web-1"},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode[gateway.SimulationResponse](rec)
			Expect(resp.Nodes).To(HaveLen(1))
			Expect(resp.Nodes[0].Node).To(Equal("gpu-1"))
			Expect(resp.Logs).To(HaveLen(1))
			Expect(resp.Logs[0].Message).To(Equal("delete_pods: 1 pods removed"))
			Expect(resp.Logs[0].Details).To(HaveKeyWithValue("op", "delete_pods"))

			again := decode[gateway.SimulationResponse](get("/simulate"))
			Expect(again.Nodes).To(HaveLen(1))
		})
		It("should apply a batch in order and synthesize capacity", func() {
			rec := do(http.MethodPost, "/mutate", map[string]any{
				"operations": []map[string]any{
					{"op": "patch_pods", "pod_ids": []string{"default/web-1"}, "req_cpu_m": 1500},
					{"op": "move_pods_to_pool", "pod_ids": []string{"default/web-1"}, "target_pool": "gpu"},
				},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode[gateway.SimulationResponse](rec)
			Expect(resp.Nodes).To(HaveLen(2))

			virtual := rowNamed(resp, "gpu-t3a.medium-virt-1")
			Expect(virtual.IsVirtual).To(BeTrue())
			Expect(virtual.Instance).To(Equal("t3a.medium"))
			Expect(virtual.SumReqCPUMillis).To(Equal(int64(1500)))
			Expect(virtual.CostDailyUSD).To(BeNumerically("~", mediumPrice*24, 1e-9))
			Expect(resp.PodsByNode["gpu-t3a.medium-virt-1"]).To(HaveLen(1))
			Expect(resp.PodsByNode["gpu-t3a.medium-virt-1"][0].PodID).To(Equal("default/web-1"))

			Expect(resp.Summary.PoolStats).To(HaveLen(1))
			Expect(resp.Summary.PoolStats["gpu"].NodesCount).To(Equal(1))
			Expect(resp.Summary.PoolStats["gpu"].Cost).To(BeNumerically("~", mediumPrice*24, 1e-9))
			Expect(resp.Summary.ProjectedPoolStats["gpu"].NodesCount).To(Equal(2))
			Expect(resp.Summary.ProjectedPoolStats["gpu"].Cost).To(BeNumerically("~", 2*mediumPrice*24, 1e-9))

			Expect(resp.Logs).To(HaveLen(2))
			Expect(resp.Logs[0].Message).To(Equal("move_pods_to_pool: 1 pods -> gpu"))
			Expect(resp.Logs[1].Message).To(Equal("patch_pods: 1 pods patched"))
		})
		It("should reject an unknown op", func() {
			rec := do(http.MethodPost, "/mutate", map[string]any{"op": "explode"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(errorBody(rec)).To(ContainSubstring(`unknown op "explode"`))
		})
		It("should reject malformed payloads", func() {
			Expect(doRaw(http.MethodPost, "/mutate", "{not json").Code).To(Equal(http.StatusBadRequest))
			Expect(doRaw(http.MethodPost, "/mutate", "{}").Code).To(Equal(http.StatusBadRequest))
		})
		It("should surface the template error for a move into an empty pool", func() {
			rec := do(http.MethodPost, "/mutate", map[string]any{
				"op": "move_pods_to_pool", "pod_ids": []string{"default/web-1"}, "target_pool": "ghost",
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(errorBody(rec)).To(ContainSubstring(`pool "ghost"`))

			// The mutation itself is valid and sticks until the user resets.
			Expect(get("/simulate").Code).To(Equal(http.StatusBadRequest))
			rec = do(http.MethodPost, "/mutate", map[string]any{"op": "reset_to_baseline"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode[gateway.SimulationResponse](rec).Nodes).To(HaveLen(2))
		})
		It("should split batches around a reset", func() {
			rec := do(http.MethodPost, "/mutate", map[string]any{
				"operations": []map[string]any{
					{"op": "delete_pods", "pod_ids": []string{"default/web-1"}},
					{"op": "reset_to_baseline"},
					{"op": "delete_pods", "pod_ids": []string{"ml/train-1"}},
				},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode[gateway.SimulationResponse](rec)
			Expect(resp.Nodes).To(HaveLen(1))
			Expect(resp.Nodes[0].Node).To(Equal("general-1"))
			Expect(manager.ActiveID()).To(Equal(state.WorkingCopyID))

			// The reset wiped the trail; only what came after survives.
			Expect(resp.Logs).To(HaveLen(2))
			Expect(resp.Logs[0].Message).To(Equal("delete_pods: 1 pods removed"))
			Expect(resp.Logs[1].Message).To(ContainSubstring("restored from baseline"))
		})
		It("should reject a bad batch without applying any of it", func() {
			rec := do(http.MethodPost, "/mutate", map[string]any{
				"operations": []map[string]any{
					{"op": "delete_pods", "pod_ids": []string{"default/web-1"}},
					{"op": "reset_to_baseline"},
					{"op": "move_pods_to_pool", "pod_ids": []string{"ml/train-1"}, "target_pool": "   "},
				},
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(errorBody(rec)).To(ContainSubstring("empty after normalization"))

			// Neither the delete nor the interleaved reset ran.
			resp := decode[gateway.SimulationResponse](get("/simulate"))
			Expect(resp.Nodes).To(HaveLen(2))
			Expect(resp.Logs).To(BeEmpty())
		})
	})

	Context("PlanMove", func() {
		It("should suggest tolerations and the pool selector", func() {
			rec := do(http.MethodPost, "/plan_move", map[string]any{
				"pod_id": "default/web-1", "target_node": "gpu-1",
			})
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode[gateway.PlanMoveResponse](rec)
			Expect(resp.PodID).To(Equal("default/web-1"))
			Expect(resp.OwnerKind).To(Equal("ReplicaSet"))
			Expect(resp.OwnerName).To(Equal("web-abc1234"))
			Expect(resp.CurrentReqCPUMillis).To(Equal(int64(500)))
			Expect(resp.CurrentReqMemBytes).To(Equal(test.GiB(1)))
			Expect(resp.SuggestedNodeSelector).To(Equal(map[string]string{"karpenter.sh/nodepool": "gpu"}))
			// Node and pool taints overlap on dedicated=gpu; the duplicate collapses.
			Expect(resp.SuggestedTolerations).To(ConsistOf(
				v1.Toleration{Key: "dedicated", Operator: v1.TolerationOpEqual, Value: "gpu", Effect: v1.TaintEffectNoSchedule},
				v1.Toleration{Key: "maintenance", Operator: v1.TolerationOpExists, Effect: v1.TaintEffectNoExecute},
			))
		})
		It("should return 404 for an unknown pod or node", func() {
			rec := do(http.MethodPost, "/plan_move", map[string]any{"pod_id": "default/nope", "target_node": "gpu-1"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			rec = do(http.MethodPost, "/plan_move", map[string]any{"pod_id": "default/web-1", "target_node": "nope"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("Snapshots", func() {
		It("should list snapshots with the active flag", func() {
			rec := get("/snapshots")
			Expect(rec.Code).To(Equal(http.StatusOK))

			infos := decode[[]gateway.SnapshotInfo](rec)
			Expect(infos).To(ConsistOf(
				gateway.SnapshotInfo{ID: state.BaselineID, NodesCount: 2, PodsCount: 2, IsActive: false},
				gateway.SnapshotInfo{ID: state.WorkingCopyID, NodesCount: 2, PodsCount: 2, IsActive: true},
			))
		})
		It("should capture the live cluster and persist it", func() {
			rec := doRaw(http.MethodPost, "/snapshots/capture", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode[gateway.CaptureResponse](rec)
			Expect(resp.ID).To(Equal("live-1700000000"))
			Expect(resp.Message).To(ContainSubstring(resp.ID))

			_, err := os.Stat(filepath.Join(storeDir, resp.ID+".json"))
			Expect(err).ToNot(HaveOccurred())

			infos := decode[[]gateway.SnapshotInfo](get("/snapshots"))
			Expect(infos).To(HaveLen(3))
			// Capturing registers the snapshot but never activates it.
			Expect(manager.ActiveID()).To(Equal(state.WorkingCopyID))
			// A capture primes prices for any instance types it introduced.
			Expect(prices.refreshed).To(HaveLen(1))
			Expect(prices.refreshed[0]).To(ConsistOf("t3a.large", "t3a.medium"))
		})
		It("should fail the capture without touching state", func() {
			cluster.err = errors.New("cluster unreachable")

			rec := doRaw(http.MethodPost, "/snapshots/capture", "")
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(errorBody(rec)).To(ContainSubstring("cluster unreachable"))
			Expect(manager.List()).To(HaveLen(2))
		})
		It("should activate a snapshot by id", func() {
			rec := doRaw(http.MethodPost, "/snapshots/baseline/activate", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode[map[string]string](rec)).To(Equal(map[string]string{"status": "ok", "active": "baseline"}))
			Expect(manager.ActiveID()).To(Equal(state.BaselineID))
		})
		It("should return 404 activating an unknown snapshot", func() {
			rec := doRaw(http.MethodPost, "/snapshots/nope/activate", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(errorBody(rec)).To(ContainSubstring("snapshot not found"))
		})
	})

	Context("RefreshPrices", func() {
		It("should refresh the active snapshot's instance types", func() {
			rec := doRaw(http.MethodPost, "/admin/refresh-prices", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode[gateway.RefreshPricesResponse](rec)
			Expect(resp.OK).To(BeTrue())
			Expect(resp.Region).To(Equal("eu-central-1"))
			Expect(resp.InstanceTypes).To(Equal([]string{"t3a.large", "t3a.medium"}))
			Expect(resp.HourlyPrices).To(HaveKeyWithValue("t3a.large", largePrice))
			Expect(resp.HourlyPrices).To(HaveKeyWithValue("t3a.medium", mediumPrice))

			Expect(prices.refreshed).To(HaveLen(1))
			Expect(prices.refreshed[0]).To(Equal([]string{"t3a.large", "t3a.medium"}))
		})
		It("should return 502 when the refresh fails", func() {
			prices.fail = true

			rec := doRaw(http.MethodPost, "/admin/refresh-prices", "")
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(errorBody(rec)).To(ContainSubstring("refreshing prices"))
		})
	})

	Context("Observability", func() {
		It("should report liveness", func() {
			rec := get("/healthz")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode[map[string]string](rec)).To(HaveKeyWithValue("status", "ok"))
		})
		It("should fail liveness when a provider probe fails", func() {
			prices.probeErr = errors.New("pricing not primed")

			rec := get("/healthz")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(errorBody(rec)).To(ContainSubstring("pricing not primed"))
		})
		It("should expose simulation gauges and request timings", func() {
			Expect(get("/simulate").Code).To(Equal(http.StatusOK))

			rec := get("/metrics")
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := rec.Body.String()
			Expect(body).To(ContainSubstring("capsim_simulation_total_daily_cost_usd"))
			Expect(body).To(ContainSubstring(`capsim_simulation_nodes{nodepool="general",virtual="false"} 1`))
			Expect(body).To(ContainSubstring("capsim_gateway_request_duration_seconds"))
		})
	})
})

func get(target string) *httptest.ResponseRecorder {
	GinkgoHelper()
	return doRaw(http.MethodGet, target, "")
}

func do(method, target string, body any) *httptest.ResponseRecorder {
	GinkgoHelper()
	payload, err := json.Marshal(body)
	Expect(err).ToNot(HaveOccurred())
	return doRaw(method, target, string(payload))
}

func doRaw(method, target, body string) *httptest.ResponseRecorder {
	GinkgoHelper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](rec *httptest.ResponseRecorder) T {
	GinkgoHelper()
	var out T
	Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
	return out
}

func errorBody(rec *httptest.ResponseRecorder) string {
	GinkgoHelper()
	return decode[map[string]string](rec)["error"]
}

func rowNamed(resp gateway.SimulationResponse, name string) simulation.NodeRow {
	GinkgoHelper()
	row, ok := lo.Find(resp.Nodes, func(r simulation.NodeRow) bool { return r.Node == name })
	Expect(ok).To(BeTrue(), "expected a row for node %s", name)
	return row
}
