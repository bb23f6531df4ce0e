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

// Package operator assembles the simulator from configuration: the snapshot
// store and manager, the pricing provider, the live-cluster collector and the
// HTTP gateway.
package operator

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/awslabs/capsim/pkg/collector"
	"github.com/awslabs/capsim/pkg/gateway"
	"github.com/awslabs/capsim/pkg/operator/options"
	"github.com/awslabs/capsim/pkg/providers/pricing"
	"github.com/awslabs/capsim/pkg/state"
)

// Operator holds the initialized simulator components.
type Operator struct {
	Manager         *state.Manager
	Store           *state.Store
	Collector       collector.Collector
	PricingProvider pricing.Provider
	Gateway         *gateway.Gateway
}

// NewOperator assembles the simulator. Only errors that leave it unable to
// serve at all are fatal; a bad baseline file, an unreachable cluster or an
// unreachable pricing endpoint degrade the affected feature and are logged.
func NewOperator(ctx context.Context) *Operator {
	opts := options.FromContext(ctx)

	store, err := state.NewStore(opts.SnapshotsDir)
	if err != nil {
		log.FromContext(ctx).Error(err, "creating snapshot store")
		os.Exit(1)
	}
	manager := state.NewManager(clock.RealClock{})
	loadBaseline(ctx, manager, opts.BaselineFile)
	loadPersisted(ctx, manager, store)

	pricingProvider := newPricingProvider(ctx, opts)
	refreshPrices(ctx, manager, pricingProvider, opts.PriceRefreshTimeout)
	cluster := newCollector(ctx, opts)

	return &Operator{
		Manager:         manager,
		Store:           store,
		Collector:       cluster,
		PricingProvider: pricingProvider,
		Gateway:         gateway.New(manager, store, cluster, pricingProvider, opts.CaptureTimeout, opts.PriceRefreshTimeout),
	}
}

// loadBaseline registers the baseline snapshot and activates a working copy
// derived from it. A bad baseline file is not fatal: the simulator can still
// serve persisted snapshots and new captures.
func loadBaseline(ctx context.Context, manager *state.Manager, path string) {
	if path == "" {
		return
	}
	baseline, err := state.LoadSnapshotFile(path)
	if err != nil {
		log.FromContext(ctx).Error(err, "loading baseline snapshot", "path", path)
		return
	}
	manager.Add(state.BaselineID, baseline)
	manager.Add(state.WorkingCopyID, baseline.DeepCopy())
	lo.Must0(manager.SetActive(state.WorkingCopyID))
	log.FromContext(ctx).Info("loaded baseline snapshot",
		"path", path, "nodes", len(baseline.Nodes), "pods", len(baseline.Pods))
}

// loadPersisted registers snapshots captured by previous runs. Corrupt files
// were already skipped by the store, and registration never steals the active
// snapshot once one is set.
func loadPersisted(ctx context.Context, manager *state.Manager, store *state.Store) {
	snapshots, err := store.LoadAll(ctx)
	if err != nil {
		log.FromContext(ctx).Error(err, "loading persisted snapshots")
		return
	}
	for _, id := range sets.List(sets.KeySet(snapshots)) {
		manager.Add(id, snapshots[id])
	}
	if len(snapshots) > 0 {
		log.FromContext(ctx).Info("loaded persisted snapshots", "count", len(snapshots))
	}
}

// newPricingProvider builds the price oracle. An unresolvable AWS config is
// not fatal: refreshes fail as transient until the environment is fixed, and
// file or static prices keep simulations running in the meantime.
func newPricingProvider(ctx context.Context, opts *options.Options) *pricing.DefaultProvider {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.FromContext(ctx).Error(err, "loading AWS configuration")
		cfg = aws.Config{}
	}
	provider := pricing.NewDefaultProvider(ctx, pricing.NewAPI(cfg, opts.Region), opts.Region)
	if opts.PricesFile != "" {
		if err := provider.LoadFile(opts.PricesFile); err != nil {
			log.FromContext(ctx).Error(err, "loading prices file", "path", opts.PricesFile)
		} else {
			log.FromContext(ctx).Info("loaded prices file", "path", opts.PricesFile)
		}
	}
	return provider
}

// refreshPrices primes the price table for the active snapshot's instance
// types. Best effort: simulations fall back to file or static prices until a
// refresh succeeds.
func refreshPrices(ctx context.Context, manager *state.Manager, provider pricing.Provider, timeout time.Duration) {
	_, snapshot := manager.Active()
	if snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := provider.UpdatePrices(ctx, snapshot.InstanceTypes()); err != nil {
		log.FromContext(ctx).Error(err, "refreshing prices")
	}
}

// newCollector wires the live-cluster collector. Without a resolvable cluster
// configuration the simulator still serves snapshots; captures fail with the
// configuration error instead.
func newCollector(ctx context.Context, opts *options.Options) collector.Collector {
	restConfig, err := collector.RestConfig(opts.Kubeconfig, opts.KubeContext)
	if err != nil {
		log.FromContext(ctx).Error(err, "resolving cluster configuration, live captures disabled")
		return collector.Unavailable(err)
	}
	kubernetesClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.FromContext(ctx).Error(err, "creating kubernetes client, live captures disabled")
		return collector.Unavailable(err)
	}
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		log.FromContext(ctx).Error(err, "creating dynamic client, live captures disabled")
		return collector.Unavailable(err)
	}
	return collector.NewDefaultCollector(kubernetesClient, dynamicClient)
}
