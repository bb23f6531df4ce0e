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

package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	sdk "github.com/awslabs/capsim/pkg/aws"
	"github.com/awslabs/capsim/pkg/utils/pretty"
)

const (
	sourceStatic     = "static"
	sourcePricingAPI = "pricing-api"
	sourceFile       = "file"
)

type Provider interface {
	LivenessProbe(*http.Request) error
	InstanceTypes() []string
	OnDemandPrice(instanceType string) (float64, bool)
	UpdatePrices(ctx context.Context, instanceTypes []string) error
	Region() string
}

// DefaultProvider provides hourly on-demand prices to the simulator so it can project
// daily cost. It is initialized from a compiled-in price list to support running in
// locations where pricing data is unavailable; in those cases the static data still
// provides a relative ordering of instance types. In the event that a pricing update
// fails, the previous pricing information is retained.
type DefaultProvider struct {
	pricingAPI sdk.PricingAPI
	region     string
	cm         *pretty.ChangeMonitor

	mu             sync.RWMutex
	onDemandPrices map[string]float64
	sources        map[string]string
}

func NewDefaultProvider(_ context.Context, pricingAPI sdk.PricingAPI, region string) *DefaultProvider {
	p := &DefaultProvider{
		region:     region,
		pricingAPI: pricingAPI,
		cm:         pretty.NewChangeMonitor(),
	}
	// sets the pricing data from the static default state for the provider
	p.Reset()
	return p
}

// NewAPI returns a Pricing API client for a deployment region. The pricing service
// only has an endpoint in a few regions, so the client region maps to the nearest one.
func NewAPI(cfg aws.Config, region string) *pricing.Client {
	return pricing.NewFromConfig(cfg, func(o *pricing.Options) {
		o.Region = pricingAPIRegion(region)
	})
}

func pricingAPIRegion(region string) string {
	switch {
	case strings.HasPrefix(region, "eu-"):
		return "eu-central-1"
	case strings.HasPrefix(region, "ap-"), strings.HasPrefix(region, "cn-"):
		return "ap-south-1"
	default:
		return "us-east-1"
	}
}

func (p *DefaultProvider) Region() string {
	return p.region
}

// InstanceTypes returns the list of all instance types for which a price is known.
func (p *DefaultProvider) InstanceTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lo.Keys(p.onDemandPrices)
}

// OnDemandPrice returns the last known on-demand price for a given instance type,
// returning false if there is no known pricing for the instance type. Callers render
// unknown prices as zero cost and flag the row rather than failing the simulation.
func (p *DefaultProvider) OnDemandPrice(instanceType string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.onDemandPrices[instanceType]
	if !ok {
		return 0.0, false
	}
	return price, true
}

// UpdatePrices refreshes the hourly on-demand price of the given instance types from
// the Pricing API. Partial results merge into the table and instance types the API
// returns nothing for keep their previous price; only a refresh that produces no
// prices at all is an error, and the table is left untouched in that case.
func (p *DefaultProvider) UpdatePrices(ctx context.Context, instanceTypes []string) error {
	location, ok := regionLocations[p.region]
	if !ok {
		return fmt.Errorf("no pricing location known for region %q", p.region)
	}
	instanceTypes = lo.Uniq(lo.Compact(instanceTypes))
	sort.Strings(instanceTypes)
	if len(instanceTypes) == 0 {
		return nil
	}

	fetched := map[string]float64{}
	var errs error
	for _, instanceType := range instanceTypes {
		price, err := p.fetchOnDemandPrice(ctx, instanceType, location)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("instance type %q, %w", instanceType, err))
			continue
		}
		if price > 0 {
			fetched[instanceType] = price
		}
	}
	if len(fetched) == 0 {
		if errs != nil {
			return fmt.Errorf("retrieving on-demand pricing data, %w", errs)
		}
		return fmt.Errorf("no on-demand pricing found")
	}
	if errs != nil {
		log.FromContext(ctx).V(1).Info("partial on-demand pricing update",
			"missing-count", len(instanceTypes)-len(fetched), "error", errs.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for instanceType, price := range fetched {
		p.onDemandPrices[instanceType] = price
		p.sources[instanceType] = sourcePricingAPI
	}
	p.publishMetrics()
	if p.cm.HasChanged("on-demand-prices", p.onDemandPrices) {
		log.FromContext(ctx).V(1).Info("updated on-demand pricing", "instance-type-count", len(p.onDemandPrices))
	}
	return nil
}

func (p *DefaultProvider) fetchOnDemandPrice(ctx context.Context, instanceType string, location string) (float64, error) {
	filters := []types.Filter{
		{Field: aws.String("instanceType"), Type: types.FilterTypeTermMatch, Value: aws.String(instanceType)},
		{Field: aws.String("location"), Type: types.FilterTypeTermMatch, Value: aws.String(location)},
		{Field: aws.String("operatingSystem"), Type: types.FilterTypeTermMatch, Value: aws.String("Linux")},
		{Field: aws.String("preInstalledSw"), Type: types.FilterTypeTermMatch, Value: aws.String("NA")},
		{Field: aws.String("tenancy"), Type: types.FilterTypeTermMatch, Value: aws.String("Shared")},
		{Field: aws.String("capacitystatus"), Type: types.FilterTypeTermMatch, Value: aws.String("Used")},
	}
	var out *pricing.GetProductsOutput
	if err := retry.Do(
		func() (err error) {
			out, err = p.pricingAPI.GetProducts(ctx, &pricing.GetProductsInput{
				ServiceCode:   aws.String("AmazonEC2"),
				FormatVersion: aws.String("aws_v1"),
				Filters:       filters,
				MaxResults:    aws.Int32(1),
			})
			return err
		},
		retry.Delay(200*time.Millisecond),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(isTransient),
	); err != nil {
		return 0, err
	}
	return parseOnDemandPrice(instanceType, out.PriceList)
}

// isTransient reports whether a Pricing API call is worth retrying. Throttles and
// server faults can clear up on their own; auth and validation failures cannot.
func isTransient(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "RequestLimitExceeded", "ServiceUnavailable", "InternalFailure":
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}

// priceItem isn't the full pricing document, just the portions we care about.
type priceItem struct {
	Product struct {
		Attributes struct {
			InstanceType string
		}
	}
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string
				PricePerUnit map[string]string
			}
		}
	}
}

func parseOnDemandPrice(instanceType string, priceList []string) (float64, error) {
	for _, doc := range priceList {
		var item priceItem
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return 0, fmt.Errorf("parsing price list document, %w", err)
		}
		if item.Product.Attributes.InstanceType != instanceType {
			continue
		}
		for _, term := range item.Terms.OnDemand {
			for _, dim := range term.PriceDimensions {
				// don't mistake a GB-Mo dimension for an hourly rate
				if dim.Unit != "" && dim.Unit != "Hrs" && dim.Unit != "Hour" {
					continue
				}
				price, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
				if err != nil || price == 0 {
					continue
				}
				return price, nil
			}
		}
	}
	return 0, nil
}

type pricesFile struct {
	Region       string             `json:"region"`
	Prices       map[string]float64 `json:"prices"`
	HourlyPrices map[string]float64 `json:"hourly_prices"`
}

// Load replaces the price table with the contents of an exported prices file, JSON of
// the form {"region": ..., "prices": {instanceType: usdPerHour}}. hourly_prices is
// accepted as an alias for prices.
func (p *DefaultProvider) Load(r io.Reader) error {
	file := &pricesFile{}
	if err := json.NewDecoder(r).Decode(file); err != nil {
		return fmt.Errorf("parsing prices file, %w", err)
	}
	prices := file.Prices
	if len(prices) == 0 {
		prices = file.HourlyPrices
	}
	if len(prices) == 0 {
		return fmt.Errorf("prices file contains no prices")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDemandPrices = prices
	p.sources = map[string]string{}
	for instanceType := range prices {
		p.sources[instanceType] = sourceFile
	}
	p.publishMetrics()
	return nil
}

func (p *DefaultProvider) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening prices file, %w", err)
	}
	defer f.Close()
	return p.Load(f)
}

// Reset restores the compiled-in price list.
func (p *DefaultProvider) Reset() {
	// see if we've got region specific pricing data
	staticPricing, ok := initialOnDemandPrices[p.region]
	if !ok {
		// and if not, fall back to the region the defaults were captured in
		staticPricing = initialOnDemandPrices[defaultPricesRegion]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// copy, since updates merge into the live table
	p.onDemandPrices = lo.Assign(staticPricing)
	p.sources = map[string]string{}
	for instanceType := range staticPricing {
		p.sources[instanceType] = sourceStatic
	}
	p.publishMetrics()
}

func (p *DefaultProvider) LivenessProbe(_ *http.Request) error {
	// ensure we don't deadlock and nolint for the empty critical section
	p.mu.Lock()
	//nolint: staticcheck
	p.mu.Unlock()
	return nil
}

// publishMetrics mirrors the price table into the estimate gauge. Callers hold p.mu.
func (p *DefaultProvider) publishMetrics() {
	InstancePriceEstimate.Reset()
	for instanceType, price := range p.onDemandPrices {
		InstancePriceEstimate.WithLabelValues(instanceType, p.region, p.sources[instanceType]).Set(price)
	}
}
