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

package options

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/awslabs/capsim/pkg/utils/env"
)

type optionsKey struct{}

// Options for running this binary
type Options struct {
	*flag.FlagSet

	ListenAddr          string
	SnapshotsDir        string
	BaselineFile        string
	PricesFile          string
	Region              string
	Kubeconfig          string
	KubeContext         string
	PriceRefreshTimeout time.Duration
	CaptureTimeout      time.Duration
	Verbose             bool
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("capsim", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ListenAddr, "listen-addr", env.WithDefaultString("CAPSIM_LISTEN_ADDR", ":8080"), "The host:port the HTTP gateway binds to")
	f.StringVar(&opts.SnapshotsDir, "snapshots-dir", env.WithDefaultString("CAPSIM_SNAPSHOTS_DIR", "snapshots"), "The directory captured snapshots are persisted to as JSON")
	f.StringVar(&opts.BaselineFile, "baseline-file", env.WithDefaultString("CAPSIM_BASELINE_FILE", ""), "A snapshot JSON file registered as the baseline on startup")
	f.StringVar(&opts.PricesFile, "prices-file", env.WithDefaultString("CAPSIM_PRICES_FILE", ""), "A JSON file of on-demand prices used to seed the price cache on startup")
	f.StringVar(&opts.Region, "region", env.WithDefaultString("CAPSIM_REGION", "eu-central-1"), "The AWS region instance prices are resolved for")
	f.StringVar(&opts.Kubeconfig, "kubeconfig", env.WithDefaultString("CAPSIM_KUBECONFIG", ""), "The kubeconfig used for live captures. Empty uses the in-cluster configuration")
	f.StringVar(&opts.KubeContext, "kube-context", env.WithDefaultString("CAPSIM_KUBE_CONTEXT", ""), "The kubeconfig context used for live captures")
	f.DurationVar(&opts.PriceRefreshTimeout, "price-refresh-timeout", env.WithDefaultDuration("CAPSIM_PRICE_REFRESH_TIMEOUT", 20*time.Second), "The timeout on price refreshes against the AWS Pricing API")
	f.DurationVar(&opts.CaptureTimeout, "capture-timeout", env.WithDefaultDuration("CAPSIM_CAPTURE_TIMEOUT", 45*time.Second), "The timeout on capturing a snapshot from the live cluster")
	f.BoolVar(&opts.Verbose, "verbose", env.WithDefaultBool("CAPSIM_VERBOSE", false), "Enable debug logging")
	return opts
}

// Parse reads the given command line args into the options
func (o *Options) Parse(args ...string) error {
	return o.FlagSet.Parse(args)
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:]...)

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		return nil
	}
	return retval.(*Options)
}
