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
	"fmt"
	"net"

	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateListenAddr(),
		o.validateTimeouts(),
		o.validateRequiredFields(),
	)
}

func (o *Options) validateListenAddr() error {
	// net.SplitHostPort accepts an empty host, which binds all interfaces
	if _, _, err := net.SplitHostPort(o.ListenAddr); err != nil {
		return fmt.Errorf("listen address %q is not a valid host:port", o.ListenAddr)
	}
	return nil
}

func (o *Options) validateTimeouts() error {
	var err error
	if o.PriceRefreshTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("price-refresh-timeout must be positive"))
	}
	if o.CaptureTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("capture-timeout must be positive"))
	}
	return err
}

func (o *Options) validateRequiredFields() error {
	var err error
	if o.SnapshotsDir == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, snapshots-dir"))
	}
	if o.Region == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, region"))
	}
	return err
}
