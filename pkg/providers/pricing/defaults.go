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

// defaultPricesRegion is the region the compiled-in price list was captured in. Regions
// without their own entry fall back to it so cost projections stay relatively ordered
// even when the Pricing API has never been reached.
const defaultPricesRegion = "eu-central-1"

var initialOnDemandPrices = map[string]map[string]float64{
	"eu-central-1": {
		"t3a.medium": 0.0432,
		"t3a.large":  0.0864,
		"t3a.xlarge": 0.1728,
		"r6a.large":  0.1368,
		"r6a.xlarge": 0.2736,
	},
}

// regionLocations maps a region code to the location name the Pricing API filters on.
var regionLocations = map[string]string{
	"eu-central-1": "EU (Frankfurt)",
	"eu-west-1":    "EU (Ireland)",
	"eu-west-2":    "EU (London)",
	"us-east-1":    "US East (N. Virginia)",
	"us-east-2":    "US East (Ohio)",
	"us-west-2":    "US West (Oregon)",
}
