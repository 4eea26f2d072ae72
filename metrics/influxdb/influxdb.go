// Package influxdb periodically reports the contents of a metrics registry
// to an InfluxDB instance, over the v1 or the v2 client API.
package influxdb

import (
	"fmt"

	"github.com/Zollkron/gamerchain-sub000/metrics"
)

// readMeter flattens one registered metric into measurement fields. The
// returned measurement name carries the /namespace prefix and a type suffix
// matching the conventions of the v1 reporter.
func readMeter(namespace, name string, i interface{}) (string, map[string]interface{}) {
	switch metric := i.(type) {
	case metrics.Counter:
		measurement := fmt.Sprintf("%s%s.count", namespace, name)
		fields := map[string]interface{}{
			"value": metric.Snapshot().Count(),
		}
		return measurement, fields
	case metrics.Gauge:
		measurement := fmt.Sprintf("%s%s.gauge", namespace, name)
		fields := map[string]interface{}{
			"value": metric.Snapshot().Value(),
		}
		return measurement, fields
	case metrics.GaugeFloat64:
		measurement := fmt.Sprintf("%s%s.gauge", namespace, name)
		fields := map[string]interface{}{
			"value": metric.Snapshot().Value(),
		}
		return measurement, fields
	case metrics.Meter:
		ms := metric.Snapshot()
		measurement := fmt.Sprintf("%s%s.meter", namespace, name)
		fields := map[string]interface{}{
			"count": ms.Count(),
			"m1":    ms.Rate1(),
			"m5":    ms.Rate5(),
			"m15":   ms.Rate15(),
			"mean":  ms.RateMean(),
		}
		return measurement, fields
	}
	return "", nil
}
