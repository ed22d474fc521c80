package history

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// PushMetricsOptions configures PushMetrics' InfluxDB write.
type PushMetricsOptions struct {
	ServerURL string
	Token     string
	Org       string
	Bucket    string
}

// PushMetrics writes one point per run to InfluxDB, giving `history
// push-metrics` a place to feed a fleet-wide profiling duration trend
// dashboard without every team reinventing one.
func PushMetrics(ctx context.Context, runs []Run, opts PushMetricsOptions) error {
	if opts.ServerURL == "" {
		return fmt.Errorf("history push-metrics: --influx-url is required")
	}
	client := influxdb2.NewClient(opts.ServerURL, opts.Token)
	defer client.Close()

	writer := client.WriteAPIBlocking(opts.Org, opts.Bucket)
	for _, run := range runs {
		point := influxdb2.NewPoint(
			"uniprof_run",
			map[string]string{"platform": run.Platform, "mode": run.Mode},
			map[string]interface{}{
				"duration_seconds":    run.Duration,
				"top_hotspot_percent": run.TopPercent,
			},
			run.StartedAt,
		)
		if err := writer.WritePoint(ctx, point); err != nil {
			return fmt.Errorf("writing point for run %s: %w", run.ID, err)
		}
	}
	return nil
}
