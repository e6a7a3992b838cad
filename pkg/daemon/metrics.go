package daemon

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the daemon package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("agentmail.daemon")

	metricPeersDiscovered metric.Int64Counter
	metricAPISends        metric.Int64Counter
	metricAPIIngests      metric.Int64Counter
)

func init() {
	var err error

	metricPeersDiscovered, err = meter.Int64Counter("agentmail.peers.discovered",
		metric.WithDescription("LAN peers registered via discovery"),
		metric.WithUnit("{peers}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricAPISends, err = meter.Int64Counter("agentmail.api.sends",
		metric.WithDescription("Send requests accepted by the HTTP API"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricAPIIngests, err = meter.Int64Counter("agentmail.api.ingests",
		metric.WithDescription("Envelopes ingested through the inbox endpoint"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
