package relay

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("agentmail.relay")

	metricDeposits      metric.Int64Counter
	metricPickups       metric.Int64Counter
	metricRegistrations metric.Int64Counter
	metricExpired       metric.Int64Counter
)

func init() {
	var err error

	metricDeposits, err = meter.Int64Counter("agentmail.relay.deposits",
		metric.WithDescription("Envelopes accepted for store-and-forward"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricPickups, err = meter.Int64Counter("agentmail.relay.pickups",
		metric.WithDescription("Pickup requests served"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRegistrations, err = meter.Int64Counter("agentmail.relay.registrations",
		metric.WithDescription("Directory names registered or overwritten"),
		metric.WithUnit("{names}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricExpired, err = meter.Int64Counter("agentmail.relay.expired",
		metric.WithDescription("Held messages removed by expiry cleanup"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
