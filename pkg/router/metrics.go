package router

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the router package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("agentmail.router")

	metricSent          metric.Int64Counter
	metricDelivered     metric.Int64Counter
	metricRelayed       metric.Int64Counter
	metricQueued        metric.Int64Counter
	metricReceived      metric.Int64Counter
	metricBadSignatures metric.Int64Counter
	metricRetryFailures metric.Int64Counter
)

func init() {
	var err error

	metricSent, err = meter.Int64Counter("agentmail.messages.sent",
		metric.WithDescription("Envelopes composed and signed for dispatch"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricDelivered, err = meter.Int64Counter("agentmail.messages.delivered",
		metric.WithDescription("Envelopes delivered directly to a peer"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRelayed, err = meter.Int64Counter("agentmail.messages.relayed",
		metric.WithDescription("Envelopes deposited on the relay"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricQueued, err = meter.Int64Counter("agentmail.messages.queued",
		metric.WithDescription("Envelopes queued to the outbox for retry"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricReceived, err = meter.Int64Counter("agentmail.messages.received",
		metric.WithDescription("Inbound envelopes accepted"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricBadSignatures, err = meter.Int64Counter("agentmail.messages.bad_signatures",
		metric.WithDescription("Inbound envelopes whose signature failed verification"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRetryFailures, err = meter.Int64Counter("agentmail.outbox.retry_failures",
		metric.WithDescription("Outbox retry attempts that failed"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
