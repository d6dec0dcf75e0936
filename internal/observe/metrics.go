// Package observe provides observability primitives for the mianvoice
// pipeline: OpenTelemetry metrics with a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all mianvoice metrics.
const meterName = "github.com/xlwl/mianvoice"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech-to-text recognition latency.
	ASRDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TranscodeDuration tracks compressed-asset → WAV conversion latency.
	TranscodeDuration metric.Float64Histogram

	// TurnDuration tracks one full listen → play cycle.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts conversation turns appended to the log. Use with
	// attribute: attribute.String("role", "user"|"remote")
	Turns metric.Int64Counter

	// DuplicateDrops counts voice responses dropped by the dedup ledger.
	DuplicateDrops metric.Int64Counter

	// SpeechErrors counts vendor speech call failures. Use with attribute:
	//   attribute.String("kind", "recognize"|"synthesize")
	SpeechErrors metric.Int64Counter

	// --- Gauges ---

	// ActivePlaybacks tracks playbacks in the preparing/playing states. The
	// at-most-one-playback invariant keeps it at 0 or 1; anything above 1
	// indicates a controller bug.
	ActivePlaybacks metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ASRDuration, err = m.Float64Histogram("mianvoice.asr.duration",
		metric.WithDescription("Latency of speech-to-text recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("mianvoice.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscodeDuration, err = m.Float64Histogram("mianvoice.transcode.duration",
		metric.WithDescription("Latency of asset transcoding to linear PCM."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("mianvoice.turn.duration",
		metric.WithDescription("End-to-end duration of one interview turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("mianvoice.turns",
		metric.WithDescription("Conversation turns appended to the log."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateDrops, err = m.Int64Counter("mianvoice.playback.duplicate_drops",
		metric.WithDescription("Voice responses dropped as duplicate deliveries."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("mianvoice.speech.errors",
		metric.WithDescription("Vendor speech call failures."),
	); err != nil {
		return nil, err
	}

	if met.ActivePlaybacks, err = m.Int64UpDownCounter("mianvoice.playback.active",
		metric.WithDescription("Playbacks currently preparing or playing."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
