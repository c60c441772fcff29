// Package observe provides the observability primitives for J.A.R.V.I.S:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] instead of [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ali-staifi/clever-assistant-ollie-whisper-sub002"

// Provider kinds used as the "kind" attribute.
const (
	KindLLM    = "llm"
	KindSTT    = "stt"
	KindTTS    = "tts"
	KindSearch = "search"
)

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	STTDuration    metric.Float64Histogram
	LLMDuration    metric.Float64Histogram
	TTSDuration    metric.Float64Histogram
	SearchDuration metric.Float64Histogram

	// VoiceTurnDuration is the time from the final transcript to the start of
	// playback.
	VoiceTurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests uses attributes provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors uses attributes provider, kind.
	ProviderErrors metric.Int64Counter

	// ChatTurns uses attributes source (text|voice), status.
	ChatTurns metric.Int64Counter

	// ConversationTransitions uses attributes from, to.
	ConversationTransitions metric.Int64Counter

	// ToolCalls counts MCP and agent requests by tool and status.
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	ActiveVoiceSessions metric.Int64UpDownCounter

	// --- HTTP ---

	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	if met.STTDuration, err = hist("jarvis.stt.duration", "Latency of speech recognition requests."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = hist("jarvis.llm.duration", "Latency of LLM generations."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = hist("jarvis.tts.duration", "Latency of speech synthesis."); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = hist("jarvis.search.duration", "Latency of web searches."); err != nil {
		return nil, err
	}
	if met.VoiceTurnDuration, err = hist("jarvis.voice_turn.duration", "Time from final transcript to start of spoken reply."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("jarvis.provider.requests",
		metric.WithDescription("Provider requests by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("jarvis.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ChatTurns, err = m.Int64Counter("jarvis.chat.turns",
		metric.WithDescription("Chat turns by source and status."),
	); err != nil {
		return nil, err
	}
	if met.ConversationTransitions, err = m.Int64Counter("jarvis.conversation.transitions",
		metric.WithDescription("Conversation state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("jarvis.tool.calls",
		metric.WithDescription("Agent and MCP tool invocations by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceSessions, err = m.Int64UpDownCounter("jarvis.voice_sessions.active",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("jarvis.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind),
	))
}

// ObserveProvider records one finished provider call: its latency in the
// histogram for kind, a request count, and an error count when err is non-nil.
func (m *Metrics) ObserveProvider(ctx context.Context, provider, kind string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, provider, kind)
	}
	m.RecordProviderRequest(ctx, provider, kind, status)

	var h metric.Float64Histogram
	switch kind {
	case KindLLM:
		h = m.LLMDuration
	case KindSTT:
		h = m.STTDuration
	case KindTTS:
		h = m.TTSDuration
	case KindSearch:
		h = m.SearchDuration
	default:
		return
	}
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(Attr("provider", provider)))
}

// RecordChatTurn increments the chat turn counter.
func (m *Metrics) RecordChatTurn(ctx context.Context, source, status string) {
	m.ChatTurns.Add(ctx, 1, metric.WithAttributes(Attr("source", source), Attr("status", status)))
}

// RecordTransition increments the conversation transition counter.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.ConversationTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordToolCall increments the tool call counter.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(Attr("tool", tool), Attr("status", status)))
}
