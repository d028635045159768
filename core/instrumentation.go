package orchestration

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-voice/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

type instruments struct {
	timeToFirstToken   metric.Float64Histogram
	timeToFirstAudio   metric.Float64Histogram
	droppedChunks      metric.Int64Counter
	orderingViolations metric.Int64Counter
}

func newInstruments() instruments {
	ttft, _ := meter.Float64Histogram("voice.turn.time_to_first_token",
		metric.WithUnit("ms"), metric.WithDescription("Time from turn start to the first speakable token"))
	ttfa, _ := meter.Float64Histogram("voice.turn.time_to_first_audio",
		metric.WithUnit("ms"), metric.WithDescription("Time from turn start to the first audio chunk sent"))
	dropped, _ := meter.Int64Counter("voice.synthesis.dropped_chunks",
		metric.WithDescription("Audio chunks discarded because their turn was no longer live"))
	violations, _ := meter.Int64Counter("voice.synthesis.ordering_violations")
	return instruments{
		timeToFirstToken:   ttft,
		timeToFirstAudio:   ttfa,
		droppedChunks:      dropped,
		orderingViolations: violations,
	}
}
