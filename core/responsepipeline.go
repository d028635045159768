package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/koscakluka/ema-voice/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

const (
	defaultSynthesisConcurrency = 3
	defaultSynthesisTimeout     = 10 * time.Second
	defaultGapGrace             = 2 * time.Second
)

type synthesisUnit struct {
	TurnID     TurnID
	SequenceNo int
	Text       string
}

type synthesisResponse struct {
	result texttospeech.Result
	err    error
}

type pipelineConfig struct {
	concurrency      int64
	synthesisTimeout time.Duration
	// gapGrace is how much longer than a synthesis call the delivery worker
	// waits for a missing chunk before skipping it.
	gapGrace         time.Duration
	firstUnitSoft    int
	unitSoft         int
	unitHard         int
	// strict turns ordering violations into errors instead of skipping the
	// offending chunk.
	strict bool
}

func defaultPipelineConfig() pipelineConfig {
	return pipelineConfig{
		concurrency:      defaultSynthesisConcurrency,
		synthesisTimeout: defaultSynthesisTimeout,
		gapGrace:         defaultGapGrace,
		firstUnitSoft:    defaultFirstUnitSoftLimit,
		unitSoft:         defaultUnitSoftLimit,
		unitHard:         defaultUnitHardLimit,
	}
}

// responsePipeline turns the speakable text of one turn into ordered audio.
// Units are synthesized concurrently as soon as they are segmented and
// released strictly in sequence order.
type responsePipeline struct {
	synthesizer texttospeech.Synthesizer
	isLive      func(TurnID) bool
	config      pipelineConfig
	instruments instruments
}

func newResponsePipeline(synthesizer texttospeech.Synthesizer, isLive func(TurnID) bool, config pipelineConfig, instruments instruments) *responsePipeline {
	if config.concurrency <= 0 {
		config.concurrency = defaultSynthesisConcurrency
	}
	if config.synthesisTimeout <= 0 {
		config.synthesisTimeout = defaultSynthesisTimeout
	}
	if config.gapGrace <= 0 {
		config.gapGrace = defaultGapGrace
	}
	return &responsePipeline{
		synthesizer: synthesizer,
		isLive:      isLive,
		config:      config,
		instruments: instruments,
	}
}

// Run segments tokens, synthesizes the units and hands the audio to deliver
// in sequence order. The last delivered chunk is final. Run stops without an
// error as soon as turnID is no longer live; deliver may report that with
// errTurnNotLive.
func (p *responsePipeline) Run(ctx context.Context, turnID TurnID, tokens *textBuffer, deliver func(AudioChunk) error) error {
	if p == nil {
		return fmt.Errorf("response pipeline is required")
	}
	if tokens == nil {
		return fmt.Errorf("text buffer is required")
	}

	ctx, span := tracer.Start(ctx, "run response pipeline")
	defer span.End()
	span.SetAttributes(attribute.Int64("turn.id", int64(turnID)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workerErr error
	workerErrMu := sync.Mutex{}
	addWorkerErr := func(err error) {
		if err == nil {
			return
		}
		workerErrMu.Lock()
		workerErr = errors.Join(workerErr, err)
		workerErrMu.Unlock()
	}

	run := func(name string, f func(context.Context) error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				addWorkerErr(fmt.Errorf("%s worker panicked: %v", name, recovered))
				cancel()
			}
		}()

		if err := f(ctx); err != nil {
			addWorkerErr(fmt.Errorf("%s worker failed: %w", name, err))
			cancel()
		}
	}

	results := make(chan AudioChunk, p.config.concurrency)
	totals := make(chan int, 1)
	synthesis := &sync.WaitGroup{}

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		run("segmentation", func(ctx context.Context) error {
			return p.segment(ctx, turnID, tokens, synthesis, results, totals, cancel)
		})
	}()
	go func() {
		defer wg.Done()
		run("delivery", func(ctx context.Context) error {
			return p.deliver(ctx, turnID, results, totals, deliver, cancel)
		})
	}()

	wg.Wait()
	cancel()
	synthesis.Wait()

	if workerErr != nil {
		err := fmt.Errorf("response pipeline failed: %w", workerErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *responsePipeline) segment(
	ctx context.Context,
	turnID TurnID,
	tokens *textBuffer,
	synthesis *sync.WaitGroup,
	results chan<- AudioChunk,
	totals chan<- int,
	cancel context.CancelFunc,
) error {
	segmenter := newSegmenter(p.config.firstUnitSoft, p.config.unitSoft, p.config.unitHard)
	sem := semaphore.NewWeighted(p.config.concurrency)
	sequenceNo := 0

	dispatch := func(text string) bool {
		if !p.isLive(turnID) {
			return false
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return false
		}
		// The turn may have been cancelled while all slots were taken.
		if !p.isLive(turnID) {
			sem.Release(1)
			return false
		}

		unit := synthesisUnit{TurnID: turnID, SequenceNo: sequenceNo, Text: text}
		sequenceNo++
		synthesis.Add(1)
		go func() {
			defer synthesis.Done()
			chunk := p.synthesize(ctx, unit)
			sem.Release(1)
			select {
			case results <- chunk:
			case <-ctx.Done():
			}
		}()
		return true
	}

	for token := range tokens.Tokens(ctx) {
		for _, unit := range segmenter.Push(token) {
			if !dispatch(unit) {
				cancel()
				return nil
			}
		}
	}
	// The token stream also ends when the turn is abandoned.
	if ctx.Err() != nil || !p.isLive(turnID) {
		cancel()
		return nil
	}
	for _, unit := range segmenter.Flush() {
		if !dispatch(unit) {
			cancel()
			return nil
		}
	}

	totals <- sequenceNo
	return nil
}

// synthesize never fails: a unit that could not be synthesized becomes an
// empty chunk and the turn goes on with text only for that unit.
func (p *responsePipeline) synthesize(ctx context.Context, unit synthesisUnit) AudioChunk {
	ctx, span := tracer.Start(ctx, "synthesize unit")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("turn.id", int64(unit.TurnID)),
		attribute.Int("unit.sequence", unit.SequenceNo),
	)

	chunk := AudioChunk{TurnID: unit.TurnID, SequenceNo: unit.SequenceNo, Text: unit.Text}

	ctx, cancel := context.WithTimeout(ctx, p.config.synthesisTimeout)
	defer cancel()

	// A backend that ignores its deadline is abandoned; its late answer is
	// discarded.
	done := make(chan synthesisResponse, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- synthesisResponse{err: fmt.Errorf("synthesizer panicked: %v", recovered)}
			}
		}()
		result, err := p.synthesizer.Synthesize(ctx, unit.Text)
		done <- synthesisResponse{result: result, err: err}
	}()

	var result texttospeech.Result
	var err error
	select {
	case response := <-done:
		result, err = response.result, response.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return chunk
		}
		err = classifyUpstream(fmt.Errorf("failed to synthesize unit %d: %w", unit.SequenceNo, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("synthesis failed, continuing without audio for unit",
			"turn_id", unit.TurnID, "sequence_no", unit.SequenceNo, "error", err)
		return chunk
	}

	chunk.Audio = result.Audio
	chunk.EncodingInfo = result.EncodingInfo
	return chunk
}

func (p *responsePipeline) deliver(
	ctx context.Context,
	turnID TurnID,
	results <-chan AudioChunk,
	totals <-chan int,
	deliver func(AudioChunk) error,
	cancel context.CancelFunc,
) error {
	buffer := newAudioBuffer(turnID)
	gapTimeout := p.config.synthesisTimeout + p.config.gapGrace

	var gapTimer *time.Timer
	stopGapTimer := func() {
		if gapTimer != nil {
			gapTimer.Stop()
			gapTimer = nil
		}
	}
	defer stopGapTimer()

	for !buffer.Done() {
		var gap <-chan time.Time
		if buffer.Waiting() {
			if gapTimer == nil {
				gapTimer = time.NewTimer(gapTimeout)
			}
			gap = gapTimer.C
		} else {
			stopGapTimer()
		}

		select {
		case <-ctx.Done():
			return nil

		case total := <-totals:
			buffer.Complete(total)
			totals = nil

		case chunk := <-results:
			if err := buffer.Put(chunk); err != nil {
				p.instruments.orderingViolations.Add(ctx, 1, metric.WithAttributes(attribute.Int64("turn.id", int64(turnID))))
				if p.config.strict {
					return err
				}
				logger.Warn("discarding out of order chunk", "turn_id", turnID, "error", err)
				continue
			}

		case <-gap:
			gapTimer = nil
			logger.Warn("synthesized chunk missing, skipping it",
				"turn_id", turnID, "sequence_no", buffer.Next(), "waited", gapTimeout)
			buffer.Skip(buffer.Next())
		}

		released := buffer.Release()
		if len(released) > 0 {
			stopGapTimer()
		}
		for i, chunk := range released {
			err := errTurnNotLive
			if p.isLive(turnID) {
				err = deliver(chunk)
			}
			if errors.Is(err, errTurnNotLive) {
				p.instruments.droppedChunks.Add(ctx, int64(len(released)-i), metric.WithAttributes(attribute.Int64("turn.id", int64(turnID))))
				logger.Debug("turn no longer live, dropping its audio", "turn_id", turnID, "sequence_no", chunk.SequenceNo)
				cancel()
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to deliver chunk %d: %w", chunk.SequenceNo, err)
			}
		}
	}
	return nil
}
