package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/generate"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/perf"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// turn is one user utterance and the reply to it.
type turn struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	perf   *perf.Turn
	origin time.Time

	transcript string
	response   string

	genStart   time.Time
	firstToken bool
	completed  bool

	// cursor is the byte offset in response up to which sentences have
	// been handed to speech.
	cursor     int
	dispatched map[string]struct{}
	outbox     []string
	speaking   bool
	ttsStart   time.Time
	audible    bool
}

// newTurn starts a turn whose latency is measured from origin.
func (o *Orchestrator) newTurn(origin time.Time) *turn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(observe.WithTurn(context.Background(), id.String()))
	t := &turn{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		perf:       o.tracker.Begin(id.String(), origin),
		origin:     origin,
		dispatched: make(map[string]struct{}),
	}
	o.turn = t
	o.errMsg = ""
	return t
}

// current returns the turn in flight if it is id.
func (o *Orchestrator) current(id uuid.UUID) *turn {
	if o.turn == nil || o.turn.id != id {
		return nil
	}
	return o.turn
}

func (o *Orchestrator) onSpeechStart(run uint64, at time.Time) {
	if run != o.runID || o.state != StateListening || o.turn != nil {
		return
	}
	o.speechStart = at
}

func (o *Orchestrator) onMisfire(run uint64) {
	if run != o.runID {
		return
	}
	o.log.Debug("speech onset too short, ignored")
	o.speechStart = time.Time{}
}

func (o *Orchestrator) onSpeechEnd(run uint64, seg audio.Segment, at time.Time) {
	if run != o.runID {
		return
	}
	if o.state != StateListening || o.turn != nil {
		o.log.Debug("utterance ignored while busy", "state", o.state)
		return
	}
	t := o.newTurn(at)
	if !o.speechStart.IsZero() {
		t.perf.Record(perf.VADDetection, at.Sub(o.speechStart))
	}
	o.speechStart = time.Time{}
	o.setState(StateTranscribing)
	o.log.Debug("utterance captured", "turn_id", t.id, "duration", seg.Duration())

	id, ctx, p, timeout := t.id, t.ctx, o.prov.STT, o.cfg.StageTimeout
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ctx, span := observe.StartStage(ctx, "stt", attribute.Float64("stt.audio_seconds", seg.Duration().Seconds()))
		start := time.Now()
		tr, err := p.Transcribe(ctx, seg)
		elapsed := time.Since(start)
		observe.EndSpan(span, err)
		o.post(func() { o.onTranscribed(id, tr.Text, elapsed, err) })
	}()
}

func (o *Orchestrator) onTranscribed(id uuid.UUID, text string, elapsed time.Duration, err error) {
	t := o.current(id)
	if t == nil {
		return
	}
	if err != nil {
		o.fail("stt", err)
		return
	}
	t.perf.Record(perf.STTProcessing, elapsed)
	if o.filter != nil {
		text = o.filter(text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		o.log.Debug("empty transcript", "turn_id", t.id)
		o.endTurn(perf.OutcomeEmpty)
		o.resumeListening()
		return
	}
	if err := o.beginGeneration(t, text); err != nil {
		o.fail("llm", err)
	}
}

// beginGeneration records the user message and streams the reply. Speech
// detection is paused here, before anything can be played.
func (o *Orchestrator) beginGeneration(t *turn, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	prior := history.LLMMessages(o.history.Messages())
	if _, err := o.history.Append(history.RoleUser, text); err != nil {
		return err
	}
	if o.det != nil {
		o.det.Pause()
	}
	t.transcript = text
	t.genStart = time.Now()
	o.setState(StateGenerating)
	o.log.Info("generating reply", "turn_id", t.id, "transcript", text)

	id, ctx, gen, timeout := t.id, t.ctx, o.prov.Gen, o.cfg.StageTimeout
	req := generate.Request{History: prior, Text: text}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := gen.SendMessage(ctx, req,
			func(_, full string) {
				at := time.Now()
				o.post(func() { o.onChunk(id, full, at) })
			},
			func(full string) {
				at := time.Now()
				o.post(func() { o.onComplete(id, full, at) })
			},
		)
		if err != nil && !errors.Is(err, generate.ErrStopped) {
			o.post(func() { o.onGenerateFailed(id, err) })
		}
	}()
	return nil
}

func (o *Orchestrator) onChunk(id uuid.UUID, full string, at time.Time) {
	t := o.current(id)
	if t == nil || t.completed {
		return
	}
	if !t.firstToken {
		t.firstToken = true
		t.perf.Record(perf.LLMFirstToken, at.Sub(t.genStart))
	}
	t.response = full
	if o.cfg.EarlySpeech {
		o.dispatchSentences(t, false)
	}
}

func (o *Orchestrator) onComplete(id uuid.UUID, full string, at time.Time) {
	t := o.current(id)
	if t == nil || t.completed {
		return
	}
	t.completed = true
	t.perf.Record(perf.LLMCompletion, at.Sub(t.genStart))
	t.response = full
	if strings.TrimSpace(full) != "" {
		if _, err := o.history.Append(history.RoleAssistant, full); err != nil {
			o.log.Warn("assistant message not recorded", "turn_id", t.id, "error", err)
		}
	}
	o.setState(StateSpeaking)
	o.dispatchSentences(t, true)
	o.checkSpoken(t)
}

func (o *Orchestrator) onGenerateFailed(id uuid.UUID, err error) {
	if o.current(id) == nil {
		return
	}
	o.fail("llm", err)
}

// dispatchSentences hands every complete sentence after the cursor to
// speech. With final set the trailing fragment is flushed as well.
func (o *Orchestrator) dispatchSentences(t *turn, final bool) {
	for {
		rest := t.response[t.cursor:]
		n := tts.SentenceEnd(rest, final)
		if n <= 0 {
			break
		}
		t.cursor += n
		sentence := strings.TrimSpace(rest[:n])
		key := normalize(sentence)
		if key == "" {
			continue
		}
		if _, seen := t.dispatched[key]; seen {
			continue
		}
		t.dispatched[key] = struct{}{}
		t.outbox = append(t.outbox, sentence)
	}
	o.pumpSpeech(t)
}

// pumpSpeech starts the next queued sentence if nothing is playing. Calls
// to the speaker are strictly sequential within a turn. The first sentence
// moves the turn to speaking even if the reply is still streaming.
func (o *Orchestrator) pumpSpeech(t *turn) {
	if t.speaking || len(t.outbox) == 0 || o.speaker == nil {
		return
	}
	text := t.outbox[0]
	t.outbox = t.outbox[1:]
	t.speaking = true
	if t.ttsStart.IsZero() {
		t.ttsStart = time.Now()
	}
	if o.state == StateGenerating {
		o.setState(StateSpeaking)
	}

	id, ctx, sp := t.id, t.ctx, o.speaker
	go func() {
		ctx, span := observe.StartStage(ctx, "tts", attribute.Int("tts.chars", len(text)))
		err := sp.Speak(ctx, text, speech.OnStart(func() {
			at := time.Now()
			o.post(func() { o.onAudioStarted(id, at) })
		}))
		observe.EndSpan(span, err, speech.ErrStopped)
		o.post(func() { o.onSpoken(id, err) })
	}()
}

func (o *Orchestrator) onAudioStarted(id uuid.UUID, at time.Time) {
	t := o.current(id)
	if t == nil || t.audible {
		return
	}
	t.audible = true
	t.perf.Record(perf.TTSFirstAudio, at.Sub(t.ttsStart))
	t.perf.FirstAudio(at)
}

func (o *Orchestrator) onSpoken(id uuid.UUID, err error) {
	t := o.current(id)
	if t == nil {
		return
	}
	t.speaking = false
	if err != nil {
		if errors.Is(err, speech.ErrStopped) {
			return
		}
		o.fail("tts", err)
		return
	}
	o.pumpSpeech(t)
	o.checkSpoken(t)
}

// checkSpoken finishes the turn once the reply is complete and fully
// played, then schedules the cooldown.
func (o *Orchestrator) checkSpoken(t *turn) {
	if !t.completed || t.speaking || len(t.outbox) > 0 {
		return
	}
	if !t.ttsStart.IsZero() {
		t.perf.Since(perf.TTSCompletion, t.ttsStart)
	}
	o.log.Info("turn complete", "turn_id", t.id, "metrics", t.perf.Metrics())
	o.endTurn(perf.OutcomeCompleted)
	if o.cfg.Cooldown <= 0 {
		o.resumeListening()
		return
	}
	o.after(o.cfg.Cooldown, func() {
		if o.state == StateSpeaking && o.turn == nil {
			o.resumeListening()
		}
	})
}

// endTurn closes the turn in flight with outcome.
func (o *Orchestrator) endTurn(outcome perf.Outcome) {
	t := o.turn
	if t == nil {
		return
	}
	t.cancel()
	t.perf.Finish(outcome)
	o.turn = nil
}

// abandonTurn cancels all work of the turn in flight.
func (o *Orchestrator) abandonTurn(outcome perf.Outcome) {
	t := o.turn
	if t == nil {
		return
	}
	if outcome == perf.OutcomeInterrupted && !t.ttsStart.IsZero() {
		t.perf.Since(perf.TTSCompletion, t.ttsStart)
	}
	t.cancel()
	o.prov.Gen.Stop()
	if o.speaker != nil {
		o.speaker.Stop()
	}
	o.endTurn(outcome)
}

// fail ends the turn in flight after an error in stage. Rejected credentials
// end the conversation; anything else returns to listening after a delay.
func (o *Orchestrator) fail(stage string, err error) {
	class := resilience.Classify(err)
	if class == resilience.ClassCanceled {
		o.abandonTurn(perf.OutcomeInterrupted)
		o.resumeListening()
		return
	}

	turnID := ""
	if o.turn != nil {
		turnID = o.turn.id.String()
	}
	o.log.Error("turn failed", "turn_id", turnID, "stage", stage, "class", class, "error", err)
	if o.metrics != nil {
		o.metrics.RecordStageError(context.Background(), stage, class.String())
	}
	o.abandonTurn(perf.OutcomeFailed)

	if class == resilience.ClassFatal {
		o.stop(err.Error())
		return
	}
	o.errMsg = err.Error()
	o.setState(StateError)
	delay := o.cfg.RetryDelay
	if class == resilience.ClassRateLimit {
		delay = o.cfg.RateLimitDelay
	}
	o.after(delay, func() {
		if o.state == StateError {
			o.resumeListening()
		}
	})
}

func (o *Orchestrator) onInputClosed(run uint64) {
	if run != o.runID || o.state == StateIdle {
		return
	}
	o.stop("audio device disconnected")
}

// normalize folds case and whitespace so that repeated sentences compare
// equal.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
