// Package conversation runs the hands-free voice loop: it watches microphone
// loudness, opens a recognition turn when the user speaks, hands the final
// transcript to a responder and speaks the reply.
//
// All inputs are Events consumed by one goroutine that owns the state machine.
// Audio capture, recognition, generation and playback run in their own
// goroutines and only post events back. Every turn has a number and its own
// context; events from an earlier turn are dropped, so a late reply can never
// overwrite a newer conversation state.
//
//	c, err := conversation.New(deps, conversation.Callbacks{OnStateChange: show}, conversation.DefaultConfig())
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop()
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio/level"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/stt"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// Responder produces the assistant's reply to a transcript.
type Responder interface {
	Respond(ctx context.Context, transcript string) (string, error)
}

// StreamingResponder is a Responder that also reports partial replies. The
// text passed to onPartial is cumulative.
type StreamingResponder interface {
	Responder
	RespondStream(ctx context.Context, transcript string, onPartial func(text string)) (string, error)
}

// Deps are the collaborators of a Controller. Settings and Metrics are
// optional.
type Deps struct {
	Source    audio.Source
	STT       stt.Provider
	Responder Responder
	TTS       tts.Provider
	Sink      audio.Sink
	Settings  settings.Repository
	Metrics   *observe.Metrics

	// STTName and TTSName label provider metrics.
	STTName string
	TTSName string
}

// Callbacks receive controller output. They run on the controller goroutine,
// in event order, and must not call Start or Stop.
type Callbacks struct {
	OnStateChange     func(State)
	OnTranscript      func(text string, isFinal bool)
	OnResponse        func(text string)
	OnResponsePartial func(text string)
	OnError           func(message string)
	OnVolumeChange    func(level float64)
}

// Controller is the continuous conversation controller. Its methods are safe
// for concurrent use.
type Controller struct {
	deps Deps
	cb   Callbacks

	state atomic.Int32

	mu  sync.Mutex
	cfg Config
	run *run
}

// New returns a stopped Controller in the idle state.
func New(deps Deps, cb Callbacks, cfg Config) (*Controller, error) {
	var errs []error
	if deps.Source == nil {
		errs = append(errs, errors.New("audio source is required"))
	}
	if deps.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if deps.Responder == nil {
		errs = append(errs, errors.New("responder is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if deps.Sink == nil {
		errs = append(errs, errors.New("audio sink is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	if deps.STTName == "" {
		deps.STTName = "stt"
	}
	if deps.TTSName == "" {
		deps.TTSName = "tts"
	}
	return &Controller{deps: deps, cb: cb, cfg: cfg.withDefaults()}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Running reports whether a session is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// Start opens the microphone and arms the voice trigger. ctx bounds the
// session: cancelling it has the same effect as Stop.
//
// Start fails with ErrAlreadyActive while running. When the source refuses
// access it fails with ErrPermissionDenied, the state becomes StateError and
// OnError fires; Start may be called again later.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	stream, err := c.deps.Source.Open(ctx)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, audio.ErrPermissionDenied) {
			c.fail(msgPermission)
			return fmt.Errorf("conversation: start: %w: %w", ErrPermissionDenied, err)
		}
		c.fail(msgSourceLost)
		return fmt.Errorf("conversation: start: open audio source: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	f := stream.Format()
	r := &run{
		c:        c,
		ctx:      runCtx,
		cancel:   cancel,
		stream:   stream,
		format:   f,
		analyser: level.NewAnalyser(f.SampleRate, c.cfg.FFTSize),
		m:        newMachine(c.cfg),
		timeout:  c.cfg.ListenTimeout,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	c.run = r
	c.mu.Unlock()

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveVoiceSessions.Add(ctx, 1)
	}
	slog.Info("conversation started", "format", f.String(), "sensitivity", c.cfg.VAD.Sensitivity)
	c.setState(StateIdle)

	r.wg.Add(1)
	go r.pump()
	go r.loop()
	return nil
}

// Stop ends the session, cancels any turn in flight and leaves the state
// idle. It is idempotent and returns once every session goroutine exited.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		if c.State() != StateIdle {
			c.setState(StateIdle)
		}
		return
	}
	r.post(Shutdown{})
	<-r.exited
}

// UpdateVADSettings changes the trigger sensitivity from the next volume
// sample on.
func (c *Controller) UpdateVADSettings(s VADSettings) {
	s = s.clamped()
	c.mu.Lock()
	c.cfg.VAD = s
	r := c.run
	c.mu.Unlock()
	if r != nil {
		r.post(SettingsChanged{VAD: s})
	}
}

// TriggerManualListening starts listening regardless of volume. It has no
// effect unless the session is running and idle.
func (c *Controller) TriggerManualListening() {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r != nil {
		r.post(ManualTrigger{})
	}
}

// SetAutoReactivate controls whether the voice trigger re-arms after a turn.
func (c *Controller) SetAutoReactivate(enabled bool) {
	c.mu.Lock()
	c.cfg.AutoReactivate = enabled
	r := c.run
	c.mu.Unlock()
	if r != nil {
		r.post(AutoReactivateChanged{Enabled: enabled})
	}
}

func (c *Controller) setState(s State) {
	from := State(c.state.Swap(int32(s)))
	if from == s {
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordTransition(context.Background(), from.String(), s.String())
	}
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}

func (c *Controller) fail(msg string) {
	slog.Warn("conversation: fatal error", "reason", msg)
	c.setState(StateError)
	if c.cb.OnError != nil {
		c.cb.OnError(msg)
	}
}

// run is one Start..Stop session. Fields below the line are confined to the
// loop goroutine.
type run struct {
	c        *Controller
	ctx      context.Context
	cancel   context.CancelFunc
	stream   audio.Stream
	format   audio.Format
	analyser *level.Analyser
	timeout  time.Duration

	events chan Event
	done   chan struct{}
	exited chan struct{}
	wg     sync.WaitGroup

	closing atomic.Bool

	// ---

	m          *machine
	queue      []Event
	session    stt.SessionHandle
	timer      *time.Timer
	turnCtx    context.Context
	turnCancel context.CancelFunc
	turnStart  time.Time
}

// post delivers ev to the loop. It never blocks after the loop has ended.
func (r *run) post(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *run) loop() {
	defer func() {
		r.wg.Wait()
		if r.c.deps.Metrics != nil {
			r.c.deps.Metrics.ActiveVoiceSessions.Add(context.Background(), -1)
		}
		r.c.mu.Lock()
		if r.c.run == r {
			r.c.run = nil
		}
		r.c.mu.Unlock()
		close(r.exited)
	}()

	for {
		var ev Event
		if len(r.queue) > 0 {
			ev, r.queue = r.queue[0], r.queue[1:]
		} else {
			select {
			case ev = <-r.events:
			case <-r.ctx.Done():
				ev = Shutdown{}
			}
		}
		for _, eff := range r.m.apply(ev) {
			if r.exec(eff) {
				return
			}
		}
	}
}

// exec runs one effect and reports whether the loop must end.
func (r *run) exec(eff effect) bool {
	cb := r.c.cb
	switch e := eff.(type) {
	case effSetState:
		if e.To == StateSpeaking && r.c.deps.Metrics != nil && !r.turnStart.IsZero() {
			r.c.deps.Metrics.VoiceTurnDuration.Record(r.ctx, time.Since(r.turnStart).Seconds())
		}
		r.c.setState(e.To)
	case effVolume:
		if cb.OnVolumeChange != nil {
			cb.OnVolumeChange(e.Level)
		}
	case effTranscript:
		if cb.OnTranscript != nil {
			cb.OnTranscript(e.Text, e.Final)
		}
	case effResponse:
		if e.Final && cb.OnResponse != nil {
			cb.OnResponse(e.Text)
		}
		if !e.Final && cb.OnResponsePartial != nil {
			cb.OnResponsePartial(e.Text)
		}
	case effError:
		slog.Warn("conversation: error", "message", e.Message)
		if cb.OnError != nil {
			cb.OnError(e.Message)
		}
	case effStartRecognition:
		r.startRecognition(e.Turn)
	case effFeedAudio:
		r.feed(e.PCM)
	case effStopRecognition:
		r.stopRecognition()
	case effGenerate:
		r.generate(e.Turn, e.Transcript)
	case effSpeak:
		r.speak(e.Turn, e.Text)
	case effCancelTurn:
		if r.turnCancel != nil {
			r.turnCancel()
			r.turnCtx, r.turnCancel = nil, nil
		}
	case effTeardown:
		r.teardown()
		return true
	default:
		panic(fmt.Sprintf("conversation: unhandled effect %T", eff))
	}
	return false
}

// pump analyses microphone frames and posts them as volume samples.
func (r *run) pump() {
	defer r.wg.Done()
	for f := range r.stream.Frames() {
		pcm := f.Data
		if f.Format.Channels == 2 {
			pcm = audio.StereoToMono(pcm)
		}
		r.post(VolumeSample{Level: r.analyser.Level(audio.BytesToInt16(pcm)), PCM: pcm})
	}
	if !r.closing.Load() && r.ctx.Err() == nil {
		r.post(Failure{Kind: FailureSourceLost, Err: ErrSourceLost})
	}
}

func (r *run) startRecognition(turn uint64) {
	r.turnCtx, r.turnCancel = context.WithCancel(r.ctx)
	r.turnStart = time.Time{}

	cfg := stt.StreamConfig{SampleRate: r.format.SampleRate, Channels: 1, Language: r.language()}
	start := time.Now()
	session, err := r.c.deps.STT.StartStream(r.turnCtx, cfg)
	if err != nil {
		r.observe(r.c.deps.STTName, observe.KindSTT, start, err)
		r.queue = append(r.queue, Failure{Turn: turn, Kind: FailureNetwork, Err: fmt.Errorf("speech recognition: %w", err)})
		return
	}
	r.session = session
	r.timer = time.AfterFunc(r.timeout, func() { r.post(ListenTimeout{Turn: turn}) })

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		partials, finals := session.Partials(), session.Finals()
		for partials != nil || finals != nil {
			select {
			case t, ok := <-partials:
				if !ok {
					partials = nil
					continue
				}
				r.post(TranscriptPartial{Turn: turn, Text: t.Text})
			case t, ok := <-finals:
				if !ok {
					finals = nil
					continue
				}
				r.observe(r.c.deps.STTName, observe.KindSTT, start, nil)
				r.post(TranscriptFinal{Turn: turn, Text: t.Text})
			}
		}
	}()
}

func (r *run) feed(pcm []byte) {
	if r.session == nil {
		return
	}
	if err := r.session.SendAudio(pcm); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		r.queue = append(r.queue, Failure{Turn: r.m.turn, Kind: FailureNetwork, Err: fmt.Errorf("speech recognition: %w", err)})
	}
}

func (r *run) stopRecognition() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			slog.Debug("conversation: close recognition session", "err", err)
		}
		r.session = nil
	}
}

func (r *run) generate(turn uint64, transcript string) {
	ctx := r.turnCtx
	if ctx == nil {
		return
	}
	r.turnStart = time.Now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var text string
		var err error
		if sr, ok := r.c.deps.Responder.(StreamingResponder); ok {
			text, err = sr.RespondStream(ctx, transcript, func(partial string) {
				r.post(ResponseChunk{Turn: turn, Text: partial})
			})
		} else {
			text, err = r.c.deps.Responder.Respond(ctx, transcript)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.post(Failure{Turn: turn, Kind: FailureNetwork, Err: err})
			return
		}
		r.post(ResponseChunk{Turn: turn, Text: text, Done: true})
	}()
}

func (r *run) speak(turn uint64, text string) {
	ctx := r.turnCtx
	if ctx == nil {
		return
	}
	voice := r.voice()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		start := time.Now()
		in := make(chan string, 1)
		in <- text
		close(in)

		pcm, err := r.c.deps.TTS.SynthesizeStream(ctx, tts.SplitSentences(ctx, in), voice)
		if err != nil {
			r.observe(r.c.deps.TTSName, observe.KindTTS, start, err)
			if ctx.Err() == nil {
				r.post(Failure{Turn: turn, Kind: FailureNetwork, Err: fmt.Errorf("speech synthesis: %w", err)})
			}
			return
		}

		var n atomic.Int64
		counted := make(chan []byte, 4)
		go func() {
			defer close(counted)
			for chunk := range pcm {
				n.Add(int64(len(chunk)))
				select {
				case counted <- chunk:
				case <-ctx.Done():
					audio.Drain(pcm)
					return
				}
			}
		}()

		playErr := r.c.deps.Sink.Play(ctx, r.c.deps.TTS.OutputFormat(), counted)
		audio.Drain(counted)
		if ctx.Err() != nil {
			return
		}
		switch {
		case playErr != nil:
			r.post(Failure{Turn: turn, Kind: FailureNetwork, Err: fmt.Errorf("playback: %w", playErr)})
		case n.Load() == 0:
			r.observe(r.c.deps.TTSName, observe.KindTTS, start, tts.ErrNoAudio)
			r.post(Failure{Turn: turn, Kind: FailureNetwork, Err: fmt.Errorf("speech synthesis: %w", tts.ErrNoAudio)})
		default:
			r.observe(r.c.deps.TTSName, observe.KindTTS, start, nil)
			r.post(PlaybackDone{Turn: turn})
		}
	}()
}

func (r *run) teardown() {
	r.closing.Store(true)
	r.stopRecognition()
	if r.turnCancel != nil {
		r.turnCancel()
	}
	r.cancel()
	if err := r.stream.Close(); err != nil {
		slog.Debug("conversation: close audio stream", "err", err)
	}
	close(r.done)
	slog.Info("conversation stopped", "state", r.m.state.String())
}

func (r *run) observe(provider, kind string, start time.Time, err error) {
	if r.c.deps.Metrics != nil {
		r.c.deps.Metrics.ObserveProvider(r.ctx, provider, kind, start, err)
	}
}

func (r *run) settings() settings.Settings {
	if r.c.deps.Settings == nil {
		return settings.Defaults()
	}
	s, err := r.c.deps.Settings.Load(r.ctx)
	if err != nil {
		slog.Warn("conversation: load settings failed, using defaults", "err", err)
		return settings.Defaults()
	}
	return s
}

func (r *run) language() string {
	return r.settings().Language
}

func (r *run) voice() types.VoiceProfile {
	s := r.settings()
	return s.Voice.Profile(s.Language)
}
