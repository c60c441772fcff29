package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/conversation"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
)

const (
	voiceReadLimit = 1 << 20
	voiceQueueSize = 256
	writeTimeout   = 5 * time.Second

	// playbackGrace is added to the audio duration when waiting for the
	// client to report the end of playback.
	playbackGrace = 2 * time.Second
)

var errSessionClosed = errors.New("server: voice session closed")

// Client control message types on /ws/voice.
const (
	ctlStart          = "start"
	ctlStop           = "stop"
	ctlTrigger        = "trigger"
	ctlVAD            = "vad"
	ctlAutoReactivate = "auto_reactivate"
	ctlPlaybackDone   = "playback_done"
)

// controlMessage is a JSON text frame sent by the client.
type controlMessage struct {
	Type string `json:"type"`

	// Denied on start reports that the browser refused microphone access.
	Denied bool `json:"denied,omitempty"`

	// SampleRate on start is the rate of the client's binary frames. Frames
	// are resampled to the server rate when it differs.
	SampleRate int `json:"sample_rate,omitempty"`

	// Sensitivity is the vad payload.
	Sensitivity *float64 `json:"sensitivity,omitempty"`

	// Enabled is the auto_reactivate payload.
	Enabled *bool `json:"enabled,omitempty"`

	// Seq on playback_done echoes the seq of the audio_start it ends.
	Seq uint64 `json:"seq,omitempty"`
}

// voiceEvent is a JSON text frame sent to the client.
type voiceEvent struct {
	Type       string   `json:"type"`
	State      string   `json:"state,omitempty"`
	Text       string   `json:"text,omitempty"`
	Final      bool     `json:"final,omitempty"`
	Partial    bool     `json:"partial,omitempty"`
	Message    string   `json:"message,omitempty"`
	Level      *float64 `json:"level,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Channels   int      `json:"channels,omitempty"`
	// Interrupted marks an audio_end sent because playback was cancelled.
	Interrupted bool `json:"interrupted,omitempty"`
	// Seq numbers the reply on audio_start and audio_end.
	Seq uint64 `json:"seq,omitempty"`
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// voiceSession binds one WebSocket connection to one conversation controller.
// Binary frames from the client feed the controller's microphone source;
// controller output and synthesised audio are queued to a single writer.
type voiceSession struct {
	conn *websocket.Conn
	src  *audio.ChanSource
	ctrl *conversation.Controller

	// rate is the server sample rate; inRate the client's, 0 when equal.
	rate   int
	inRate int

	ctx    context.Context
	cancel context.CancelFunc

	out chan outbound

	// seq is the number of the reply being played; playback carries the seq
	// of each accepted playback_done.
	seq      atomic.Uint64
	playback chan uint64
	once     sync.Once
}

// handleVoice upgrades to a WebSocket and runs a voice session until the
// client disconnects or the server shuts down.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.deps.Chat == nil:
		writeError(w, r, unavailable("chat"))
		return
	case s.deps.STT == nil:
		writeError(w, r, unavailable("stt"))
		return
	case s.deps.TTS == nil:
		writeError(w, r, unavailable("tts"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		observe.Logger(r.Context()).Warn("voice: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(voiceReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	vs := &voiceSession{
		conn:     conn,
		src:      audio.NewChanSource(audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}),
		rate:     s.cfg.SampleRate,
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan outbound, voiceQueueSize),
		playback: make(chan uint64, 1),
	}
	ctrl, err := conversation.New(conversation.Deps{
		Source:    vs.src,
		STT:       s.deps.STT,
		Responder: s.deps.Chat,
		TTS:       s.deps.TTS,
		Sink:      vs,
		Settings:  s.deps.Settings,
		Metrics:   s.deps.Metrics,
		STTName:   s.cfg.STTName,
		TTSName:   s.cfg.TTSName,
	}, vs.callbacks(), s.conversationConfig())
	if err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "voice session unavailable")
		observe.Logger(r.Context()).Error("voice: create controller", "err", err)
		return
	}
	vs.ctrl = ctrl

	log := observe.Logger(r.Context())
	s.addSession(vs)
	log.Info("voice: session opened", "remote", r.RemoteAddr)
	defer func() {
		vs.close()
		s.removeSession(vs)
		log.Info("voice: session closed", "remote", r.RemoteAddr)
	}()

	go vs.writeLoop()
	vs.emit(voiceEvent{Type: "state", State: ctrl.State().String()})
	vs.readLoop(log)
}

func (vs *voiceSession) callbacks() conversation.Callbacks {
	return conversation.Callbacks{
		OnStateChange: func(st conversation.State) {
			vs.emit(voiceEvent{Type: "state", State: st.String()})
		},
		OnTranscript: func(text string, final bool) {
			vs.emit(voiceEvent{Type: "transcript", Text: text, Final: final})
		},
		OnResponse: func(text string) {
			vs.emit(voiceEvent{Type: "response", Text: text})
		},
		OnResponsePartial: func(text string) {
			vs.emit(voiceEvent{Type: "response", Text: text, Partial: true})
		},
		OnError: func(msg string) {
			vs.emit(voiceEvent{Type: "error", Message: msg})
		},
		OnVolumeChange: func(level float64) {
			// Volume is advisory; drop it rather than crowd out state.
			if len(vs.out) > voiceQueueSize/2 {
				return
			}
			vs.emit(voiceEvent{Type: "volume", Level: &level})
		},
	}
}

func (vs *voiceSession) readLoop(log *slog.Logger) {
	for {
		typ, data, err := vs.conn.Read(vs.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && vs.ctx.Err() == nil {
				log.Debug("voice: read ended", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			vs.src.Push(audio.ResampleMono16(data, vs.inRate, vs.rate))
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			vs.emit(voiceEvent{Type: "error", Message: "invalid control message: " + err.Error()})
			continue
		}
		if err := vs.control(msg); err != nil {
			vs.emit(voiceEvent{Type: "error", Message: err.Error()})
		}
	}
}

// control applies one client control message.
func (vs *voiceSession) control(msg controlMessage) error {
	switch msg.Type {
	case ctlStart:
		if msg.SampleRate < 0 {
			return errors.New("start: sample_rate must be positive")
		}
		vs.inRate = msg.SampleRate
		vs.src.SetDenied(msg.Denied)
		err := vs.ctrl.Start(vs.ctx)
		if errors.Is(err, conversation.ErrPermissionDenied) {
			// Already reported through OnError.
			return nil
		}
		return err
	case ctlStop:
		vs.ctrl.Stop()
		return nil
	case ctlTrigger:
		vs.ctrl.TriggerManualListening()
		return nil
	case ctlVAD:
		if msg.Sensitivity == nil || *msg.Sensitivity < 0 || *msg.Sensitivity > 1 {
			return errors.New("vad: sensitivity must be in [0, 1]")
		}
		vs.ctrl.UpdateVADSettings(conversation.VADSettings{Sensitivity: *msg.Sensitivity})
		return nil
	case ctlAutoReactivate:
		if msg.Enabled == nil {
			return errors.New("auto_reactivate: enabled is required")
		}
		vs.ctrl.SetAutoReactivate(*msg.Enabled)
		return nil
	case ctlPlaybackDone:
		if msg.Seq == 0 {
			return errors.New("playback_done: seq is required")
		}
		if cur := vs.seq.Load(); msg.Seq != cur {
			slog.Debug("voice: stale playback_done ignored", "seq", msg.Seq, "current", cur)
			return nil
		}
		vs.signalPlayback(msg.Seq)
		return nil
	default:
		return fmt.Errorf("unknown control message %q", msg.Type)
	}
}

func (vs *voiceSession) writeLoop() {
	for {
		select {
		case m := <-vs.out:
			ctx, cancel := context.WithTimeout(vs.ctx, writeTimeout)
			err := vs.conn.Write(ctx, m.typ, m.data)
			cancel()
			if err != nil {
				vs.cancel()
				return
			}
		case <-vs.ctx.Done():
			return
		}
	}
}

// emit queues ev without blocking. Callbacks run on the controller goroutine,
// so a full queue drops the event.
func (vs *voiceSession) emit(ev voiceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case vs.out <- outbound{typ: websocket.MessageText, data: data}:
	default:
		slog.Debug("voice: outbound queue full, event dropped", "type", ev.Type)
	}
}

// send queues m, waiting for space until ctx or the session ends.
func (vs *voiceSession) send(ctx context.Context, m outbound) error {
	select {
	case vs.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-vs.ctx.Done():
		return errSessionClosed
	}
}

func (vs *voiceSession) sendEvent(ctx context.Context, ev voiceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return vs.send(ctx, outbound{typ: websocket.MessageText, data: data})
}

// signalPlayback hands seq to Play, replacing an unread older value.
func (vs *voiceSession) signalPlayback(seq uint64) {
	for {
		select {
		case vs.playback <- seq:
			return
		default:
		}
		select {
		case <-vs.playback:
		default:
		}
	}
}

// Play implements audio.Sink. Audio is framed by audio_start and audio_end
// events carrying a new seq; Play returns once the client reports
// playback_done with that seq, or after the audio duration plus a grace
// period.
func (vs *voiceSession) Play(ctx context.Context, f audio.Format, pcm <-chan []byte) error {
	seq := vs.seq.Add(1)
	if err := vs.sendEvent(ctx, voiceEvent{Type: "audio_start", SampleRate: f.SampleRate, Channels: f.Channels, Seq: seq}); err != nil {
		go audio.Drain(pcm)
		return err
	}
	total, err := vs.stream(ctx, pcm)
	if err != nil {
		go audio.Drain(pcm)
		vs.emit(voiceEvent{Type: "audio_end", Interrupted: true, Seq: seq})
		return err
	}
	if err := vs.sendEvent(ctx, voiceEvent{Type: "audio_end", Seq: seq}); err != nil {
		return err
	}

	timer := time.NewTimer(f.Duration(total) + playbackGrace)
	defer timer.Stop()
	for {
		select {
		case done := <-vs.playback:
			if done == seq {
				return nil
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			vs.emit(voiceEvent{Type: "audio_end", Interrupted: true, Seq: seq})
			return ctx.Err()
		case <-vs.ctx.Done():
			return errSessionClosed
		}
	}
}

func (vs *voiceSession) stream(ctx context.Context, pcm <-chan []byte) (int, error) {
	var total int
	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				return total, nil
			}
			if len(chunk) == 0 {
				continue
			}
			total += len(chunk)
			if err := vs.send(ctx, outbound{typ: websocket.MessageBinary, data: chunk}); err != nil {
				return total, err
			}
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
}

// close stops the controller and the connection. Safe to call more than once
// and from any goroutine except a controller callback.
func (vs *voiceSession) close() {
	vs.once.Do(func() {
		vs.cancel()
		if vs.ctrl != nil {
			vs.ctrl.Stop()
		}
		logClose("voice websocket", func() error {
			return vs.conn.Close(websocket.StatusNormalClosure, "session closed")
		})
	})
}
