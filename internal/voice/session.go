package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/metrics"
)

// TurnSocket is the part of *Socket the session uses.
type TurnSocket interface {
	Send(ctx context.Context, utt Utterance, tc TurnContext) error
	Close() error
}

// Recorder is the part of *Capture the session uses.
type Recorder interface {
	EnergySource
	Start() error
	Stop(ctx context.Context) (Utterance, error)
	Discard()
	Recording() bool
	Close() error
}

type (
	DialFunc        func(ctx context.Context, cfg SocketConfig, token string, h SocketHandler) (TurnSocket, error)
	CaptureOpenFunc func(ctx context.Context, dev Device, cfg CaptureConfig) (Recorder, error)
)

func defaultDial(ctx context.Context, cfg SocketConfig, token string, h SocketHandler) (TurnSocket, error) {
	return Dial(ctx, cfg, token, h)
}

func defaultOpenCapture(ctx context.Context, dev Device, cfg CaptureConfig) (Recorder, error) {
	return OpenCapture(ctx, dev, cfg)
}

var allStates = []string{
	StateIdle.String(), StateConnecting.String(), StateListening.String(),
	StateProcessing.String(), StatePlaying.String(),
}

// SessionConfig holds the session's tunables.
type SessionConfig struct {
	Socket  SocketConfig
	Capture CaptureConfig
	Silence SilenceConfig
	// TurnTimeout bounds the wait for a server turn; 0 waits forever.
	TurnTimeout time.Duration
	Language    string
}

// SessionDeps are the collaborators a Session drives. Relay, Context,
// Notifier, Metrics and Saver may be nil.
type SessionDeps struct {
	Tokens   TokenSource
	Device   Device
	Player   *Player
	Relay    CommandRelay
	Context  ContextProvider
	Notifier Notifier
	Metrics  *metrics.Metrics
	Saver    *AudioSaver
}

type SessionOption func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(fn DialFunc) SessionOption {
	return func(s *Session) { s.dial = fn }
}

// WithCaptureOpener replaces how the microphone is opened.
func WithCaptureOpener(fn CaptureOpenFunc) SessionOption {
	return func(s *Session) { s.openCapture = fn }
}

// Session is the voice state machine:
//
//	Idle -> Connecting -> Listening -> Processing -> Playing -> Listening ...
//
// All state lives under mu. Every transition back to Idle goes through
// teardown, which bumps epoch so callbacks from the old run are ignored.
// No I/O happens while mu is held.
type Session struct {
	cfg         SessionConfig
	deps        SessionDeps
	detector    *SilenceDetector
	dial        DialFunc
	openCapture CaptureOpenFunc

	mu        sync.Mutex
	state     State
	epoch     uint64
	socket    TurnSocket
	capture   Recorder
	ctx       context.Context
	cancel    context.CancelFunc
	inFlight  bool
	sentAt    time.Time
	turnSeq   uint64
	turnTimer *time.Timer
	playSeq   uint64
}

func NewSession(cfg SessionConfig, deps SessionDeps, opts ...SessionOption) *Session {
	if deps.Player == nil {
		deps.Player = NewPlayer(NewTimedSink(deps.Saver))
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	s := &Session{
		cfg:         cfg,
		deps:        deps,
		detector:    NewSilenceDetector(cfg.Silence),
		dial:        defaultDial,
		openCapture: defaultOpenCapture,
		ctx:         context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	deps.Metrics.SetState(StateIdle.String(), allStates)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the microphone and the socket and begins listening. It is a
// no-op unless the session is Idle. Failures return the session to Idle and
// are reported to the Notifier as well as returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.epoch++
	e := s.epoch
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.notifyState(StateConnecting)
	logging.Infow("voice: session starting", logging.SessionFields(e, StateConnecting.String())...)

	token, err := s.deps.Tokens.Token(ctx)
	if err != nil || token == "" {
		if err != nil {
			logging.Warnw("voice: token lookup failed", "err", err)
		}
		s.fail(e, "login", MsgLoginRequired)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoginRequired, err)
		}
		return ErrLoginRequired
	}

	capt, err := s.openCapture(ctx, s.deps.Device, s.cfg.Capture)
	if err != nil {
		msg := MsgMicUnavailable
		if errors.Is(err, ErrPermissionDenied) {
			msg = MsgMicDenied
		}
		logging.Warnw("voice: microphone unavailable", "err", err)
		s.fail(e, "mic", msg)
		return err
	}
	if !s.current(e) {
		_ = capt.Close()
		return nil
	}

	sock, err := s.dial(ctx, s.cfg.Socket, token, &socketEvents{s: s, epoch: e})
	if err != nil {
		_ = capt.Close()
		logging.Warnw("voice: socket dial failed", "err", err)
		s.fail(e, "transport", MsgConnectionFailed)
		return err
	}

	s.mu.Lock()
	if s.epoch != e || s.state != StateConnecting {
		s.mu.Unlock()
		_ = capt.Close()
		_ = sock.Close()
		return nil
	}
	s.capture, s.socket = capt, sock
	s.mu.Unlock()

	s.beginListening(e)
	return nil
}

// Stop tears the session down from any state. Calling it again is a no-op.
func (s *Session) Stop() {
	s.teardown(0, nil)
}

// Toggle starts an idle session and stops any other.
func (s *Session) Toggle(ctx context.Context) error {
	if s.State() == StateIdle {
		return s.Start(ctx)
	}
	s.Stop()
	return nil
}

// EndUtterance finishes the current utterance as if silence had been
// detected.
func (s *Session) EndUtterance() error {
	s.mu.Lock()
	e, st, inFlight := s.epoch, s.state, s.inFlight
	s.mu.Unlock()
	if st != StateListening || inFlight {
		return ErrNotRecording
	}
	s.finishUtterance(e, "explicit")
	return nil
}

func (s *Session) current(e uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == e
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	s.deps.Metrics.SetState(st.String(), allStates)
}

func (s *Session) fail(e uint64, kind string, msg MessageID) {
	s.deps.Metrics.RecordError(kind)
	s.teardown(e, &Status{Kind: StatusError, Message: Translate(s.cfg.Language, msg)})
}

// teardown is the single path back to Idle. With e != 0 it only acts if e is
// still the live epoch.
func (s *Session) teardown(e uint64, reason *Status) {
	s.mu.Lock()
	if (e != 0 && e != s.epoch) || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	old := s.epoch
	s.epoch++
	sock, capt, cancel := s.socket, s.capture, s.cancel
	s.socket, s.capture, s.cancel = nil, nil, nil
	s.inFlight = false
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	s.detector.Stop()
	if cancel != nil {
		cancel()
	}
	s.deps.Player.Stop()
	if capt != nil {
		capt.Discard()
		if err := capt.Close(); err != nil {
			logging.Debugw("voice: capture close", "err", err)
		}
	}
	if sock != nil {
		if err := sock.Close(); err != nil {
			logging.Debugw("voice: socket close", "err", err)
		}
	}
	logging.Infow("voice: session stopped", logging.SessionFields(old, StateIdle.String())...)
	if reason != nil {
		r := *reason
		r.State = StateIdle
		s.notify(r)
	}
	s.notifyState(StateIdle)
}

// beginListening (re)arms capture and the silence detector. It is the entry
// action of Listening, reached from Connecting, Processing and Playing.
func (s *Session) beginListening(e uint64) {
	s.mu.Lock()
	if s.epoch != e || s.state == StateIdle || s.capture == nil {
		s.mu.Unlock()
		return
	}
	capt := s.capture
	s.inFlight = false
	s.setStateLocked(StateListening)
	s.mu.Unlock()

	if err := capt.Start(); err != nil {
		logging.Warnw("voice: capture start failed", "err", err)
		s.fail(e, "mic", MsgMicUnavailable)
		return
	}
	s.detector.Start(capt, func() { s.finishUtterance(e, "silence") })
	s.notifyState(StateListening)
}

func (s *Session) finishUtterance(e uint64, trigger string) {
	s.mu.Lock()
	if s.epoch != e || s.state != StateListening || s.inFlight {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateProcessing)
	capt, sock, sctx := s.capture, s.socket, s.ctx
	s.mu.Unlock()

	s.detector.Stop()
	s.notifyState(StateProcessing)

	utt, err := capt.Stop(sctx)
	switch {
	case errors.Is(err, ErrUtteranceTooShort):
		logging.Debugw("voice: utterance too short, discarded", "duration_ms", utt.Duration.Milliseconds(), "trigger", trigger)
		s.deps.Metrics.RecordUtterance("short", utt.Duration)
		s.beginListening(e)
		return
	case err != nil:
		if !s.current(e) {
			return
		}
		logging.Warnw("voice: finalize utterance failed", "err", err, "trigger", trigger)
		s.deps.Metrics.RecordUtterance("discarded", utt.Duration)
		s.beginListening(e)
		return
	}
	if utt.Long {
		logging.Warnw("voice: utterance exceeds maximum length", logging.UtteranceFields(utt.ID, len(utt.Audio), utt.Duration)...)
		s.deps.Metrics.RecordUtterance("long", utt.Duration)
	}

	var tc TurnContext
	if s.deps.Context != nil {
		if tc, err = s.deps.Context.TurnContext(sctx); err != nil {
			logging.Debugw("voice: turn context unavailable", "err", err)
			tc = TurnContext{}
		}
	}

	s.mu.Lock()
	if s.epoch != e || s.state != StateProcessing {
		st := s.state
		s.mu.Unlock()
		// A turn or teardown overtook the finished recording.
		logging.Warnw("voice: utterance dropped before send", append(logging.UtteranceFields(utt.ID, len(utt.Audio), utt.Duration),
			"trigger", trigger, "state", st.String())...)
		s.deps.Metrics.RecordUtterance("dropped", utt.Duration)
		return
	}
	s.inFlight = true
	s.sentAt = time.Now()
	s.turnSeq++
	if s.cfg.TurnTimeout > 0 {
		seq := s.turnSeq
		s.turnTimer = time.AfterFunc(s.cfg.TurnTimeout, func() { s.onTurnTimeout(e, seq) })
	}
	s.mu.Unlock()

	if _, err := s.deps.Saver.Save("utterance", utt.ID, utt.Format, utt.Audio, map[string]any{
		"duration_ms": utt.Duration.Milliseconds(), "trigger": trigger, "long": utt.Long,
	}); err != nil {
		logging.Warnw("voice: save utterance failed", "err", err)
	}
	if err := sock.Send(sctx, utt, tc); err != nil {
		logging.Warnw("voice: send utterance failed", append(logging.UtteranceFields(utt.ID, len(utt.Audio), utt.Duration), "err", err)...)
		s.fail(e, "transport", MsgConnectionFailed)
		return
	}
	s.deps.Metrics.RecordUtterance("sent", utt.Duration)
	logging.Infow("voice: utterance sent", append(logging.UtteranceFields(utt.ID, len(utt.Audio), utt.Duration), "trigger", trigger)...)
}

// onTurnTimeout gives up on the in-flight turn. The socket is closed with the
// session so a late reply can never be taken as the answer to a newer
// utterance.
func (s *Session) onTurnTimeout(e, seq uint64) {
	s.mu.Lock()
	if s.epoch != e || !s.inFlight || s.turnSeq != seq || s.state != StateProcessing {
		s.mu.Unlock()
		return
	}
	s.turnTimer = nil
	s.mu.Unlock()

	logging.Warnw("voice: no server turn before timeout", "timeout", s.cfg.TurnTimeout)
	s.fail(e, "timeout", MsgNoResponse)
}

// isLimitError matches quota errors by the word "limit" anywhere in the
// message, ignoring case.
func isLimitError(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "limit")
}

func (s *Session) handleTurn(e uint64, turn ServerTurn) {
	s.mu.Lock()
	if s.epoch != e {
		s.mu.Unlock()
		return
	}
	st, sctx := s.state, s.ctx
	var latency time.Duration
	if s.inFlight {
		latency = time.Since(s.sentAt)
	}
	s.inFlight = false
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
	s.mu.Unlock()

	reply := turn.Reply()
	logging.Debugw("voice: turn received", append(logging.TurnFields(reply != "", turn.AudioBase64 != "", turn.Command != nil, turn.Error),
		logging.SessionFields(e, st.String())...)...)

	if turn.Command != nil && s.deps.Relay != nil {
		s.deps.Relay.Dispatch(sctx, *turn.Command)
	}

	if turn.Error != "" {
		if isLimitError(turn.Error) {
			s.deps.Metrics.RecordTurn("limit", latency)
			logging.Warnw("voice: usage limit reached", "error", turn.Error)
			s.fail(e, "limit", MsgLimitExceeded)
			return
		}
		s.deps.Metrics.RecordTurn("error", latency)
		s.deps.Metrics.RecordError("server")
		s.notify(Status{State: st, Kind: StatusError, Message: turn.Error})
		if st == StateProcessing {
			s.beginListening(e)
		}
		return
	}

	if reply != "" {
		s.notify(Status{State: st, Kind: StatusText, Message: reply})
	}
	if turn.AudioBase64 != "" {
		s.deps.Metrics.RecordTurn("audio", latency)
		s.play(e, turn.AudioBase64)
		return
	}
	s.deps.Metrics.RecordTurn("text", latency)
	if st == StateProcessing {
		s.beginListening(e)
	}
}

// play stops the detector and discards any recording, then plays audio on
// its own goroutine. Playback ending naturally resumes listening.
func (s *Session) play(e uint64, audioBase64 string) {
	s.mu.Lock()
	if s.epoch != e || s.state == StateIdle || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	s.playSeq++
	seq := s.playSeq
	capt, sctx := s.capture, s.ctx
	s.setStateLocked(StatePlaying)
	s.mu.Unlock()

	s.detector.Stop()
	if capt != nil {
		capt.Discard()
	}
	s.notifyState(StatePlaying)

	go func() {
		err := s.deps.Player.Play(sctx, audioBase64)
		s.onPlaybackDone(e, seq, err)
	}()
}

func (s *Session) onPlaybackDone(e, seq uint64, err error) {
	if errors.Is(err, ErrPlaybackStopped) {
		return
	}
	s.mu.Lock()
	if s.epoch != e || s.playSeq != seq || s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err != nil {
		logging.Warnw("voice: playback failed", "err", err)
		s.deps.Metrics.RecordError("playback")
		s.notify(Status{State: StatePlaying, Kind: StatusError, Message: Translate(s.cfg.Language, MsgPlaybackFailed)})
	}
	s.beginListening(e)
}

func (s *Session) notifyState(st State) {
	s.notify(Status{State: st, Kind: StatusState})
}

func (s *Session) notify(st Status) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify(st)
	}
}

// socketEvents binds socket callbacks to the epoch that dialed them.
type socketEvents struct {
	s     *Session
	epoch uint64
}

func (h *socketEvents) OnTurn(t ServerTurn) { h.s.handleTurn(h.epoch, t) }

func (h *socketEvents) OnError(err error) {
	logging.Warnw("voice: socket failed", "err", err)
	h.s.fail(h.epoch, "transport", MsgConnectionFailed)
}
