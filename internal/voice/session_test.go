package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/page-companion/companion/internal/metrics"
)

const waitFor = 2 * time.Second

type staticTokens string

func (t staticTokens) Token(context.Context) (string, error) { return string(t), nil }

type fakeRecorder struct {
	energy atomic.Uint64

	mu        sync.Mutex
	recording bool
	starts    int
	discards  int
	closes    int
	stopFn    func() (Utterance, error)
}

func (r *fakeRecorder) Energy() float64 { return float64(r.energy.Load()) }

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	r.starts++
	return nil
}

func (r *fakeRecorder) Stop(context.Context) (Utterance, error) {
	r.mu.Lock()
	r.recording = false
	fn := r.stopFn
	r.mu.Unlock()
	if fn == nil {
		return Utterance{ID: "u1", Audio: []byte{1, 2, 3}, Format: "wav", Duration: time.Second}, nil
	}
	return fn()
}

func (r *fakeRecorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	r.discards++
}

func (r *fakeRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *fakeRecorder) counts() (starts, discards, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.discards, r.closes
}

type fakeSocket struct {
	mu     sync.Mutex
	sent   []Utterance
	ctxs   []TurnContext
	closes int
	sendCh chan Utterance
}

func (s *fakeSocket) Send(_ context.Context, u Utterance, tc TurnContext) error {
	s.mu.Lock()
	s.sent = append(s.sent, u)
	s.ctxs = append(s.ctxs, tc)
	s.mu.Unlock()
	if s.sendCh != nil {
		s.sendCh <- u
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// eventLog records notifier and relay calls in arrival order.
type eventLog struct {
	mu     sync.Mutex
	events []string
	status []Status
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) Notify(st Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = append(l.status, st)
	if st.Kind != StatusState {
		l.events = append(l.events, string(st.Kind)+":"+st.Message)
	}
}

func (l *eventLog) Dispatch(_ context.Context, cmd Command) {
	l.add("command:" + cmd.Action)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) has(ev string) bool {
	for _, e := range l.snapshot() {
		if e == ev {
			return true
		}
	}
	return false
}

// gateSink blocks each playback until released or canceled and records
// whether the recorder was active when playback began.
type gateSink struct {
	rec         *fakeRecorder
	started     chan struct{}
	release     chan error
	overlapping atomic.Bool
}

func newGateSink(rec *fakeRecorder) *gateSink {
	return &gateSink{rec: rec, started: make(chan struct{}, 8), release: make(chan error, 8)}
}

func (g *gateSink) Play(ctx context.Context, _ []byte) error {
	if g.rec != nil && g.rec.Recording() {
		g.overlapping.Store(true)
	}
	g.started <- struct{}{}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-g.release:
		return err
	}
}

type harness struct {
	t       *testing.T
	s       *Session
	rec     *fakeRecorder
	sock    *fakeSocket
	sink    *gateSink
	log     *eventLog
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers []SocketHandler
	dials    int
	opens    int
}

func newHarness(t *testing.T, cfg SessionConfig, tokens TokenSource) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		rec:     &fakeRecorder{},
		sock:    &fakeSocket{sendCh: make(chan Utterance, 8)},
		log:     &eventLog{},
		metrics: metrics.New("voice_test"),
	}
	h.sink = newGateSink(h.rec)
	if cfg.Silence.SilenceDuration == 0 {
		cfg.Silence = SilenceConfig{CheckInterval: 5 * time.Millisecond, SilenceDuration: time.Hour}
	}
	h.s = NewSession(cfg, SessionDeps{
		Tokens:   tokens,
		Player:   NewPlayer(h.sink),
		Relay:    h.log,
		Notifier: h.log,
		Metrics:  h.metrics,
	},
		WithCaptureOpener(func(context.Context, Device, CaptureConfig) (Recorder, error) {
			h.mu.Lock()
			h.opens++
			h.mu.Unlock()
			return h.rec, nil
		}),
		WithDialer(func(_ context.Context, _ SocketConfig, _ string, sh SocketHandler) (TurnSocket, error) {
			h.mu.Lock()
			h.dials++
			h.handlers = append(h.handlers, sh)
			h.mu.Unlock()
			return h.sock, nil
		}),
	)
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) handler() SocketHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.handlers)
	return h.handlers[len(h.handlers)-1]
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.s.State() == want }, waitFor, time.Millisecond,
		"want state %s, have %s", want, h.s.State())
}

func (h *harness) waitSent() Utterance {
	h.t.Helper()
	select {
	case u := <-h.sock.sendCh:
		return u
	case <-time.After(waitFor):
		h.t.Fatal("utterance was not sent")
		return Utterance{}
	}
}

func (h *harness) waitPlay() {
	h.t.Helper()
	select {
	case <-h.sink.started:
	case <-time.After(waitFor):
		h.t.Fatal("playback did not start")
	}
}

func (h *harness) listening() {
	h.t.Helper()
	require.NoError(h.t, h.s.Start(context.Background()))
	h.waitState(StateListening)
}

var someAudio = base64.StdEncoding.EncodeToString(buildWAV(make([]byte, 3200), 16000, 1, 16))

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.s.Stop()
	assert.Equal(t, StateIdle, h.s.State())

	h.listening()
	h.s.Stop()
	h.s.Stop()

	assert.Equal(t, StateIdle, h.s.State())
	_, _, closes := h.rec.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, h.sock.closes)
}

func TestStartRequiresLogin(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens(""))
	err := h.s.Start(context.Background())
	require.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, StateIdle, h.s.State())
	assert.Zero(t, h.dials)
	assert.Zero(t, h.opens)
	assert.True(t, h.log.has("error:"+Translate("en", MsgLoginRequired)))
}

func TestMicDeniedReturnsToIdle(t *testing.T) {
	var dials int
	log := &eventLog{}
	s := NewSession(SessionConfig{Language: "ru"}, SessionDeps{Tokens: staticTokens("tok"), Notifier: log},
		WithCaptureOpener(func(context.Context, Device, CaptureConfig) (Recorder, error) {
			return nil, &MicError{Kind: ErrPermissionDenied, Err: errors.New("NotAllowedError")}
		}),
		WithDialer(func(context.Context, SocketConfig, string, SocketHandler) (TurnSocket, error) {
			dials++
			return &fakeSocket{}, nil
		}),
	)
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, dials)
	assert.True(t, log.has("error:"+Translate("ru", MsgMicDenied)))
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewSession(SessionConfig{}, SessionDeps{Tokens: staticTokens("tok")},
		WithCaptureOpener(func(context.Context, Device, CaptureConfig) (Recorder, error) { return rec, nil }),
		WithDialer(func(context.Context, SocketConfig, string, SocketHandler) (TurnSocket, error) {
			return nil, fmt.Errorf("%w: refused", ErrTransport)
		}),
	)
	require.ErrorIs(t, s.Start(context.Background()), ErrTransport)
	assert.Equal(t, StateIdle, s.State())
	_, _, closes := rec.counts()
	assert.Equal(t, 1, closes, "microphone released after dial failure")
}

func reentrantSession(rec *fakeRecorder, opens, dials *atomic.Int32, entered, gate chan struct{}) *Session {
	return NewSession(SessionConfig{Silence: SilenceConfig{SilenceDuration: time.Hour}}, SessionDeps{Tokens: staticTokens("tok")},
		WithCaptureOpener(func(context.Context, Device, CaptureConfig) (Recorder, error) {
			opens.Add(1)
			return rec, nil
		}),
		WithDialer(func(context.Context, SocketConfig, string, SocketHandler) (TurnSocket, error) {
			dials.Add(1)
			close(entered)
			<-gate
			return &fakeSocket{}, nil
		}),
	)
}

func TestReentrantStartDialsOnce(t *testing.T) {
	rec := &fakeRecorder{}
	var opens, dials atomic.Int32
	entered, gate := make(chan struct{}), make(chan struct{})
	s := reentrantSession(rec, &opens, &dials, entered, gate)
	defer s.Stop()

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()
	<-entered
	assert.Equal(t, StateConnecting, s.State())
	require.NoError(t, s.Start(context.Background()))
	close(gate)
	require.NoError(t, <-errc)

	assert.Equal(t, StateListening, s.State())
	assert.EqualValues(t, 1, opens.Load())
	assert.EqualValues(t, 1, dials.Load())
}

func TestStopDuringConnectReleasesResources(t *testing.T) {
	rec := &fakeRecorder{}
	var opens, dials atomic.Int32
	entered, gate := make(chan struct{}), make(chan struct{})
	s := reentrantSession(rec, &opens, &dials, entered, gate)

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()
	<-entered
	s.Stop()
	close(gate)
	require.NoError(t, <-errc)

	assert.Equal(t, StateIdle, s.State())
	_, _, closes := rec.counts()
	assert.Equal(t, 1, closes)
	assert.False(t, rec.Recording())
}

func TestEndToEndHappyPath(t *testing.T) {
	h := newHarness(t, SessionConfig{
		Silence: SilenceConfig{CheckInterval: 5 * time.Millisecond, SilenceDuration: 40 * time.Millisecond},
	}, staticTokens("tok"))
	h.listening()

	h.rec.energy.Store(120)
	time.Sleep(20 * time.Millisecond)
	h.rec.energy.Store(0)

	u := h.waitSent()
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, StateProcessing, h.s.State())

	h.handler().OnTurn(ServerTurn{Answer: "hi", AudioBase64: someAudio})
	h.waitPlay()
	assert.Equal(t, StatePlaying, h.s.State())
	assert.True(t, h.log.has("text:hi"))

	h.sink.release <- nil
	h.waitState(StateListening)
	starts, _, _ := h.rec.counts()
	assert.Equal(t, 2, starts)
	assert.True(t, h.rec.Recording())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.UtterancesTotal.WithLabelValues("sent")) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TurnsTotal.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionState.WithLabelValues("listening")))
}

func TestNoOverlappingTurns(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()

	require.NoError(t, h.s.EndUtterance())
	h.waitSent()
	assert.ErrorIs(t, h.s.EndUtterance(), ErrNotRecording)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.sock.sends())

	h.handler().OnTurn(ServerTurn{Text: "ok"})
	h.waitState(StateListening)
	require.NoError(t, h.s.EndUtterance())
	h.waitSent()
	assert.Equal(t, 2, h.sock.sends())
}

func TestPlaybackStopsRecordingFirst(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	require.True(t, h.rec.Recording())

	h.handler().OnTurn(ServerTurn{AudioBase64: someAudio})
	h.waitPlay()
	assert.False(t, h.sink.overlapping.Load(), "recorder active when playback started")
	assert.False(t, h.rec.Recording())
	_, discards, _ := h.rec.counts()
	assert.GreaterOrEqual(t, discards, 1)

	h.sink.release <- nil
	h.waitState(StateListening)
	assert.True(t, h.rec.Recording())

	// The microphone stays open across the whole turn.
	_, _, closes := h.rec.counts()
	assert.Zero(t, closes)
	h.mu.Lock()
	assert.Equal(t, 1, h.opens)
	h.mu.Unlock()
}

func TestNewAudioSupersedesPlayback(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()

	h.handler().OnTurn(ServerTurn{AudioBase64: someAudio})
	h.waitPlay()
	h.handler().OnTurn(ServerTurn{AudioBase64: someAudio})
	h.waitPlay()
	assert.Equal(t, StatePlaying, h.s.State())

	h.sink.release <- nil
	h.waitState(StateListening)
}

func TestShortUtteranceIsNeverSent(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.rec.stopFn = func() (Utterance, error) {
		return Utterance{Duration: 300 * time.Millisecond}, ErrUtteranceTooShort
	}
	h.listening()

	require.NoError(t, h.s.EndUtterance())
	h.waitState(StateListening)
	assert.Zero(t, h.sock.sends())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UtterancesTotal.WithLabelValues("short")))
}

func TestLimitErrorTearsDown(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	h.handler().OnTurn(ServerTurn{AudioBase64: someAudio})
	h.waitPlay()

	h.handler().OnTurn(ServerTurn{Error: "Daily limit exceeded"})

	assert.Equal(t, StateIdle, h.s.State())
	assert.False(t, h.rec.Recording())
	assert.False(t, h.s.deps.Player.Active())
	_, _, closes := h.rec.counts()
	assert.Equal(t, 1, closes)
	assert.True(t, h.log.has("error:"+Translate("en", MsgLimitExceeded)))
}

func TestLimitMatchIgnoresCase(t *testing.T) {
	assert.True(t, isLimitError("Rate LIMIT reached"))
	assert.True(t, isLimitError("limited"))
	assert.False(t, isLimitError("quota exceeded"))
}

func TestGenericErrorKeepsListening(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	require.NoError(t, h.s.EndUtterance())
	h.waitSent()

	h.handler().OnTurn(ServerTurn{Error: invalidMessageText})
	h.waitState(StateListening)
	assert.True(t, h.log.has("error:"+invalidMessageText))
}

func TestCommandBeforeFeedback(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	require.NoError(t, h.s.EndUtterance())
	h.waitSent()

	h.handler().OnTurn(ServerTurn{
		Command: &Command{Action: "open_url", Params: map[string]any{"url": "https://x"}},
		Answer:  "Opening now",
	})
	h.waitState(StateListening)

	events := h.log.snapshot()
	require.Contains(t, events, "command:open_url")
	require.Contains(t, events, "text:Opening now")
	var cmdAt, textAt int
	for i, e := range events {
		switch e {
		case "command:open_url":
			cmdAt = i
		case "text:Opening now":
			textAt = i
		}
	}
	assert.Less(t, cmdAt, textAt)
}

func TestTurnTimeoutTearsDown(t *testing.T) {
	h := newHarness(t, SessionConfig{TurnTimeout: 30 * time.Millisecond}, staticTokens("tok"))
	h.listening()
	stale := h.handler()
	require.NoError(t, h.s.EndUtterance())
	h.waitSent()

	h.waitState(StateIdle)
	assert.True(t, h.log.has("error:"+Translate("en", MsgNoResponse)))
	assert.ErrorIs(t, h.s.EndUtterance(), ErrNotRecording)
	h.sock.mu.Lock()
	assert.Equal(t, 1, h.sock.closes)
	h.sock.mu.Unlock()

	// A reply to the timed-out utterance must not answer the next one.
	h.listening()
	require.NoError(t, h.s.EndUtterance())
	h.waitSent()
	stale.OnTurn(ServerTurn{Text: "late answer"})
	assert.NotEqual(t, StateListening, h.s.State())
	assert.False(t, h.log.has("text:late answer"))
	assert.ErrorIs(t, h.s.EndUtterance(), ErrNotRecording)
	assert.Equal(t, 2, h.sock.sends())
}

func TestSocketErrorTearsDown(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	h.handler().OnError(fmt.Errorf("%w: reset", ErrTransport))
	assert.Equal(t, StateIdle, h.s.State())
	assert.True(t, h.log.has("error:"+Translate("en", MsgConnectionFailed)))
}

func TestStaleSocketEventsIgnored(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	old := h.handler()
	h.s.Stop()
	h.listening()

	old.OnTurn(ServerTurn{AudioBase64: someAudio})
	old.OnError(ErrTransport)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateListening, h.s.State())
	assert.Empty(t, h.sink.started)
}

func TestPlaybackFailureResumesListening(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	h.handler().OnTurn(ServerTurn{AudioBase64: someAudio})
	h.waitPlay()
	h.sink.release <- errors.New("device busy")

	h.waitState(StateListening)
	require.Eventually(t, func() bool { return h.log.has("error:" + Translate("en", MsgPlaybackFailed)) }, waitFor, time.Millisecond)
}

func TestUndecodableAudioIsPlaybackFailure(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.listening()
	h.handler().OnTurn(ServerTurn{Text: "x", AudioBase64: "%%%"})
	h.waitState(StateListening)
	require.Eventually(t, func() bool { return h.log.has("error:" + Translate("en", MsgPlaybackFailed)) }, waitFor, time.Millisecond)
}

func TestToggle(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	require.NoError(t, h.s.Toggle(context.Background()))
	h.waitState(StateListening)
	require.NoError(t, h.s.Toggle(context.Background()))
	assert.Equal(t, StateIdle, h.s.State())
}

func TestContextProviderFeedsSend(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.s.deps.Context = contextFunc(func(context.Context) (TurnContext, error) {
		return TurnContext{URL: "https://a", Tabs: []Tab{{ID: 1, URL: "https://a", Active: true}}}, nil
	})
	h.listening()
	require.NoError(t, h.s.EndUtterance())
	h.waitSent()
	h.sock.mu.Lock()
	defer h.sock.mu.Unlock()
	require.Len(t, h.sock.ctxs, 1)
	assert.Equal(t, "https://a", h.sock.ctxs[0].URL)
}

type contextFunc func(context.Context) (TurnContext, error)

func (f contextFunc) TurnContext(ctx context.Context) (TurnContext, error) { return f(ctx) }

func TestUtteranceOvertakenByTurnIsCounted(t *testing.T) {
	h := newHarness(t, SessionConfig{}, staticTokens("tok"))
	h.s.deps.Context = contextFunc(func(context.Context) (TurnContext, error) {
		// An unsolicited reply lands while the utterance is being finalized.
		h.handler().OnTurn(ServerTurn{Text: "unsolicited"})
		return TurnContext{}, nil
	})
	h.listening()

	require.NoError(t, h.s.EndUtterance())
	assert.Equal(t, StateListening, h.s.State())
	assert.Zero(t, h.sock.sends())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UtterancesTotal.WithLabelValues("dropped")))
}
