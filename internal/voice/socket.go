package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/page-companion/companion/internal/logging"
)

// SocketHandler receives everything the read loop produces. Calls come from
// the socket's own goroutine, one at a time.
type SocketHandler interface {
	OnTurn(ServerTurn)
	// OnError reports a transport failure. It is not called after Close.
	OnError(error)
}

type SocketConfig struct {
	URL          string
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

const closeFrameTimeout = time.Second

// Socket is one websocket connection to the voice backend. There is no
// reconnect: a failed socket is reported once and must be replaced.
type Socket struct {
	conn         *websocket.Conn
	handler      SocketHandler
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// contextFrame precedes every audio frame.
type contextFrame struct {
	Text        string `json:"text"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Format      string `json:"format,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
}

// Dial opens the socket with token as a query parameter and starts the read
// loop. Errors wrap ErrTransport.
func Dial(ctx context.Context, cfg SocketConfig, token string, h SocketHandler) (*Socket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrTransport, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("%w: dial %s (status %d): %v", ErrTransport, u.Host, status, err)
	}
	wt := cfg.WriteTimeout
	if wt == 0 {
		wt = 10 * time.Second
	}
	s := &Socket{conn: conn, handler: h, writeTimeout: wt, done: make(chan struct{})}
	go s.readLoop()
	logging.Debugw("socket: connected", "host", u.Host)
	return s, nil
}

func (s *Socket) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			logging.Warnw("socket: read failed", "err", err)
			s.handler.OnError(fmt.Errorf("%w: %v", ErrTransport, err))
			return
		}
		t, err := decodeTurn(data)
		if err != nil {
			logging.Warnw("socket: malformed turn", "err", err, "bytes", len(data))
		}
		s.handler.OnTurn(t)
	}
}

// decodeTurn always yields a turn: undecodable payloads become an error turn
// alongside an ErrInvalidMessage.
func decodeTurn(data []byte) (ServerTurn, error) {
	var t ServerTurn
	if err := json.Unmarshal(data, &t); err != nil {
		return ServerTurn{Error: invalidMessageText}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return t, nil
}

// Send writes the context frame and then the audio frame. Both writes happen
// under one lock so frames from concurrent senders never interleave.
func (s *Socket) Send(ctx context.Context, utt Utterance, tc TurnContext) error {
	if s == nil || s.closed.Load() {
		return fmt.Errorf("%w: socket closed", ErrTransport)
	}
	ctxJSON, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("marshal turn context: %w", err)
	}
	head, err := json.Marshal(contextFrame{
		Text:        string(ctxJSON),
		UtteranceID: utt.ID,
		Format:      utt.Format,
		DurationMS:  utt.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal context frame: %w", err)
	}

	deadline := time.Now().Add(s.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	defer s.conn.SetWriteDeadline(time.Time{})
	if err := s.conn.WriteMessage(websocket.TextMessage, head); err != nil {
		return fmt.Errorf("%w: write context: %v", ErrTransport, err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, utt.Audio); err != nil {
		return fmt.Errorf("%w: write audio: %v", ErrTransport, err)
	}
	return nil
}

// Close shuts the connection down. It is safe on a nil or already closed
// socket and never waits behind an in-flight Send: the close frame is only
// attempted when no write holds the connection, otherwise the connection is
// dropped and the stalled write fails.
func (s *Socket) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.writeMu.TryLock() {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeFrameTimeout))
			s.writeMu.Unlock()
		} else {
			logging.Debugw("socket: closing under a pending write")
		}
		err = s.conn.Close()
	})
	return err
}

// Done is closed when the read loop has exited.
func (s *Socket) Done() <-chan struct{} { return s.done }
