package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/mcpws"
)

// ErrNotConnected is returned by CallTool before a transport is connected.
var ErrNotConnected = errors.New("mcp client not connected")

// ClientWrapper owns one MCP client session to the background process over a
// websocket, a spawned command, or any sdk.Transport.
type ClientWrapper struct {
	client *sdk.Client

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
}

func NewClientWrapper(name, version string) *ClientWrapper {
	c := sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil)
	return &ClientWrapper{client: c}
}

// ConnectWebSocket dials rawurl (ws, wss, http or https) and starts a session.
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return fmt.Errorf("parse background url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial background %s: %w", u.Host, err)
	}
	if err := w.Connect(ctx, mcpws.NewTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("relay: connected", "url", u.Redacted())
	return nil
}

// ConnectCommand spawns a local background process and speaks MCP over its
// stdio. Closing the wrapper closes the child's stdin and waits for it to
// exit.
func (w *ClientWrapper) ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	cmd.Stderr = &stderrLog{server: serverName}

	t := &sdk.CommandTransport{Command: cmd, TerminateDuration: 2 * time.Second}
	if err := w.Connect(ctx, t); err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return fmt.Errorf("start %s: %w", serverName, err)
	}
	logging.Infow("relay: command server started", "server", serverName, "command", command, "args", strings.Join(args, " "))
	return nil
}

// stderrLog forwards a child's stderr to the debug log one line at a time.
type stderrLog struct {
	server string
	mu     sync.Mutex
	buf    []byte
}

func (l *stderrLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.buf[:i])); line != "" {
			logging.Debugw("relay: server stderr", "server", l.server, "line", line)
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Connect starts a session over t and keeps it alive with periodic pings.
func (w *ClientWrapper) Connect(ctx context.Context, t sdk.Transport) error {
	sess, err := w.client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("mcp connect: %w", err)
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
	}
	w.session = sess
	w.keepaliveCancel = cancel
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(kaCtx, nil); err != nil {
					logging.Debugw("relay: keepalive ping failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// CallTool invokes name with args on the connected session.
func (w *ClientWrapper) CallTool(ctx context.Context, name string, args map[string]any) (*sdk.CallToolResult, error) {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}
	if args == nil {
		args = map[string]any{}
	}
	return sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
}

func (w *ClientWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
		w.keepaliveCancel = nil
	}
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			errs = append(errs, err)
		}
		w.session = nil
	}
	return errors.Join(errs...)
}
