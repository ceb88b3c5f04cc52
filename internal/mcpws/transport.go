// Package mcpws carries MCP JSON-RPC messages over a gorilla websocket. The
// same transport serves both ends: the relay dials, the background process
// upgrades.
package mcpws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/wsorigin"
)

// Transport implements sdk.Transport for one websocket.Conn.
type Transport struct {
	conn *websocket.Conn
}

func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

func (t *Transport) Connect(context.Context) (sdk.Connection, error) {
	return &connection{conn: t.conn}, nil
}

type connection struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *connection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (c *connection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

func (c *connection) SessionID() string { return "" }

// Handler upgrades each request and serves server over it until the peer
// goes away. Cross-origin browsers are refused unless listed in
// allowedOrigins.
func Handler(server *sdk.Server, allowedOrigins ...string) http.Handler {
	upgrader := wsorigin.Upgrader(allowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcpws: upgrade failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		go func() {
			session, err := server.Connect(context.Background(), NewTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcpws: server connect failed", "err", err)
				_ = conn.Close()
				return
			}
			logging.Debugw("mcpws: session started", "remote", r.RemoteAddr)
			if err := session.Wait(); err != nil {
				logging.Debugw("mcpws: session ended", "err", err, "remote", r.RemoteAddr)
				return
			}
			logging.Debugw("mcpws: session ended", "remote", r.RemoteAddr)
		}()
	})
}
