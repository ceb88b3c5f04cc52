// Package relay forwards voice commands to the background process as MCP
// tool calls and reads tab context back from it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/metrics"
	"github.com/page-companion/companion/internal/voice"
)

// ToolCaller is satisfied by *ClientWrapper.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*sdk.CallToolResult, error)
}

// Relay implements voice.CommandRelay and voice.ContextProvider.
type Relay struct {
	caller  ToolCaller
	timeout time.Duration
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

func New(caller ToolCaller, timeout time.Duration, m *metrics.Metrics) *Relay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Relay{caller: caller, timeout: timeout, metrics: m}
}

// Dispatch calls the tool named by cmd.Action with cmd.Params on its own
// goroutine. The outcome is only logged; unknown actions are dropped by the
// background process rejecting the call. The call outlives ctx's
// cancellation but not the relay timeout.
func (r *Relay) Dispatch(ctx context.Context, cmd voice.Command) {
	action := strings.TrimSpace(cmd.Action)
	if action == "" {
		logging.Warnw("relay: command without action dropped")
		r.metrics.RecordCommand("", "dropped")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		res, err := r.caller.CallTool(cctx, action, cmd.Params)
		switch {
		case err != nil:
			logging.Warnw("relay: command failed", "action", action, "params", logging.Redact(cmd.Params), "err", err)
			r.metrics.RecordCommand(action, "error")
		case res.IsError:
			logging.Warnw("relay: command rejected", "action", action, "params", logging.Redact(cmd.Params), "reason", resultText(res))
			r.metrics.RecordCommand(action, "rejected")
		default:
			logging.Infow("relay: command delivered", "action", action)
			r.metrics.RecordCommand(action, "ok")
		}
	}()
}

// Wait blocks until every dispatched command has finished.
func (r *Relay) Wait() { r.wg.Wait() }

// TurnContext lists tabs and describes the active one.
func (r *Relay) TurnContext(ctx context.Context) (voice.TurnContext, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.caller.CallTool(cctx, "list_tabs", nil)
	if err != nil {
		return voice.TurnContext{}, fmt.Errorf("list_tabs: %w", err)
	}
	if res.IsError {
		return voice.TurnContext{}, fmt.Errorf("list_tabs: %s", resultText(res))
	}
	var out struct {
		Tabs []voice.Tab `json:"tabs"`
	}
	if err := decodeResult(res, &out); err != nil {
		return voice.TurnContext{}, fmt.Errorf("list_tabs: %w", err)
	}
	tc := voice.TurnContext{Tabs: out.Tabs}
	for _, t := range out.Tabs {
		if t.Active {
			tc.URL, tc.Title = t.URL, t.Title
			break
		}
	}
	return tc, nil
}

// decodeResult reads structured content, falling back to JSON in the first
// text block.
func decodeResult(res *sdk.CallToolResult, v any) error {
	if res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, v)
	}
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			return json.Unmarshal([]byte(tc.Text), v)
		}
	}
	return errors.New("empty tool result")
}

func resultText(res *sdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "; ")
}
