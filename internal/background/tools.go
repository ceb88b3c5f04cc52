package background

import (
	"context"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/metrics"
)

type ListTabsInput struct{}

type ListTabsOutput struct {
	Tabs []Tab `json:"tabs"`
}

type TabInput struct {
	TabID int `json:"tab_id" jsonschema:"id of the tab"`
}

type OpenURLInput struct {
	URL string `json:"url" jsonschema:"http or https URL to open in a new tab"`
}

type ControlMediaInput struct {
	TabID     int    `json:"tab_id,omitempty" jsonschema:"tab to control; the active tab when omitted"`
	Operation string `json:"operation" jsonschema:"one of play, pause, mute, unmute"`
}

type ReportTabsInput struct {
	Tabs []Tab `json:"tabs" jsonschema:"every open tab, in window order"`
}

type TabOutput struct {
	Tab Tab `json:"tab"`
}

type AckOutput struct {
	OK bool `json:"ok"`
}

// NewServer returns an MCP server exposing the tab tools backed by store.
func NewServer(store *Store, m *metrics.Metrics, version string) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "page-companion-background", Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: "list_tabs", Description: "List open browser tabs"},
		func(ctx context.Context, _ *sdk.CallToolRequest, _ ListTabsInput) (*sdk.CallToolResult, ListTabsOutput, error) {
			m.RecordToolCall("list_tabs", "ok")
			return nil, ListTabsOutput{Tabs: store.List()}, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "switch_tab", Description: "Activate a tab"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in TabInput) (*sdk.CallToolResult, AckOutput, error) {
			if err := record(m, "switch_tab", store.Switch(in.TabID)); err != nil {
				return nil, AckOutput{}, err
			}
			return nil, AckOutput{OK: true}, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "close_tab", Description: "Close a tab"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in TabInput) (*sdk.CallToolResult, AckOutput, error) {
			if err := record(m, "close_tab", store.Close(in.TabID)); err != nil {
				return nil, AckOutput{}, err
			}
			return nil, AckOutput{OK: true}, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "open_url", Description: "Open a URL in a new tab"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in OpenURLInput) (*sdk.CallToolResult, TabOutput, error) {
			tab, err := store.Open(in.URL)
			if err := record(m, "open_url", err); err != nil {
				return nil, TabOutput{}, err
			}
			return nil, TabOutput{Tab: tab}, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "control_media", Description: "Play, pause, mute or unmute media in a tab"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in ControlMediaInput) (*sdk.CallToolResult, TabOutput, error) {
			tab, err := store.ControlMedia(in.TabID, in.Operation)
			if err := record(m, "control_media", err); err != nil {
				return nil, TabOutput{}, err
			}
			return nil, TabOutput{Tab: tab}, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "report_tabs", Description: "Replace the tab registry with the browser's snapshot"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in ReportTabsInput) (*sdk.CallToolResult, AckOutput, error) {
			store.Replace(in.Tabs)
			m.RecordToolCall("report_tabs", "ok")
			logging.Debugw("background: tabs reported", "count", len(in.Tabs))
			return nil, AckOutput{OK: true}, nil
		})

	return server
}

func record(m *metrics.Metrics, tool string, err error) error {
	if err != nil {
		m.RecordToolCall(tool, "error")
		logging.Warnw("background: tool failed", "tool", tool, "err", err)
		return fmt.Errorf("%s: %w", tool, err)
	}
	m.RecordToolCall(tool, "ok")
	logging.Infow("background: tool applied", "tool", tool)
	return nil
}
