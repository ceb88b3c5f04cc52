package voice

import (
	"context"
	"encoding/json"
	"time"
)

// State is the voice session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateProcessing
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Utterance is one finalized recording, ready to be sent.
type Utterance struct {
	ID       string
	Audio    []byte
	Format   string
	Duration time.Duration
	// Long is set when the recording ran past the configured maximum. The
	// audio is not truncated.
	Long bool
}

// ServerTurn is one inbound message from the voice backend.
type ServerTurn struct {
	Answer      string   `json:"answer,omitempty"`
	Text        string   `json:"text,omitempty"`
	AudioBase64 string   `json:"audio_base64,omitempty"`
	Command     *Command `json:"command,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Reply returns the text to show; "answer" wins over "text".
func (t ServerTurn) Reply() string {
	if t.Answer != "" {
		return t.Answer
	}
	return t.Text
}

// Command is an action for the privileged background process. On the wire
// the parameters sit next to "action" in one flat object.
type Command struct {
	Action string
	Params map[string]any
}

func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Params)+1)
	for k, v := range c.Params {
		out[k] = v
	}
	out["action"] = c.Action
	return json.Marshal(out)
}

func (c *Command) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	action, _ := raw["action"].(string)
	delete(raw, "action")
	c.Action = action
	c.Params = raw
	return nil
}

// Tab describes one browser tab as reported by the background process.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// TurnContext is sent ahead of every utterance so the backend can resolve
// references such as "this page" or "the second tab".
type TurnContext struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	Tabs  []Tab  `json:"tabs,omitempty"`
}

// StatusKind classifies a Status update.
type StatusKind string

const (
	StatusState StatusKind = "state"
	StatusText  StatusKind = "text"
	StatusError StatusKind = "error"
)

// Status is a user-facing update pushed to the sidebar.
type Status struct {
	State   State      `json:"state"`
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

// TokenSource returns the bearer token; "" means the user is logged out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// CommandRelay forwards commands to the background process. Dispatch must not
// block on the outcome.
type CommandRelay interface {
	Dispatch(ctx context.Context, cmd Command)
}

// ContextProvider supplies the tab context for an outgoing utterance.
type ContextProvider interface {
	TurnContext(ctx context.Context) (TurnContext, error)
}

// Notifier receives status updates for the UI.
type Notifier interface {
	Notify(Status)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Status)

func (f NotifierFunc) Notify(s Status) { f(s) }
