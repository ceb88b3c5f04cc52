package background

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
)

var (
	ErrTabNotFound      = errors.New("tab not found")
	ErrInvalidURL       = errors.New("invalid url")
	ErrUnknownOperation = errors.New("unknown media operation")
)

// Tab is one browser tab as the background process sees it.
type Tab struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
	Muted  bool   `json:"muted,omitempty"`
	Paused bool   `json:"paused,omitempty"`
}

// EventType names an action the browser must carry out.
type EventType string

const (
	EventSwitch EventType = "switch"
	EventClose  EventType = "close"
	EventOpen   EventType = "open"
	EventMedia  EventType = "media"
)

// Event is published for every change the tools make so the browser side
// can apply it.
type Event struct {
	Type      EventType `json:"type"`
	TabID     int       `json:"tab_id"`
	URL       string    `json:"url,omitempty"`
	Operation string    `json:"operation,omitempty"`
}

// MediaOperations lists the accepted control_media operations.
var MediaOperations = []string{"play", "pause", "mute", "unmute"}

// Store is the tab registry. Tab ids are assigned by the browser when it
// reports tabs and by the store for tabs it opens itself.
type Store struct {
	mu     sync.Mutex
	tabs   map[int]*Tab
	order  []int
	nextID int
	subs   map[chan Event]struct{}
}

func NewStore() *Store {
	return &Store{tabs: make(map[int]*Tab), nextID: 1, subs: make(map[chan Event]struct{})}
}

// List returns the tabs in window order.
func (s *Store) List() []Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tab, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tabs[id])
	}
	return out
}

// Active returns the active tab, if any.
func (s *Store) Active() (Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if t := s.tabs[id]; t.Active {
			return *t, true
		}
	}
	return Tab{}, false
}

// Replace swaps the registry for a snapshot reported by the browser.
func (s *Store) Replace(tabs []Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs = make(map[int]*Tab, len(tabs))
	s.order = s.order[:0]
	for _, t := range tabs {
		if _, dup := s.tabs[t.ID]; dup || t.ID <= 0 {
			continue
		}
		t := t
		s.tabs[t.ID] = &t
		s.order = append(s.order, t.ID)
		if t.ID >= s.nextID {
			s.nextID = t.ID + 1
		}
	}
}

func (s *Store) Switch(id int) error {
	s.mu.Lock()
	if _, ok := s.tabs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTabNotFound, id)
	}
	s.activateLocked(id)
	s.mu.Unlock()
	s.publish(Event{Type: EventSwitch, TabID: id})
	return nil
}

// Close removes the tab. Closing the active tab activates its right-hand
// neighbour, or the left one when it was last.
func (s *Store) Close(id int) error {
	s.mu.Lock()
	t, ok := s.tabs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTabNotFound, id)
	}
	idx := slices.Index(s.order, id)
	delete(s.tabs, id)
	s.order = slices.Delete(s.order, idx, idx+1)
	if t.Active && len(s.order) > 0 {
		s.activateLocked(s.order[min(idx, len(s.order)-1)])
	}
	s.mu.Unlock()
	s.publish(Event{Type: EventClose, TabID: id})
	return nil
}

// Open adds and activates a tab for an http(s) URL.
func (s *Store) Open(raw string) (Tab, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Tab{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	t := &Tab{ID: id, URL: u.String(), Title: u.Host}
	s.tabs[id] = t
	s.order = append(s.order, id)
	s.activateLocked(id)
	out := *t
	s.mu.Unlock()
	s.publish(Event{Type: EventOpen, TabID: id, URL: out.URL})
	return out, nil
}

// ControlMedia applies op to tab id, or to the active tab when id is 0.
func (s *Store) ControlMedia(id int, op string) (Tab, error) {
	op = strings.ToLower(strings.TrimSpace(op))
	if !slices.Contains(MediaOperations, op) {
		return Tab{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	s.mu.Lock()
	if id == 0 {
		for _, tid := range s.order {
			if s.tabs[tid].Active {
				id = tid
				break
			}
		}
	}
	t, ok := s.tabs[id]
	if !ok {
		s.mu.Unlock()
		return Tab{}, fmt.Errorf("%w: %d", ErrTabNotFound, id)
	}
	switch op {
	case "play":
		t.Paused = false
	case "pause":
		t.Paused = true
	case "mute":
		t.Muted = true
	case "unmute":
		t.Muted = false
	}
	out := *t
	s.mu.Unlock()
	s.publish(Event{Type: EventMedia, TabID: id, Operation: op})
	return out, nil
}

func (s *Store) activateLocked(id int) {
	for tid, t := range s.tabs {
		t.Active = tid == id
	}
}

// Subscribe returns a channel of events and a cancel func. Slow subscribers
// miss events rather than block the tools.
func (s *Store) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *Store) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
