package background

import (
	"net/http"
	"time"

	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/wsorigin"
)

// EventsHandler streams store events to the browser as JSON text frames.
func EventsHandler(store *Store, allowedOrigins ...string) http.Handler {
	upgrader := wsorigin.Upgrader(allowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("background: events upgrade failed", "err", err)
			return
		}
		events, cancel := store.Subscribe(32)
		defer cancel()
		defer conn.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					logging.Debugw("background: events write failed", "err", err)
					return
				}
			}
		}
	})
}
