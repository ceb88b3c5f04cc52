package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/page-companion/companion/internal/config"
)

// ErrNoBackground means neither BACKGROUND_URL nor the manifest names the
// background process.
var ErrNoBackground = errors.New("no background process configured")

// Open connects a client to the background process. An explicit URL wins;
// otherwise the manifest's "background" entry is used, over websocket or by
// spawning its command.
func Open(ctx context.Context, backgroundURL string, manifest config.ManifestResult, clientName, version string) (*ClientWrapper, error) {
	w := NewClientWrapper(clientName, version)
	if backgroundURL != "" {
		if err := w.ConnectWebSocket(ctx, backgroundURL); err != nil {
			return nil, err
		}
		return w, nil
	}
	entry, ok := manifest.Lookup(config.BackgroundServerName)
	if !ok {
		return nil, ErrNoBackground
	}
	var err error
	switch {
	case entry.IsWebSocket():
		err = w.ConnectWebSocket(ctx, entry.Transport.URL)
	case entry.Command != "":
		err = w.ConnectCommand(ctx, config.BackgroundServerName, entry.Command, entry.Args, entry.Env)
	default:
		err = fmt.Errorf("%w: manifest entry %q has neither transport nor command", ErrNoBackground, config.BackgroundServerName)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}
