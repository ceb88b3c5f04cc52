package voice

import (
	"embed"
	"errors"
	"io/fs"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/page-companion/companion/internal/logging"
)

// MessageID names a user-visible status string.
type MessageID string

const (
	MsgLoginRequired    MessageID = "login_required"
	MsgMicDenied        MessageID = "mic_denied"
	MsgMicUnavailable   MessageID = "mic_unavailable"
	MsgConnectionFailed MessageID = "connection_failed"
	MsgLimitExceeded    MessageID = "limit_exceeded"
	MsgPlaybackFailed   MessageID = "playback_failed"
	MsgNoResponse       MessageID = "no_response"
)

//go:embed locales/*.toml
var localeFS embed.FS

var bundle = loadBundle()

func loadBundle() *i18n.Bundle {
	b := i18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	files, err := fs.Glob(localeFS, "locales/*.toml")
	if err != nil {
		panic(err)
	}
	for _, name := range files {
		buf, err := localeFS.ReadFile(name)
		if err != nil {
			panic(err)
		}
		b.MustParseMessageFileBytes(buf, name)
	}
	return b
}

// Translate returns the message for lang, falling back to English.
func Translate(lang string, id MessageID) string {
	s, err := i18n.NewLocalizer(bundle, lang).Localize(&i18n.LocalizeConfig{MessageID: string(id)})
	if s == "" {
		if err != nil {
			logging.Debugw("voice: message missing", "lang", lang, "id", id, "err", err)
		}
		return string(id)
	}
	return s
}

// UserMessage maps an error from Start or EndUtterance onto the translated
// text shown to the user.
func UserMessage(lang string, err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLoginRequired):
		return Translate(lang, MsgLoginRequired)
	case errors.Is(err, ErrPermissionDenied):
		return Translate(lang, MsgMicDenied)
	case errors.Is(err, ErrDeviceUnavailable):
		return Translate(lang, MsgMicUnavailable)
	case errors.Is(err, ErrTransport):
		return Translate(lang, MsgConnectionFailed)
	}
	return err.Error()
}
