// Package locales renders user-facing texts from embedded go-i18n catalogs
// and sanitizes collaborator error strings before they reach a user.
package locales

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	logx "crosspost/pkg/logx"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed *.json
var localeFS embed.FS

// Message ids.
const (
	MsgDispatchSuccess           = "DispatchSuccess"
	MsgDispatchSuccessPartial    = "DispatchSuccessPartial"
	MsgDispatchSuccessNothingNew = "DispatchSuccessNothingNew"
	MsgDispatchFailure           = "DispatchFailure"
	MsgDispatchFailureReason     = "DispatchFailureReason"
	MsgReasonNoActiveAccounts    = "ReasonNoActiveAccounts"
	MsgReasonPublicationMissing  = "ReasonPublicationMissing"
	MsgVerificationRemoved       = "VerificationRemoved"
	MsgVerificationNotRemoved    = "VerificationNotRemoved"
	MsgVerificationVanished      = "VerificationVanished"
	MsgVerificationTimedOut      = "VerificationTimedOut"
	MsgCollectionAttachSuccess   = "CollectionAttachSuccess"
	MsgCollectionAttachFailure   = "CollectionAttachFailure"
	MsgReconnectRequired         = "ReconnectRequired"
	MsgAccountDeactivated        = "AccountDeactivated"
	MsgErrorGeneric              = "ErrorGeneric"
)

// Catalog is a loaded bundle plus its default language.
type Catalog struct {
	bundle *i18n.Bundle
	def    language.Tag
	log    logx.Logger
}

// New loads every embedded catalog. An unparsable default falls back to English.
func New(defaultLang string, log logx.Logger) (*Catalog, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	def, err := language.Parse(strings.TrimSpace(defaultLang))
	if err != nil {
		if defaultLang != "" {
			log.Warn("invalid default language; using English", logx.String("lang", defaultLang), logx.Err(err))
		}
		def = language.English
	}
	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read embedded locales: %w", err)
	}
	loaded := 0
	for _, f := range entries {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		if _, err := bundle.LoadMessageFileFS(localeFS, f.Name()); err != nil {
			return nil, fmt.Errorf("load %s: %w", f.Name(), err)
		}
		loaded++
	}
	if loaded == 0 {
		return nil, errors.New("no locale files embedded")
	}
	log.Debug("locales loaded", logx.Int("files", loaded), logx.String("default", def.String()))
	return &Catalog{bundle: bundle, def: def, log: log}, nil
}

func (c *Catalog) Default() language.Tag { return c.def }

// Render localizes msgID for lang, falling back to the default language and
// finally to the id itself.
func (c *Catalog) Render(lang, msgID string, data map[string]any) string {
	cfg := &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data}
	out, err := i18n.NewLocalizer(c.bundle, lang, c.def.String()).Localize(cfg)
	if err == nil {
		return out
	}
	c.log.Warn("localize failed", logx.String("id", msgID), logx.String("lang", lang), logx.Err(err))
	out, err = i18n.NewLocalizer(c.bundle, language.English.String()).Localize(cfg)
	if err == nil {
		return out
	}
	return msgID
}

const maxReasonRunes = 160

var technical = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^goroutine \d+ \[`),
	regexp.MustCompile(`\.go:\d+`),
	regexp.MustCompile(`(?i)\bpanic:`),
	regexp.MustCompile(`(?i)traceback \(most recent call last\)`),
	regexp.MustCompile(`(?m)^\s+at [\w$.<>]+\(`),
	regexp.MustCompile(`\b\w*Exception\b`),
	regexp.MustCompile(`\b(\w+\.)+\w*Error\b`),
	regexp.MustCompile(`(?i)<(html|!doctype)`),
	regexp.MustCompile(`^\s*[\[{]\s*"`),
	regexp.MustCompile(`(?i)\b(sql|sqlite|mongo|syscall|dial tcp|x509|eof)\b`),
	regexp.MustCompile(`0x[0-9a-f]{6,}`),
}

// SanitizeError turns a collaborator error string into text fit for a user.
// Stack-trace or framework shaped text becomes the localized generic message;
// anything else keeps its first line, shortened.
func (c *Catalog) SanitizeError(lang, raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return c.Render(lang, MsgErrorGeneric, nil)
	}
	for _, re := range technical {
		if re.MatchString(s) {
			return c.Render(lang, MsgErrorGeneric, nil)
		}
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if utf8.RuneCountInString(s) > maxReasonRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxReasonRunes-1])) + "…"
	}
	return s
}
