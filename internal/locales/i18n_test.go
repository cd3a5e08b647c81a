package locales

import (
	"strings"
	"testing"

	logx "crosspost/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New("en", logx.Nop())
	require.NoError(t, err)
	return c
}

func TestRenderLanguagesAndFallback(t *testing.T) {
	t.Parallel()
	c := newCatalog(t)
	data := map[string]any{"Title": "Launch", "Accounts": "video:chan"}

	assert.Equal(t, `"Launch" was published to video:chan.`, c.Render("en", MsgDispatchSuccess, data))
	assert.Equal(t, `"Launch" wurde auf video:chan veröffentlicht.`, c.Render("de-DE", MsgDispatchSuccess, data))
	assert.Equal(t, `"Launch" was published to video:chan.`, c.Render("fr", MsgDispatchSuccess, data))
	assert.Equal(t, "NoSuchMessage", c.Render("en", "NoSuchMessage", nil))
}

func TestEveryMessageExistsInEveryLanguage(t *testing.T) {
	t.Parallel()
	c := newCatalog(t)
	ids := []string{
		MsgDispatchSuccess, MsgDispatchSuccessPartial, MsgDispatchSuccessNothingNew, MsgDispatchFailure,
		MsgDispatchFailureReason, MsgReasonNoActiveAccounts, MsgReasonPublicationMissing,
		MsgVerificationRemoved, MsgVerificationNotRemoved, MsgVerificationVanished, MsgVerificationTimedOut,
		MsgCollectionAttachSuccess, MsgCollectionAttachFailure, MsgReconnectRequired,
		MsgAccountDeactivated, MsgErrorGeneric,
	}
	for _, lang := range []string{"en", "de"} {
		for _, id := range ids {
			if got := c.Render(lang, id, map[string]any{}); got == id {
				t.Fatalf("%s missing in %s", id, lang)
			}
		}
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()
	c := newCatalog(t)
	generic := c.Render("en", MsgErrorGeneric, nil)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "   ", generic},
		{"go stack", "panic: runtime error\n\ngoroutine 1 [running]:\nmain.main()\n\t/app/main.go:12 +0x1d", generic},
		{"java stack", "NullPointerException\n    at com.vendor.Upload.run(Upload.java:42)", generic},
		{"exception prefix", "java.lang.IllegalStateException: bad state", generic},
		{"html page", "<!DOCTYPE html><html><body>502</body></html>", generic},
		{"json dump", `{"error":{"code":500}}`, generic},
		{"driver error", "dial tcp 10.0.0.4:443: connect: connection refused", generic},
		{"plain", "title exceeds 100 chars", "title exceeds 100 chars"},
		{"first line only", "video too long\nsee docs", "video too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.SanitizeError("en", tt.raw); got != tt.want {
				t.Fatalf("SanitizeError(%q)=%q want %q", tt.raw, got, tt.want)
			}
		})
	}

	long := c.SanitizeError("en", strings.Repeat("a", 300))
	assert.Equal(t, maxReasonRunes, len([]rune(long)))
}
