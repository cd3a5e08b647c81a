package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDispatchRequestDedupsAccounts(t *testing.T) {
	t.Parallel()

	r := NewDispatchRequest(" pub-1 ", []string{"b", "a", " b", "", "c", "a"}, DispatchOptions{Language: " en "}, "batch")
	assert.Equal(t, "pub-1", r.PublicationID)
	assert.Equal(t, []string{"b", "a", "c"}, r.AccountIDs)
	assert.Equal(t, "en", r.Options.Language)
	require.NoError(t, r.Validate())
}

func TestDispatchRequestIdentity(t *testing.T) {
	t.Parallel()

	base := NewDispatchRequest("p", []string{"a", "b"}, DispatchOptions{}, "")

	tests := []struct {
		name string
		req  DispatchRequest
		same bool
	}{
		{"account order", NewDispatchRequest("p", []string{"b", "a"}, DispatchOptions{}, ""), true},
		{"batch ignored", NewDispatchRequest("p", []string{"a", "b"}, DispatchOptions{}, "other"), true},
		{"language case", NewDispatchRequest("p", []string{"a", "b"}, DispatchOptions{Language: ""}, ""), true},
		{"subtitles", NewDispatchRequest("p", []string{"a", "b"}, DispatchOptions{Subtitles: true}, ""), false},
		{"language", NewDispatchRequest("p", []string{"a", "b"}, DispatchOptions{Language: "de"}, ""), false},
		{"publication", NewDispatchRequest("q", []string{"a", "b"}, DispatchOptions{}, ""), false},
		{"accounts", NewDispatchRequest("p", []string{"a"}, DispatchOptions{}, ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.same {
				assert.Equal(t, base.Identity(), tt.req.Identity())
			} else {
				assert.NotEqual(t, base.Identity(), tt.req.Identity())
			}
		})
	}
}

func TestDispatchRequestValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, NewDispatchRequest("", []string{"a"}, DispatchOptions{}, "").Validate())
	assert.Error(t, NewDispatchRequest("p", nil, DispatchOptions{}, "").Validate())
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()

	for _, s := range []PublicationStatus{StatusPublished, StatusPublishedWithErrors, StatusFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []PublicationStatus{StatusDraft, StatusApproved, StatusScheduled, StatusPublishing} {
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, PublicationStatus("bogus").Valid())
	assert.True(t, EntryFailed.Terminal())
	assert.False(t, EntryPending.Terminal())
	assert.False(t, VerifyAwaiting.Terminal())
}
