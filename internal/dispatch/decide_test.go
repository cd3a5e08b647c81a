package dispatch

import (
	"testing"

	"crosspost/internal/domain"
	"crosspost/internal/notifier"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	success := notifier.KindDispatchSuccess
	failure := notifier.KindDispatchFailure

	tests := []struct {
		name string
		t    Tally
		last bool
		want Decision
	}{
		{"all success", Tally{Succeeded: 2}, false, Decision{Status: domain.StatusPublished, Notify: success}},
		{"all success last", Tally{Succeeded: 2}, true, Decision{Status: domain.StatusPublished, Notify: success}},
		{"partial with attempts left", Tally{Succeeded: 1, Retryable: 1}, false, Decision{Retry: true}},
		{"partial last attempt", Tally{Succeeded: 1, Retryable: 1}, true, Decision{Status: domain.StatusPublishedWithErrors, Notify: success}},
		{"partial only permanent", Tally{Succeeded: 1, Permanent: 1}, false, Decision{Status: domain.StatusPublishedWithErrors, Notify: success}},
		{"none with attempts left", Tally{Retryable: 2}, false, Decision{Retry: true}},
		{"none exhausted", Tally{Retryable: 2}, true, Decision{Status: domain.StatusFailed, Notify: failure}},
		{"none only permanent", Tally{Permanent: 2}, false, Decision{Status: domain.StatusFailed, Notify: failure}},
		{"no accounts", Tally{}, false, Decision{Status: domain.StatusFailed, Notify: failure}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Decide(tt.t, tt.last); got != tt.want {
				t.Fatalf("Decide(%+v, %v)=%+v want %+v", tt.t, tt.last, got, tt.want)
			}
		})
	}
}
