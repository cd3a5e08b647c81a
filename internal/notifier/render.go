package notifier

import (
	"strings"

	"crosspost/internal/locales"
)

var reasonMessages = map[string]string{
	ReasonNoActiveAccounts:     locales.MsgReasonNoActiveAccounts,
	ReasonPublicationMissing:   locales.MsgReasonPublicationMissing,
	ReasonVerificationTimedOut: locales.MsgVerificationTimedOut,
}

// Render produces the user-facing text of one notification.
func Render(cat *locales.Catalog, lang string, kind Kind, p Payload) string {
	data := map[string]any{
		"Title":      p.Title,
		"Accounts":   strings.Join(p.Accounts, ", "),
		"Failed":     strings.Join(p.Failed, ", "),
		"Reason":     reason(cat, lang, p.Reason),
		"Account":    p.Account,
		"Collection": p.Collection,
		"Count":      p.Count,
	}

	var id string
	switch kind {
	case KindDispatchSuccess:
		switch {
		case len(p.Failed) > 0:
			id = locales.MsgDispatchSuccessPartial
		case len(p.Accounts) == 0:
			id = locales.MsgDispatchSuccessNothingNew
		default:
			id = locales.MsgDispatchSuccess
		}
	case KindDispatchFailure:
		if p.Reason != "" {
			id = locales.MsgDispatchFailureReason
		} else {
			id = locales.MsgDispatchFailure
		}
	case KindVerificationFailure:
		switch {
		case p.Vanished:
			id = locales.MsgVerificationVanished
		case p.Remediated:
			id = locales.MsgVerificationRemoved
		default:
			id = locales.MsgVerificationNotRemoved
		}
	case KindCollectionAttachSuccess:
		id = locales.MsgCollectionAttachSuccess
	case KindCollectionAttachFailure:
		id = locales.MsgCollectionAttachFailure
	case KindReconnectRequired:
		id = locales.MsgReconnectRequired
	case KindAccountDeactivated:
		id = locales.MsgAccountDeactivated
	default:
		return ""
	}
	return cat.Render(lang, id, data)
}

func reason(cat *locales.Catalog, lang, raw string) string {
	if raw == "" {
		return ""
	}
	if id, ok := reasonMessages[raw]; ok {
		return cat.Render(lang, id, nil)
	}
	return cat.SanitizeError(lang, raw)
}
