package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
)

// DispatchOptions are the content-affecting options of a dispatch. They take
// part in the request identity.
type DispatchOptions struct {
	Subtitles bool   `json:"subtitles,omitempty"`
	Language  string `json:"language,omitempty"`
}

// DispatchRequest is the unit of work handed to the orchestrator.
type DispatchRequest struct {
	PublicationID string          `json:"publication_id"`
	AccountIDs    []string        `json:"account_ids"`
	Options       DispatchOptions `json:"options"`
	BatchID       string          `json:"batch_id,omitempty"`
}

// NewDispatchRequest trims and deduplicates account ids, keeping first-seen order.
func NewDispatchRequest(publicationID string, accountIDs []string, opts DispatchOptions, batchID string) DispatchRequest {
	seen := make(map[string]struct{}, len(accountIDs))
	ids := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return DispatchRequest{
		PublicationID: strings.TrimSpace(publicationID),
		AccountIDs:    ids,
		Options:       DispatchOptions{Subtitles: opts.Subtitles, Language: strings.TrimSpace(opts.Language)},
		BatchID:       strings.TrimSpace(batchID),
	}
}

func (r DispatchRequest) Validate() error {
	if r.PublicationID == "" {
		return errors.New("publication id is required")
	}
	if len(r.AccountIDs) == 0 {
		return errors.New("at least one account id is required")
	}
	return nil
}

// Identity is the lineage key of the request: a hash of the publication id,
// the sorted account ids and the content options. BatchID is not part of it.
func (r DispatchRequest) Identity() string {
	ids := slices.Clone(r.AccountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	h := sha256.New()
	h.Write([]byte(r.PublicationID))
	h.Write([]byte{0})
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	if r.Options.Subtitles {
		h.Write([]byte("subtitles=1"))
	} else {
		h.Write([]byte("subtitles=0"))
	}
	h.Write([]byte{0})
	h.Write([]byte("lang=" + strings.ToLower(r.Options.Language)))
	return hex.EncodeToString(h.Sum(nil))
}
