package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"crosspost/internal/domain"

	"github.com/google/uuid"
)

// memoryStore keeps everything in maps behind one mutex. Every method is a
// single critical section, which gives the same compare-and-set semantics as
// the sqlite driver's conditional UPDATEs.
type memoryStore struct {
	mu sync.Mutex

	pubs      map[string]domain.Publication
	accounts  map[string]domain.TargetAccount
	entries   map[string]domain.PublishLogEntry // by id
	entryKey  map[string]string                 // pub\x00account -> id
	verifs    map[string]domain.VerificationRecord
	handles   map[string]domain.CollectionHandle // account\x00name
	schedules map[string]domain.ScheduleEntry
	notified  map[string]struct{}
	activity  []domain.ActivityEntry
	dedup     map[string]time.Time
	jobs      map[string]JobRecord
	cancelled map[string]struct{}
	lineages  map[string]map[string]time.Time // pub -> job -> opened
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		pubs:      map[string]domain.Publication{},
		accounts:  map[string]domain.TargetAccount{},
		entries:   map[string]domain.PublishLogEntry{},
		entryKey:  map[string]string{},
		verifs:    map[string]domain.VerificationRecord{},
		handles:   map[string]domain.CollectionHandle{},
		schedules: map[string]domain.ScheduleEntry{},
		notified:  map[string]struct{}{},
		dedup:     map[string]time.Time{},
		jobs:      map[string]JobRecord{},
		cancelled: map[string]struct{}{},
		lineages:  map[string]map[string]time.Time{},
	}
}

func (s *memoryStore) Close() error { return nil }

func pairKey(a, b string) string { return a + "\x00" + b }

// ---- publications ----

func (s *memoryStore) GetPublication(_ context.Context, id string) (domain.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pubs[id]
	if !ok {
		return domain.Publication{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) SavePublication(_ context.Context, p domain.Publication) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.pubs[p.ID] = p
	return nil
}

func (s *memoryStore) TransitionPublication(_ context.Context, id string, from []domain.PublicationStatus, to domain.PublicationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pubs[id]
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, p.Status) {
		return false, nil
	}
	now := time.Now()
	p.Status = to
	p.UpdatedAt = now
	if to == domain.StatusPublished || to == domain.StatusPublishedWithErrors {
		p.PublishedAt = now
	}
	s.pubs[id] = p
	return true, nil
}

// ---- accounts ----

func (s *memoryStore) GetAccount(_ context.Context, id string) (domain.TargetAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.TargetAccount{}, ErrNotFound
	}
	return a, nil
}

func (s *memoryStore) SaveAccount(_ context.Context, a domain.TargetAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = time.Now()
	s.accounts[a.ID] = a
	return nil
}

func (s *memoryStore) CompareAndSwapAccount(_ context.Context, a domain.TargetAccount) (domain.TargetAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[a.ID]
	if !ok {
		return domain.TargetAccount{}, ErrNotFound
	}
	if cur.Version != a.Version {
		return cur, ErrConflict
	}
	cur.Active = a.Active
	cur.ConsecutiveFailures = a.ConsecutiveFailures
	cur.Version++
	cur.UpdatedAt = time.Now()
	s.accounts[a.ID] = cur
	return cur, nil
}

// ---- publish log ----

func (s *memoryStore) GetLogEntry(_ context.Context, publicationID, accountID string) (domain.PublishLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entryKey[pairKey(publicationID, accountID)]
	if !ok {
		return domain.PublishLogEntry{}, ErrNotFound
	}
	return s.entries[id], nil
}

func (s *memoryStore) GetLogEntryByID(_ context.Context, id string) (domain.PublishLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.PublishLogEntry{}, ErrNotFound
	}
	return e, nil
}

func (s *memoryStore) ListLogEntries(_ context.Context, publicationID string) ([]domain.PublishLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PublishLogEntry, 0)
	for _, e := range s.entries {
		if e.PublicationID == publicationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *memoryStore) RecordLogEntry(_ context.Context, e domain.PublishLogEntry) (domain.PublishLogEntry, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(e.PublicationID, e.AccountID)
	if id, ok := s.entryKey[k]; ok {
		cur := s.entries[id]
		if cur.Status == domain.EntryPublished {
			return cur, nil
		}
		e.ID = id
	} else {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		s.entryKey[k] = e.ID
	}
	e.UpdatedAt = now
	if e.Status == domain.EntryPublished && e.PublishedAt.IsZero() {
		e.PublishedAt = now
	}
	s.entries[e.ID] = e
	return e, nil
}

func (s *memoryStore) TransitionLogEntry(_ context.Context, id string, from, to domain.EntryStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != from {
		return false, nil
	}
	now := time.Now()
	e.Status = to
	e.Error = errMsg
	e.UpdatedAt = now
	if to == domain.EntryPublished {
		e.PublishedAt = now
	}
	s.entries[id] = e
	return true, nil
}

// ---- verifications ----

func (s *memoryStore) CreateVerification(_ context.Context, v domain.VerificationRecord) (domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.verifs {
		if cur.LogEntryID == v.LogEntryID && cur.ExternalPostID == v.ExternalPostID {
			return cur, nil
		}
	}
	now := time.Now()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.State == "" {
		v.State = domain.VerifyAwaiting
	}
	v.CreatedAt = now
	v.UpdatedAt = now
	s.verifs[v.ID] = v
	return v, nil
}

func (s *memoryStore) GetVerification(_ context.Context, id string) (domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifs[id]
	if !ok {
		return domain.VerificationRecord{}, ErrNotFound
	}
	return v, nil
}

func (s *memoryStore) ListVerifications(_ context.Context, publicationID string) ([]domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.VerificationRecord, 0)
	for _, v := range s.verifs {
		if v.PublicationID == publicationID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) TransitionVerification(_ context.Context, id string, from, to domain.VerificationState, reason string, remediated bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifs[id]
	if !ok {
		return false, ErrNotFound
	}
	if v.State != from {
		return false, nil
	}
	v.State = to
	v.Reason = reason
	v.Remediated = remediated
	v.UpdatedAt = time.Now()
	s.verifs[id] = v
	return true, nil
}

// ---- collections ----

func (s *memoryStore) EnsureHandle(_ context.Context, accountID, name string) (domain.CollectionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(accountID, name)
	if h, ok := s.handles[k]; ok {
		return h, nil
	}
	h := domain.CollectionHandle{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Name:      name,
		State:     domain.HandleUnresolved,
		Version:   1,
		UpdatedAt: time.Now(),
	}
	s.handles[k] = h
	return h, nil
}

func (s *memoryStore) UpdateHandle(_ context.Context, h domain.CollectionHandle) (domain.CollectionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(h.AccountID, h.Name)
	cur, ok := s.handles[k]
	if !ok {
		return domain.CollectionHandle{}, ErrNotFound
	}
	if cur.Version != h.Version {
		return cur, ErrConflict
	}
	h.ID = cur.ID
	h.Version = cur.Version + 1
	h.UpdatedAt = time.Now()
	s.handles[k] = h
	return h, nil
}

// ---- schedules ----

func (s *memoryStore) SaveScheduleEntry(_ context.Context, e domain.ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.SchedulePending
	}
	s.schedules[e.ID] = e
	return nil
}

func (s *memoryStore) DueScheduleEntries(_ context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduleEntry, 0)
	for _, e := range s.schedules {
		if e.Status == domain.SchedulePending && !e.DueAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListScheduleEntries(_ context.Context, publicationID string) ([]domain.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduleEntry, 0)
	for _, e := range s.schedules {
		if e.PublicationID == publicationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) TransitionScheduleEntries(_ context.Context, ids []string, from, to domain.ScheduleStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := make([]string, 0, len(ids))
	for _, id := range ids {
		e, ok := s.schedules[id]
		if !ok || e.Status != from {
			continue
		}
		e.Status = to
		s.schedules[id] = e
		moved = append(moved, id)
	}
	return moved, nil
}

func (s *memoryStore) CancelBatchSchedules(_ context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.schedules {
		if e.BatchID == batchID && e.Status == domain.SchedulePending {
			e.Status = domain.ScheduleCancelled
			s.schedules[id] = e
			n++
		}
	}
	return n, nil
}

// ---- notifications, activity, dedup ----

func (s *memoryStore) MarkNotified(_ context.Context, lineageID string, class domain.NotificationClass) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(lineageID, string(class))
	if _, ok := s.notified[k]; ok {
		return false, nil
	}
	s.notified[k] = struct{}{}
	return true, nil
}

func (s *memoryStore) AppendActivity(_ context.Context, e domain.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.activity = append(s.activity, e)
	return nil
}

func (s *memoryStore) ListActivity(_ context.Context, publicationID string, limit int) ([]domain.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ActivityEntry, 0)
	for _, e := range s.activity {
		if publicationID == "" || e.PublicationID == publicationID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

// ---- jobs ----

func (s *memoryStore) EnqueueJob(_ context.Context, j JobRecord, dedupWindow time.Duration) (JobRecord, bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Key != "" {
		var recent *JobRecord
		for _, cur := range s.jobs {
			if cur.Key != j.Key || cur.Kind != j.Kind {
				continue
			}
			if cur.State.Active() {
				return cur, false, nil
			}
			if dedupWindow > 0 && now.Sub(cur.UpdatedAt) < dedupWindow {
				c := cur
				if recent == nil || c.UpdatedAt.After(recent.UpdatedAt) {
					recent = &c
				}
			}
		}
		if recent != nil {
			return *recent, false, nil
		}
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.State = JobQueued
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	return j, true, nil
}

func (s *memoryStore) ClaimJobs(_ context.Context, now time.Time, limit int, lease time.Duration) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]JobRecord, 0)
	for _, j := range s.jobs {
		if j.State == JobQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].RunAt.Before(due[k].RunAt)
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].State = JobRunning
		due[i].LeaseUntil = now.Add(lease)
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *memoryStore) ReclaimExpiredJobs(_ context.Context, now time.Time, lease time.Duration) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0)
	for id, j := range s.jobs {
		if j.State != JobRunning || j.LeaseUntil.IsZero() || j.LeaseUntil.After(now) {
			continue
		}
		j.LeaseUntil = now.Add(lease)
		j.UpdatedAt = now
		s.jobs[id] = j
		out = append(out, j)
	}
	return out, nil
}

func (s *memoryStore) RescheduleJob(_ context.Context, j JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != JobRunning {
		return ErrConflict
	}
	cur.State = JobQueued
	cur.RunAt = j.RunAt
	cur.Attempts = j.Attempts
	cur.Crashes = j.Crashes
	cur.Deferrals = j.Deferrals
	cur.LastError = j.LastError
	cur.LeaseUntil = time.Time{}
	cur.UpdatedAt = time.Now()
	s.jobs[j.ID] = cur
	return nil
}

func (s *memoryStore) FinishJob(_ context.Context, j JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if !cur.State.Active() {
		return ErrConflict
	}
	cur.State = j.State
	cur.Attempts = j.Attempts
	cur.Crashes = j.Crashes
	cur.Deferrals = j.Deferrals
	cur.LastError = j.LastError
	cur.LeaseUntil = time.Time{}
	cur.UpdatedAt = time.Now()
	s.jobs[j.ID] = cur
	return nil
}

func (s *memoryStore) GetJob(_ context.Context, id string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return j, nil
}

func (s *memoryStore) CancelGroup(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[group] = struct{}{}
	return nil
}

func (s *memoryStore) GroupCancelled(_ context.Context, group string) (bool, error) {
	if group == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[group]
	return ok, nil
}

// ---- dispatch lineages ----

func (s *memoryStore) OpenLineage(_ context.Context, publicationID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.lineages[publicationID]
	if open == nil {
		open = map[string]time.Time{}
		s.lineages[publicationID] = open
	}
	if _, ok := open[jobID]; !ok {
		open[jobID] = time.Now()
	}
	return nil
}

func (s *memoryStore) CloseLineage(_ context.Context, publicationID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.lineages[publicationID]
	delete(open, jobID)
	if len(open) == 0 {
		delete(s.lineages, publicationID)
	}
	return nil
}

func (s *memoryStore) OpenLineages(_ context.Context, publicationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.lineages[publicationID]
	out := make([]string, 0, len(open))
	for id := range open {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := open[out[i]], open[out[j]]; !a.Equal(b) {
			return a.Before(b)
		}
		return out[i] < out[j]
	})
	return out, nil
}
