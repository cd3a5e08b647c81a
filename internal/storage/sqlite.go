package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"crosspost/internal/domain"
	logx "crosspost/pkg/logx"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes the
	// read-then-update sequences below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ms(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface{ Scan(dest ...any) error }

// ---- publications ----

const pubCols = `id, workspace_id, owner_id, title, body, media_ref, status, collection, collection_description, created_at, updated_at, published_at`

func scanPublication(r rowScanner) (domain.Publication, error) {
	var (
		p                       domain.Publication
		body, media, coll, desc sql.NullString
		created, updated, pubAt sql.NullInt64
		status                  string
	)
	if err := r.Scan(&p.ID, &p.WorkspaceID, &p.OwnerID, &p.Title, &body, &media, &status, &coll, &desc, &created, &updated, &pubAt); err != nil {
		return domain.Publication{}, err
	}
	p.Body, p.MediaRef, p.Collection, p.CollectionDescription = body.String, media.String, coll.String, desc.String
	p.Status = domain.PublicationStatus(status)
	p.CreatedAt, p.UpdatedAt, p.PublishedAt = fromMs(created), fromMs(updated), fromMs(pubAt)
	return p, nil
}

func (s *sqliteStore) GetPublication(ctx context.Context, id string) (domain.Publication, error) {
	p, err := scanPublication(s.db.QueryRowContext(ctx, `SELECT `+pubCols+` FROM publications WHERE id = ?`, id))
	return p, notFound(err)
}

func (s *sqliteStore) SavePublication(ctx context.Context, p domain.Publication) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publications(`+pubCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id=excluded.workspace_id, owner_id=excluded.owner_id,
		   title=excluded.title, body=excluded.body, media_ref=excluded.media_ref, status=excluded.status,
		   collection=excluded.collection, collection_description=excluded.collection_description,
		   updated_at=excluded.updated_at, published_at=excluded.published_at`,
		p.ID, p.WorkspaceID, p.OwnerID, p.Title, nullStr(p.Body), nullStr(p.MediaRef), string(p.Status),
		nullStr(p.Collection), nullStr(p.CollectionDescription), ms(p.CreatedAt), now.UnixMilli(), ms(p.PublishedAt),
	)
	return err
}

func (s *sqliteStore) TransitionPublication(ctx context.Context, id string, from []domain.PublicationStatus, to domain.PublicationStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	now := time.Now().UnixMilli()
	var pubAt any
	if to == domain.StatusPublished || to == domain.StatusPublishedWithErrors {
		pubAt = now
	}
	args := []any{string(to), now, pubAt, id}
	marks := make([]string, 0, len(from))
	for _, f := range from {
		marks = append(marks, "?")
		args = append(args, string(f))
	}
	changed, err := affected(s.db.ExecContext(ctx,
		`UPDATE publications SET status = ?, updated_at = ?, published_at = COALESCE(?, published_at)
		 WHERE id = ? AND status IN (`+strings.Join(marks, ",")+`)`, args...))
	if err != nil || changed {
		return changed, err
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM publications WHERE id = ?`, id).Scan(&one); err != nil {
		return false, notFound(err)
	}
	return false, nil
}

// ---- accounts ----

const accountCols = `id, workspace_id, platform, handle, active, consecutive_failures, version, updated_at`

func scanAccount(r rowScanner) (domain.TargetAccount, error) {
	var (
		a       domain.TargetAccount
		handle  sql.NullString
		active  int
		updated sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.WorkspaceID, &a.Platform, &handle, &active, &a.ConsecutiveFailures, &a.Version, &updated); err != nil {
		return domain.TargetAccount{}, err
	}
	a.Handle = handle.String
	a.Active = active != 0
	a.UpdatedAt = fromMs(updated)
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (domain.TargetAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	return a, notFound(err)
}

func (s *sqliteStore) SaveAccount(ctx context.Context, a domain.TargetAccount) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(`+accountCols+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET workspace_id=excluded.workspace_id, platform=excluded.platform,
		   handle=excluded.handle, active=excluded.active, consecutive_failures=excluded.consecutive_failures,
		   version=excluded.version, updated_at=excluded.updated_at`,
		a.ID, a.WorkspaceID, a.Platform, nullStr(a.Handle), boolInt(a.Active), a.ConsecutiveFailures, a.Version, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) CompareAndSwapAccount(ctx context.Context, a domain.TargetAccount) (domain.TargetAccount, error) {
	changed, err := affected(s.db.ExecContext(ctx,
		`UPDATE accounts SET active = ?, consecutive_failures = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		boolInt(a.Active), a.ConsecutiveFailures, time.Now().UnixMilli(), a.ID, a.Version))
	if err != nil {
		return domain.TargetAccount{}, err
	}
	cur, gerr := s.GetAccount(ctx, a.ID)
	if gerr != nil {
		return domain.TargetAccount{}, gerr
	}
	if !changed {
		return cur, ErrConflict
	}
	return cur, nil
}

// ---- publish log ----

const entryCols = `id, publication_id, account_id, status, external_post_id, err, lineage_id, published_at, updated_at`

func scanEntry(r rowScanner) (domain.PublishLogEntry, error) {
	var (
		e                 domain.PublishLogEntry
		status            string
		ext, msg, lineage sql.NullString
		pubAt, updated    sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.PublicationID, &e.AccountID, &status, &ext, &msg, &lineage, &pubAt, &updated); err != nil {
		return domain.PublishLogEntry{}, err
	}
	e.Status = domain.EntryStatus(status)
	e.ExternalPostID, e.Error, e.LineageID = ext.String, msg.String, lineage.String
	e.PublishedAt, e.UpdatedAt = fromMs(pubAt), fromMs(updated)
	return e, nil
}

func (s *sqliteStore) GetLogEntry(ctx context.Context, publicationID, accountID string) (domain.PublishLogEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM publish_log WHERE publication_id = ? AND account_id = ?`, publicationID, accountID))
	return e, notFound(err)
}

func (s *sqliteStore) GetLogEntryByID(ctx context.Context, id string) (domain.PublishLogEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM publish_log WHERE id = ?`, id))
	return e, notFound(err)
}

func (s *sqliteStore) ListLogEntries(ctx context.Context, publicationID string) ([]domain.PublishLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM publish_log WHERE publication_id = ? ORDER BY account_id`, publicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.PublishLogEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordLogEntry(ctx context.Context, e domain.PublishLogEntry) (domain.PublishLogEntry, error) {
	now := time.Now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == domain.EntryPublished && e.PublishedAt.IsZero() {
		e.PublishedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_log(`+entryCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(publication_id, account_id) DO UPDATE SET status=excluded.status,
		   external_post_id=excluded.external_post_id, err=excluded.err, lineage_id=excluded.lineage_id,
		   published_at=excluded.published_at, updated_at=excluded.updated_at
		 WHERE publish_log.status <> 'published'`,
		e.ID, e.PublicationID, e.AccountID, string(e.Status), nullStr(e.ExternalPostID), nullStr(e.Error),
		nullStr(e.LineageID), ms(e.PublishedAt), now.UnixMilli(),
	)
	if err != nil {
		return domain.PublishLogEntry{}, err
	}
	return s.GetLogEntry(ctx, e.PublicationID, e.AccountID)
}

func (s *sqliteStore) TransitionLogEntry(ctx context.Context, id string, from, to domain.EntryStatus, errMsg string) (bool, error) {
	now := time.Now().UnixMilli()
	var pubAt any
	if to == domain.EntryPublished {
		pubAt = now
	}
	changed, err := affected(s.db.ExecContext(ctx,
		`UPDATE publish_log SET status = ?, err = ?, updated_at = ?, published_at = COALESCE(?, published_at)
		 WHERE id = ? AND status = ?`,
		string(to), nullStr(errMsg), now, pubAt, id, string(from)))
	if err != nil || changed {
		return changed, err
	}
	if _, err := s.GetLogEntryByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ---- verifications ----

const verifCols = `id, log_entry_id, publication_id, account_id, external_post_id, state, reason, remediated, created_at, updated_at`

func scanVerification(r rowScanner) (domain.VerificationRecord, error) {
	var (
		v                domain.VerificationRecord
		state            string
		reason           sql.NullString
		remediated       int
		created, updated sql.NullInt64
	)
	if err := r.Scan(&v.ID, &v.LogEntryID, &v.PublicationID, &v.AccountID, &v.ExternalPostID, &state, &reason, &remediated, &created, &updated); err != nil {
		return domain.VerificationRecord{}, err
	}
	v.State = domain.VerificationState(state)
	v.Reason = reason.String
	v.Remediated = remediated != 0
	v.CreatedAt, v.UpdatedAt = fromMs(created), fromMs(updated)
	return v, nil
}

func (s *sqliteStore) CreateVerification(ctx context.Context, v domain.VerificationRecord) (domain.VerificationRecord, error) {
	now := time.Now().UnixMilli()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.State == "" {
		v.State = domain.VerifyAwaiting
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verifications(`+verifCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(log_entry_id, external_post_id) DO NOTHING`,
		v.ID, v.LogEntryID, v.PublicationID, v.AccountID, v.ExternalPostID, string(v.State), nullStr(v.Reason),
		boolInt(v.Remediated), now, now,
	)
	if err != nil {
		return domain.VerificationRecord{}, err
	}
	out, err := scanVerification(s.db.QueryRowContext(ctx,
		`SELECT `+verifCols+` FROM verifications WHERE log_entry_id = ? AND external_post_id = ?`, v.LogEntryID, v.ExternalPostID))
	return out, notFound(err)
}

func (s *sqliteStore) GetVerification(ctx context.Context, id string) (domain.VerificationRecord, error) {
	v, err := scanVerification(s.db.QueryRowContext(ctx, `SELECT `+verifCols+` FROM verifications WHERE id = ?`, id))
	return v, notFound(err)
}

func (s *sqliteStore) ListVerifications(ctx context.Context, publicationID string) ([]domain.VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+verifCols+` FROM verifications WHERE publication_id = ? ORDER BY created_at, id`, publicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.VerificationRecord, 0)
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionVerification(ctx context.Context, id string, from, to domain.VerificationState, reason string, remediated bool) (bool, error) {
	changed, err := affected(s.db.ExecContext(ctx,
		`UPDATE verifications SET state = ?, reason = ?, remediated = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), nullStr(reason), boolInt(remediated), time.Now().UnixMilli(), id, string(from)))
	if err != nil || changed {
		return changed, err
	}
	if _, err := s.GetVerification(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ---- collections ----

const handleCols = `id, account_id, name, external_id, state, last_error, version, updated_at`

func scanHandle(r rowScanner) (domain.CollectionHandle, error) {
	var (
		h            domain.CollectionHandle
		ext, lastErr sql.NullString
		state        string
		updated      sql.NullInt64
	)
	if err := r.Scan(&h.ID, &h.AccountID, &h.Name, &ext, &state, &lastErr, &h.Version, &updated); err != nil {
		return domain.CollectionHandle{}, err
	}
	h.ExternalID, h.LastError = ext.String, lastErr.String
	h.State = domain.HandleState(state)
	h.UpdatedAt = fromMs(updated)
	return h, nil
}

func (s *sqliteStore) EnsureHandle(ctx context.Context, accountID, name string) (domain.CollectionHandle, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_handles(`+handleCols+`) VALUES(?,?,?,NULL,?,NULL,1,?)
		 ON CONFLICT(account_id, name) DO NOTHING`,
		uuid.NewString(), accountID, name, string(domain.HandleUnresolved), time.Now().UnixMilli())
	if err != nil {
		return domain.CollectionHandle{}, err
	}
	h, err := scanHandle(s.db.QueryRowContext(ctx,
		`SELECT `+handleCols+` FROM collection_handles WHERE account_id = ? AND name = ?`, accountID, name))
	return h, notFound(err)
}

func (s *sqliteStore) UpdateHandle(ctx context.Context, h domain.CollectionHandle) (domain.CollectionHandle, error) {
	changed, err := affected(s.db.ExecContext(ctx,
		`UPDATE collection_handles SET external_id = ?, state = ?, last_error = ?, version = version + 1, updated_at = ?
		 WHERE account_id = ? AND name = ? AND version = ?`,
		nullStr(h.ExternalID), string(h.State), nullStr(h.LastError), time.Now().UnixMilli(), h.AccountID, h.Name, h.Version))
	if err != nil {
		return domain.CollectionHandle{}, err
	}
	cur, gerr := scanHandle(s.db.QueryRowContext(ctx,
		`SELECT `+handleCols+` FROM collection_handles WHERE account_id = ? AND name = ?`, h.AccountID, h.Name))
	if gerr != nil {
		return domain.CollectionHandle{}, notFound(gerr)
	}
	if !changed {
		return cur, ErrConflict
	}
	return cur, nil
}

// ---- schedules ----

func (s *sqliteStore) SaveScheduleEntry(ctx context.Context, e domain.ScheduleEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.SchedulePending
	}
	opts, err := json.Marshal(e.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, publication_id, account_id, batch_id, due_at, status, options) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET due_at=excluded.due_at, status=excluded.status, options=excluded.options`,
		e.ID, e.PublicationID, e.AccountID, nullStr(e.BatchID), e.DueAt.UnixMilli(), string(e.Status), string(opts))
	return err
}

func (s *sqliteStore) DueScheduleEntries(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, publication_id, account_id, batch_id, due_at, status, options FROM schedules
		 WHERE status = ? AND due_at <= ? ORDER BY due_at, id LIMIT ?`,
		string(domain.SchedulePending), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *sqliteStore) ListScheduleEntries(ctx context.Context, publicationID string) ([]domain.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, publication_id, account_id, batch_id, due_at, status, options FROM schedules
		 WHERE publication_id = ? ORDER BY due_at, id`, publicationID)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]domain.ScheduleEntry, error) {
	defer rows.Close()
	out := make([]domain.ScheduleEntry, 0)
	for rows.Next() {
		var (
			e           domain.ScheduleEntry
			batch, opts sql.NullString
			due         sql.NullInt64
			status      string
		)
		if err := rows.Scan(&e.ID, &e.PublicationID, &e.AccountID, &batch, &due, &status, &opts); err != nil {
			return nil, err
		}
		e.BatchID = batch.String
		e.DueAt = fromMs(due)
		e.Status = domain.ScheduleStatus(status)
		if opts.Valid && opts.String != "" {
			if err := json.Unmarshal([]byte(opts.String), &e.Options); err != nil {
				return nil, fmt.Errorf("schedule %s options: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionScheduleEntries(ctx context.Context, ids []string, from, to domain.ScheduleStatus) ([]string, error) {
	moved := make([]string, 0, len(ids))
	for _, id := range ids {
		changed, err := affected(s.db.ExecContext(ctx,
			`UPDATE schedules SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from)))
		if err != nil {
			return moved, err
		}
		if changed {
			moved = append(moved, id)
		}
	}
	return moved, nil
}

func (s *sqliteStore) CancelBatchSchedules(ctx context.Context, batchID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ? WHERE batch_id = ? AND status = ?`,
		string(domain.ScheduleCancelled), batchID, string(domain.SchedulePending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- notifications, activity, dedup ----

func (s *sqliteStore) MarkNotified(ctx context.Context, lineageID string, class domain.NotificationClass) (bool, error) {
	return affected(s.db.ExecContext(ctx,
		`INSERT INTO notified(lineage_id, class, at) VALUES(?,?,?) ON CONFLICT(lineage_id, class) DO NOTHING`,
		lineageID, string(class), time.Now().UnixMilli()))
}

func (s *sqliteStore) AppendActivity(ctx context.Context, e domain.ActivityEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(at, publication_id, account_id, lineage_id, kind, tag, message) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), nullStr(e.PublicationID), nullStr(e.AccountID), nullStr(e.LineageID), e.Kind, e.Tag, nullStr(e.Message))
	return err
}

func (s *sqliteStore) ListActivity(ctx context.Context, publicationID string, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, publication_id, account_id, lineage_id, kind, tag, message FROM (
		   SELECT * FROM activity WHERE (? = '' OR publication_id = ?) ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, publicationID, publicationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.ActivityEntry, 0)
	for rows.Next() {
		var (
			e                      domain.ActivityEntry
			at                     sql.NullInt64
			pub, acc, lineage, msg sql.NullString
		)
		if err := rows.Scan(&at, &pub, &acc, &lineage, &e.Kind, &e.Tag, &msg); err != nil {
			return nil, err
		}
		e.At = fromMs(at)
		e.PublicationID, e.AccountID, e.LineageID, e.Message = pub.String, acc.String, lineage.String, msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(until), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

// ---- jobs ----

const jobCols = `id, kind, key, grp, payload, state, attempts, crashes, deferrals, max_attempts, run_at, lease_until, last_error, created_at, updated_at`

func scanJob(r rowScanner) (JobRecord, error) {
	var (
		j                              JobRecord
		key, grp, lastErr              sql.NullString
		state                          string
		runAt, lease, created, updated sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.Kind, &key, &grp, &j.Payload, &state, &j.Attempts, &j.Crashes, &j.Deferrals, &j.MaxAttempts,
		&runAt, &lease, &lastErr, &created, &updated); err != nil {
		return JobRecord{}, err
	}
	j.Key, j.Group, j.LastError = key.String, grp.String, lastErr.String
	j.State = JobState(state)
	j.RunAt, j.LeaseUntil, j.CreatedAt, j.UpdatedAt = fromMs(runAt), fromMs(lease), fromMs(created), fromMs(updated)
	return j, nil
}

func (s *sqliteStore) queryJobs(ctx context.Context, q string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnqueueJob(ctx context.Context, j JobRecord, dedupWindow time.Duration) (JobRecord, bool, error) {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JobRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if j.Key != "" {
		since := now.Add(-dedupWindow).UnixMilli()
		if dedupWindow <= 0 {
			since = now.UnixMilli() + 1
		}
		cur, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobCols+` FROM jobs WHERE kind = ? AND key = ?
			   AND (state IN ('queued','running') OR updated_at > ?)
			 ORDER BY CASE WHEN state IN ('queued','running') THEN 0 ELSE 1 END, updated_at DESC LIMIT 1`,
			j.Kind, j.Key, since))
		if err == nil {
			return cur, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, false, err
		}
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.State = JobQueued
	j.CreatedAt, j.UpdatedAt = now, now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Kind, nullStr(j.Key), nullStr(j.Group), j.Payload, string(j.State), j.Attempts, j.Crashes, j.Deferrals,
		j.MaxAttempts, j.RunAt.UnixMilli(), nil, nullStr(j.LastError), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return JobRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) leaseJobs(ctx context.Context, candidates []JobRecord, expect JobState, now time.Time, lease time.Duration) ([]JobRecord, error) {
	out := make([]JobRecord, 0, len(candidates))
	until := now.Add(lease)
	for _, j := range candidates {
		changed, err := affected(s.db.ExecContext(ctx,
			`UPDATE jobs SET state = 'running', lease_until = ?, updated_at = ? WHERE id = ? AND state = ? AND updated_at = ?`,
			until.UnixMilli(), now.UnixMilli(), j.ID, string(expect), j.UpdatedAt.UnixMilli()))
		if err != nil {
			return out, err
		}
		if !changed {
			continue
		}
		j.State = JobRunning
		j.LeaseUntil = time.UnixMilli(until.UnixMilli())
		j.UpdatedAt = time.UnixMilli(now.UnixMilli())
		out = append(out, j)
	}
	return out, nil
}

func (s *sqliteStore) ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 16
	}
	due, err := s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE state = 'queued' AND run_at <= ? ORDER BY run_at, created_at LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return s.leaseJobs(ctx, due, JobQueued, now, lease)
}

func (s *sqliteStore) ReclaimExpiredJobs(ctx context.Context, now time.Time, lease time.Duration) ([]JobRecord, error) {
	expired, err := s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE state = 'running' AND lease_until IS NOT NULL AND lease_until <= ?`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return s.leaseJobs(ctx, expired, JobRunning, now, lease)
}

func (s *sqliteStore) RescheduleJob(ctx context.Context, j JobRecord) error {
	changed, err := affected(s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'queued', run_at = ?, attempts = ?, crashes = ?, deferrals = ?, last_error = ?,
		   lease_until = NULL, updated_at = ?
		 WHERE id = ? AND state = 'running'`,
		j.RunAt.UnixMilli(), j.Attempts, j.Crashes, j.Deferrals, nullStr(j.LastError), time.Now().UnixMilli(), j.ID))
	if err != nil {
		return err
	}
	if !changed {
		if _, err := s.GetJob(ctx, j.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) FinishJob(ctx context.Context, j JobRecord) error {
	changed, err := affected(s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, crashes = ?, deferrals = ?, last_error = ?, lease_until = NULL, updated_at = ?
		 WHERE id = ? AND state IN ('queued','running')`,
		string(j.State), j.Attempts, j.Crashes, j.Deferrals, nullStr(j.LastError), time.Now().UnixMilli(), j.ID))
	if err != nil {
		return err
	}
	if !changed {
		if _, err := s.GetJob(ctx, j.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (JobRecord, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	return j, notFound(err)
}

func (s *sqliteStore) CancelGroup(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cancelled_groups(grp, at) VALUES(?,?) ON CONFLICT(grp) DO NOTHING`, group, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) GroupCancelled(ctx context.Context, group string) (bool, error) {
	if group == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cancelled_groups WHERE grp = ?`, group).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ---- dispatch lineages ----

func (s *sqliteStore) OpenLineage(ctx context.Context, publicationID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_lineages(publication_id, job_id, opened_at) VALUES(?,?,?)
		 ON CONFLICT(publication_id, job_id) DO NOTHING`,
		publicationID, jobID, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) CloseLineage(ctx context.Context, publicationID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_lineages WHERE publication_id = ? AND job_id = ?`, publicationID, jobID)
	return err
}

func (s *sqliteStore) OpenLineages(ctx context.Context, publicationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM dispatch_lineages WHERE publication_id = ? ORDER BY opened_at, job_id`, publicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
