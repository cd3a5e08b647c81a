package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"crosspost/internal/dispatch"
	"crosspost/internal/domain"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"

	"github.com/go-chi/chi/v5"
)

type createDispatchRequest struct {
	PublicationID string                 `json:"publication_id"`
	AccountIDs    []string               `json:"account_ids"`
	Options       domain.DispatchOptions `json:"options"`
	BatchID       string                 `json:"batch_id"`
}

type createDispatchResponse struct {
	JobID   string           `json:"job_id"`
	Created bool             `json:"created"`
	State   storage.JobState `json:"state"`
	RunAt   time.Time        `json:"run_at"`
}

// createDispatch answers 202 for a new lineage and 200 when the request
// joined an active or recent one.
func (a *API) createDispatch(w http.ResponseWriter, r *http.Request) {
	var body createDispatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req := domain.NewDispatchRequest(body.PublicationID, body.AccountIDs, body.Options, body.BatchID)
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.Store.GetPublication(r.Context(), req.PublicationID); err != nil {
		a.storeError(w, "load publication", err)
		return
	}
	rec, created, err := dispatch.Submit(r.Context(), a.Jobs, req)
	if err != nil {
		a.Log.Warn("dispatch submit failed", logx.String("publication", req.PublicationID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, createDispatchResponse{JobID: rec.ID, Created: created, State: rec.State, RunAt: rec.RunAt})
}

func (a *API) cancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if err := a.Jobs.CancelGroup(r.Context(), batchID); err != nil {
		a.Log.Warn("cancel batch jobs failed", logx.String("batch", batchID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	n, err := a.Store.CancelBatchSchedules(r.Context(), batchID)
	if err != nil {
		a.Log.Warn("cancel batch schedules failed", logx.String("batch", batchID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "schedules_cancelled": n})
}

type publicationView struct {
	Publication   domain.Publication          `json:"publication"`
	Entries       []domain.PublishLogEntry    `json:"entries"`
	Schedules     []domain.ScheduleEntry      `json:"schedules"`
	Verifications []domain.VerificationRecord `json:"verifications"`
}

func (a *API) getPublication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	pub, err := a.Store.GetPublication(ctx, id)
	if err != nil {
		a.storeError(w, "load publication", err)
		return
	}
	view := publicationView{Publication: pub}
	if view.Entries, err = a.Store.ListLogEntries(ctx, id); err != nil {
		a.storeError(w, "list log entries", err)
		return
	}
	if view.Schedules, err = a.Store.ListScheduleEntries(ctx, id); err != nil {
		a.storeError(w, "list schedules", err)
		return
	}
	if view.Verifications, err = a.Store.ListVerifications(ctx, id); err != nil {
		a.storeError(w, "list verifications", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) getPublicationLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be within 1..1000")
			return
		}
		limit = n
	}
	if _, err := a.Store.GetPublication(r.Context(), id); err != nil {
		a.storeError(w, "load publication", err)
		return
	}
	items, err := a.Store.ListActivity(r.Context(), id, limit)
	if err != nil {
		a.storeError(w, "list activity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type jobView struct {
	storage.JobRecord
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, "load job", err)
		return
	}
	view := jobView{JobRecord: rec}
	if json.Valid(rec.Payload) {
		view.Payload = rec.Payload
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) listSweeps(w http.ResponseWriter, _ *http.Request) {
	if a.Sweeps == nil {
		writeError(w, http.StatusNotFound, "no scheduler")
		return
	}
	writeJSON(w, http.StatusOK, a.Sweeps.Status())
}

func (a *API) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.Log.Warn(op+" failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
