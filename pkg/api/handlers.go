package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/buildstage/pkg/store"
)

const (
	defaultBuildLimit = 50
	maxBuildLimit     = 500
	maxRequestBytes   = 4 << 20

	productCollectorName = "Product"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return false
	}

	return true
}

func uintParam(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}

	return uint(v), true
}

// pipelineResponse lists every stage's commits newest first.
type pipelineResponse struct {
	CollectorItemID uint                              `json:"collector_item_id"`
	UpdatedAt       time.Time                         `json:"updated_at"`
	Stages          map[string][]store.PipelineCommit `json:"stages"`
}

func newPipelineResponse(p *store.Pipeline) pipelineResponse {
	resp := pipelineResponse{
		CollectorItemID: p.CollectorItemID,
		UpdatedAt:       p.UpdatedAt,
		Stages:          make(map[string][]store.PipelineCommit, len(p.Stages)),
	}

	for name, stage := range p.Stages {
		if stage == nil {
			continue
		}

		commits := stage.Commits.Slice()
		sort.SliceStable(commits, func(i, j int) bool {
			return commits[i].Timestamp > commits[j].Timestamp
		})

		resp.Stages[name] = commits
	}

	return resp
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.store.ListPipelines(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list pipelines")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing pipelines"})

		return
	}

	resp := make([]pipelineResponse, 0, len(pipelines))
	for i := range pipelines {
		resp = append(resp, newPipelineResponse(&pipelines[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	itemID, ok := uintParam(r, "collectorItemID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid collector item id"})

		return
	}

	p, err := s.store.FindPipelineByCollectorItemID(r.Context(), itemID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"pipeline not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to get pipeline")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"getting pipeline"})

		return
	}

	writeJSON(w, http.StatusOK, newPipelineResponse(p))
}

func (s *server) handleListCollectorItems(w http.ResponseWriter, r *http.Request) {
	collectorType := r.URL.Query().Get("collector_type")
	if collectorType == "" {
		collectorType = store.CollectorTypeBuild
	}

	items, err := s.store.FindCollectorItemsByType(r.Context(), collectorType)
	if err != nil {
		s.log.WithError(err).Error("Failed to list collector items")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing collector items"})

		return
	}

	if items == nil {
		items = []store.CollectorItem{}
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	itemID, ok := uintParam(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid collector item id"})

		return
	}

	limit := defaultBuildLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

			return
		}

		limit = min(n, maxBuildLimit)
	}

	builds, err := s.store.ListBuilds(r.Context(), itemID, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list builds")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing builds"})

		return
	}

	if builds == nil {
		builds = []store.Build{}
	}

	writeJSON(w, http.StatusOK, builds)
}

type upsertCommitsRequest struct {
	CollectorItemID uint           `json:"collector_item_id"`
	Commits         []store.Commit `json:"commits"`
}

// handleUpsertCommits records commits reported by an SCM collector.
func (s *server) handleUpsertCommits(w http.ResponseWriter, r *http.Request) {
	var req upsertCommitsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	for i := range req.Commits {
		if req.Commits[i].RevisionNumber == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{"commit revision number is required"})

			return
		}
	}

	for i := range req.Commits {
		c := req.Commits[i]
		if c.CollectorItemID == 0 {
			c.CollectorItemID = req.CollectorItemID
		}

		if err := s.store.UpsertCommit(r.Context(), &c); err != nil {
			s.log.WithError(err).
				WithField("revision", c.RevisionNumber).
				Error("Failed to upsert commit")
			writeJSON(w, http.StatusInternalServerError, errorResponse{"storing commits"})

			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(req.Commits)})
}

type recordCommitsRequest struct {
	Commits []store.Commit `json:"commits"`
}

// handleRecordPipelineCommits adds commits to a pipeline's Commit stage.
func (s *server) handleRecordPipelineCommits(w http.ResponseWriter, r *http.Request) {
	itemID, ok := uintParam(r, "collectorItemID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid collector item id"})

		return
	}

	var req recordCommitsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	for _, c := range req.Commits {
		if c.RevisionNumber == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{"commit revision number is required"})

			return
		}
	}

	if _, err := s.store.GetCollectorItem(r.Context(), itemID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"collector item not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get collector item")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"getting collector item"})

		return
	}

	p, err := s.reconciler.RecordCommits(r.Context(), itemID, req.Commits)
	if err != nil {
		s.log.WithError(err).
			WithField("collector_item_id", itemID).
			Error("Failed to record pipeline commits")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"recording commits"})

		return
	}

	writeJSON(w, http.StatusOK, newPipelineResponse(p))
}

type createDashboardRequest struct {
	Title           string                   `json:"title"`
	ApplicationName string                   `json:"application_name"`
	Components      []createComponentRequest `json:"components"`
}

type createComponentRequest struct {
	Name             string `json:"name"`
	CollectorItemIDs []uint `json:"collector_item_ids"`
}

type createDashboardResponse struct {
	Dashboard              *store.Dashboard `json:"dashboard"`
	ProductCollectorItemID uint             `json:"product_collector_item_id"`
}

// handleCreateDashboard registers a dashboard with its components and the
// product collector item whose pipeline tracks it.
func (s *server) handleCreateDashboard(w http.ResponseWriter, r *http.Request) {
	var req createDashboardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"title is required"})

		return
	}

	ctx := r.Context()
	dashboard := &store.Dashboard{Title: req.Title, ApplicationName: req.ApplicationName}

	for _, cr := range req.Components {
		component := store.Component{Name: cr.Name}

		for _, id := range cr.CollectorItemIDs {
			item, err := s.store.GetCollectorItem(ctx, id)
			if err != nil {
				writeJSON(w, http.StatusBadRequest,
					errorResponse{"unknown collector item " + strconv.FormatUint(uint64(id), 10)})

				return
			}

			component.CollectorItems = append(component.CollectorItems, *item)
		}

		dashboard.Components = append(dashboard.Components, component)
	}

	product := &store.Collector{
		Name:          productCollectorName,
		CollectorType: store.CollectorTypeProduct,
		Enabled:       true,
		Online:        true,
	}

	item, err := s.store.RegisterDashboard(ctx, dashboard, product)
	if err != nil {
		s.log.WithError(err).
			WithField("title", req.Title).
			Error("Failed to register dashboard")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"creating dashboard"})

		return
	}

	writeJSON(w, http.StatusCreated, createDashboardResponse{
		Dashboard:              dashboard,
		ProductCollectorItemID: item.ID,
	})
}
