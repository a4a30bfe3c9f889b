// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/scheduler"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
)

// Server is the thin validating front-end shell (§6): it only enqueues
// work and reads the result store, never blocking on job completion.
type Server struct {
	router    *mux.Router
	store     *store.Store
	queue     *queue.Substrate
	scheduler *scheduler.Scheduler
	log       *zap.Logger
}

func New(st *store.Store, q *queue.Substrate, sch *scheduler.Scheduler, log *zap.Logger) *Server {
	s := &Server{store: st, queue: q, scheduler: sch, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/analysis", s.handleAnalysisGet).Methods(http.MethodGet)
	r.HandleFunc("/analysis", s.handleAnalysisDelete).Methods(http.MethodDelete)
	r.HandleFunc("/job", s.handleJobGet).Methods(http.MethodGet)
	r.HandleFunc("/job", s.handleJobPost).Methods(http.MethodPost)
	r.HandleFunc("/job", s.handleJobDelete).Methods(http.MethodDelete)
	r.HandleFunc("/hashes", s.handleHashes).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": msg})
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": msg})
}

func serverError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": msg})
}

type analyzeRequest struct {
	Hashes []string `json:"hashes"`
	Query  string   `json:"query"`
	Limit  int      `json:"limit"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if len(req.Hashes) == 0 && req.Query == "" {
		badRequest(w, "either hashes or query is required")
		return
	}

	ctx := r.Context()
	if len(req.Hashes) > 0 {
		if _, err := s.queue.Enqueue(ctx, queue.BinaryRetrieval, "fetch_binaries", map[string]any{
			"hashes": req.Hashes,
		}, queue.EnqueueOpts{}); err != nil {
			serverError(w, err.Error())
			return
		}
	} else {
		if _, err := s.queue.Enqueue(ctx, queue.BinaryRetrieval, "fetch_query", map[string]any{
			"query": req.Query,
			"limit": req.Limit,
		}, queue.EnqueueOpts{}); err != nil {
			serverError(w, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type analysisGetRequest struct {
	Hashes []string `json:"hashes"`
}

func resultDict(r store.AnalysisResult, iocs []store.IOC) map[string]any {
	dicts := make([]map[string]any, len(iocs))
	for i, ioc := range iocs {
		dicts[i] = ioc.AsDict()
	}
	return map[string]any{
		"id":             r.ID,
		"sha256":         r.SHA256,
		"job_id":         r.JobID,
		"connector_name": r.ConnectorName,
		"analysis_name":  r.AnalysisName,
		"score":          r.Score,
		"error":          r.Error,
		"payload":        string(r.Payload),
		"dispatched":     r.Dispatched,
		"iocs":           dicts,
	}
}

func (s *Server) handleAnalysisGet(w http.ResponseWriter, r *http.Request) {
	var req analysisGetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if len(req.Hashes) == 0 {
		badRequest(w, "hashes is required")
		return
	}

	completed := map[string][]map[string]any{}
	anyIncomplete := false
	for _, hash := range req.Hashes {
		results, err := s.store.ResultsBySHA256(hash)
		if err != nil {
			serverError(w, err.Error())
			return
		}
		if len(results) == 0 {
			anyIncomplete = true
			continue
		}
		dicts := make([]map[string]any, 0, len(results))
		for _, res := range results {
			iocs, err := s.store.IOCsForResult(res.ID)
			if err != nil {
				serverError(w, err.Error())
				return
			}
			dicts = append(dicts, resultDict(res, iocs))
		}
		completed[hash] = dicts
	}

	var pending []string
	if anyIncomplete {
		pending = s.pendingJobIDsFor(r.Context())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"completed": completed,
		"pending":   pending,
	})
}

// pendingJobIDsFor lists job ids currently sitting on the retrieval and
// analysis queues, without dequeuing them. The substrate doesn't index
// jobs by hash, so this reports the pending set across both queues
// rather than a precise per-hash match.
func (s *Server) pendingJobIDsFor(ctx context.Context) []string {
	var ids []string
	for _, qname := range []string{queue.BinaryRetrieval, queue.BinaryAnalysis} {
		jobIDs, err := s.queue.ListQueued(ctx, qname, 1000)
		if err != nil {
			continue
		}
		ids = append(ids, jobIDs...)
	}
	return ids
}

type analysisDeleteRequest struct {
	Kind  string   `json:"kind"`
	Items []string `json:"items"`
}

func (s *Server) handleAnalysisDelete(w http.ResponseWriter, r *http.Request) {
	var req analysisDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		badRequest(w, "items is required")
		return
	}

	var del func(string) error
	switch req.Kind {
	case "hashes":
		del = s.store.DeleteResultsBySHA256
	case "connector_names":
		del = s.store.DeleteResultsByConnector
	case "analysis_names":
		del = s.store.DeleteResultsByAnalysisName
	case "job_ids":
		del = s.store.DeleteResultsByJobID
	default:
		badRequest(w, "kind must be one of hashes, connector_names, analysis_names, job_ids")
		return
	}

	for _, item := range req.Items {
		if err := del(item); err != nil {
			serverError(w, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	until := r.URL.Query().Get("until")
	var deadline time.Time
	if until != "" && until != "forever" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			badRequest(w, "until must be \"forever\" or an ISO-8601 timestamp")
			return
		}
		deadline = t
	}

	jobs := s.scheduler.Jobs(deadline)
	out := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		out[i] = map[string]any{"job_id": j.ID, "at": j.RunAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": out})
}

type jobPostRequest struct {
	Query    string `json:"query"`
	Schedule string `json:"schedule"`
	Repeat   any    `json:"repeat"`
	Limit    int    `json:"limit"`
}

func (s *Server) handleJobPost(w http.ResponseWriter, r *http.Request) {
	var req jobPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.Query == "" || req.Schedule == "" {
		badRequest(w, "query and schedule are required")
		return
	}

	repeat := scheduler.Forever
	switch v := req.Repeat.(type) {
	case nil:
	case string:
		if v != "forever" {
			badRequest(w, "repeat must be \"forever\" or a positive integer")
			return
		}
	case float64:
		if v <= 0 {
			badRequest(w, "repeat must be \"forever\" or a positive integer")
			return
		}
		repeat = int(v)
	default:
		badRequest(w, "repeat must be \"forever\" or a positive integer")
		return
	}

	jobID, err := s.scheduler.Add(req.Schedule, req.Query, req.Limit, repeat)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": jobID})
}

type jobDeleteRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	var req jobDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.JobID == "" {
		badRequest(w, "job_id is required")
		return
	}
	if !s.scheduler.Contains(req.JobID) {
		notFound(w, "unknown job_id")
		return
	}
	if err := s.scheduler.Cancel(req.JobID); err != nil {
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHashes(w http.ResponseWriter, r *http.Request) {
	hashes, err := s.store.AllHashes()
	if err != nil {
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "hashes": hashes})
}
