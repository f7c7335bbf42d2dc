package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/harvest"
)

const maxUsersLimit = 1000

type crawlRequest struct {
	Keywords              []string `json:"keywords"`
	MaxItems              int      `json:"max_items"`
	MaxComments           int      `json:"max_comments"`
	CommentFilterKeywords []string `json:"comment_filter_keywords"`
}

type crawlResponse struct {
	Success bool   `json:"success"`
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// startCrawl handles POST /api/crawl. It answers 202 once the run is
// accepted; the run itself continues after the response.
func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var body crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}
	runID, err := s.deps.Runs.Start(harvest.RunRequest{
		Keywords:           body.Keywords,
		MaxItemsPerKeyword: body.MaxItems,
		MaxCommentsPerItem: body.MaxComments,
		CommentFilterTerms: body.CommentFilterKeywords,
	})
	switch {
	case err == nil:
	case errors.Is(err, harvest.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "empty_keywords", "add at least one keyword")
		return
	case errors.Is(err, harvest.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running", "a crawl is already running")
		return
	default:
		s.logger.Error("start crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "could not start the crawl")
		return
	}
	writeJSON(w, http.StatusAccepted, crawlResponse{Success: true, RunID: runID, Message: "crawl started"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot())
}

// listUsers handles GET /api/users?limit=&offset=, most recently crawled
// first. Without limit every record is returned.
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 0, maxUsersLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	records, err := s.deps.Records.List(ctx)
	if err != nil {
		s.logger.Error("list users failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage", "failed to list users")
		return
	}
	harvest.SortByCrawlTime(records)
	records = page(records, limit, offset)
	if records == nil {
		records = []harvest.AuthorRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type statsResponse struct {
	TotalUsers int    `json:"total_users"`
	Storage    string `json:"storage"`
}

func (s *Server) userStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	total, err := s.deps.Records.Count(ctx)
	if err != nil {
		s.logger.Error("count users failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage", "failed to count users")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{TotalUsers: total, Storage: s.deps.StorageDesc})
}

type openRequest struct {
	URL string `json:"url"`
}

func (s *Server) openInBrowser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Links == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "side browser is disabled")
		return
	}
	var body openRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_url", "request body must carry a url")
		return
	}
	err := s.deps.Links.Open(r.Context(), body.URL)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "opened in browser"})
	case errors.Is(err, harvest.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_url", err.Error())
	case errors.Is(err, harvest.ErrBrowserStartupTimeout):
		writeError(w, http.StatusInternalServerError, "startup_timeout", "the browser did not start in time")
	case errors.Is(err, harvest.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full", "too many pending links, try again shortly")
	default:
		s.logger.Error("open in browser failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "browser_unavailable", "the browser could not be started")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

// page slices records; a zero limit means no limit.
func page(records []harvest.AuthorRecord, limit, offset int) []harvest.AuthorRecord {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
