package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"threads-scheduler/internal/config"
	"threads-scheduler/internal/logger"
	"threads-scheduler/internal/media"
	"threads-scheduler/internal/models"
	"threads-scheduler/internal/store"
	"threads-scheduler/internal/telemetry"
	"threads-scheduler/internal/threads"
)

const oauthStateKey = "oauth_state"

// Server wires HTTP handlers for managing the post queue, history, and
// accounts. Publishing itself stays in the scheduler process; the API only
// mutates the store.
type Server struct {
	cfg      config.Config
	store    *store.Store
	threads  *threads.Client
	uploader *media.Uploader
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, tc *threads.Client, up *media.Uploader) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		threads:  tc,
		uploader: up,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/posts", s.handleSchedulePost)
	r.Post("/posts/tree", s.handleScheduleTree)
	r.Get("/posts", s.handleListPosts)
	r.Patch("/posts/{id}", s.handleUpdatePost)
	r.Delete("/posts/{id}", s.handleDeletePost)
	r.Post("/posts/{id}/retry", s.handleRetryPost)

	r.Get("/history", s.handleListHistory)
	r.Post("/history/refresh-insights", s.handleRefreshInsights)

	r.Get("/accounts", s.handleListAccounts)
	r.Post("/accounts/{id}/activate", s.handleActivateAccount)
	r.Get("/accounts/warnings", s.handleTokenWarnings)

	r.Get("/auth/url", s.handleAuthURL)
	r.Post("/auth/exchange", s.handleAuthExchange)

	r.Post("/media", s.handleUploadMedia)
	return r
}

type postRequest struct {
	AccountID     string     `json:"account_id"`
	Text          string     `json:"text"`
	MediaURL      string     `json:"media_url"`
	MediaType     string     `json:"media_type"`
	ScheduledTime *time.Time `json:"scheduled_time"`
}

func (p postRequest) validate() error {
	if p.Text == "" && p.MediaURL == "" {
		return errors.New("text or media_url is required")
	}
	if p.ScheduledTime == nil {
		return errors.New("scheduled_time is required")
	}
	return nil
}

func (p postRequest) toEntry() models.QueueEntry {
	return models.QueueEntry{
		ID:            uuid.New().String(),
		AccountID:     p.AccountID,
		Status:        models.StatusScheduled,
		Text:          p.Text,
		MediaURL:      p.MediaURL,
		MediaType:     p.MediaType,
		ScheduledTime: p.ScheduledTime,
	}
}

func (s *Server) handleSchedulePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry := req.toEntry()
	if err := s.store.AppendQueue(r.Context(), entry); err != nil {
		http.Error(w, "failed to schedule post", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type treeRequest struct {
	AccountID     string     `json:"account_id"`
	ScheduledTime *time.Time `json:"scheduled_time"`
	Posts         []struct {
		Text      string `json:"text"`
		MediaURL  string `json:"media_url"`
		MediaType string `json:"media_type"`
	} `json:"posts"`
}

// handleScheduleTree queues a reply chain: the first post is the root, each
// later one replies to its predecessor. Members share a group id and publish
// together on the same scheduler pass.
func (s *Server) handleScheduleTree(w http.ResponseWriter, r *http.Request) {
	var req treeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Posts) == 0 {
		http.Error(w, "posts is required", http.StatusBadRequest)
		return
	}
	if len(req.Posts) > s.cfg.TreePostLimit {
		http.Error(w, fmt.Sprintf("tree exceeds %d posts", s.cfg.TreePostLimit), http.StatusBadRequest)
		return
	}
	if req.ScheduledTime == nil {
		http.Error(w, "scheduled_time is required", http.StatusBadRequest)
		return
	}
	for i, p := range req.Posts {
		if p.Text == "" && p.MediaURL == "" {
			http.Error(w, fmt.Sprintf("post %d needs text or media_url", i+1), http.StatusBadRequest)
			return
		}
	}

	groupID := fmt.Sprintf("tree-%d", time.Now().UnixNano())
	entries := make([]models.QueueEntry, 0, len(req.Posts))
	for i, p := range req.Posts {
		entry := models.QueueEntry{
			ID:            uuid.New().String(),
			AccountID:     req.AccountID,
			Status:        models.StatusScheduled,
			Text:          p.Text,
			MediaURL:      p.MediaURL,
			MediaType:     p.MediaType,
			ScheduledTime: req.ScheduledTime,
			GroupID:       groupID,
			OrderNum:      i + 1,
		}
		if err := s.store.AppendQueue(r.Context(), entry); err != nil {
			http.Error(w, "failed to schedule tree", http.StatusInternalServerError)
			return
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"group_id": groupID, "posts": entries})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListQueue(r.Context())
	if err != nil {
		http.Error(w, "failed to list posts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": entries})
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.store.GetQueueEntry(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entry.Status == models.StatusProcessing || entry.Status == models.StatusPosted {
		http.Error(w, "post is already publishing", http.StatusConflict)
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		req.Text = entry.Text
	}
	if req.MediaURL == "" {
		req.MediaURL = entry.MediaURL
	}
	if req.MediaType == "" {
		req.MediaType = entry.MediaType
	}
	if req.ScheduledTime == nil {
		req.ScheduledTime = entry.ScheduledTime
	}
	if req.ScheduledTime == nil {
		http.Error(w, "scheduled_time is required", http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateQueuePost(r.Context(), id, req.Text, req.MediaURL, req.MediaType, *req.ScheduledTime); err != nil {
		writeStoreError(w, err)
		return
	}
	updated, err := s.store.GetQueueEntry(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetQueueEntry(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteQueue(r.Context(), id); err != nil {
		http.Error(w, "failed to delete post", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleRetryPost retries an errored post immediately. Standalone posts
// publish inline: deleted on success, back to error status on failure. Tree
// members return to the pending pool instead, since the whole chain has to
// publish together on a scheduler pass.
func (s *Server) handleRetryPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.store.GetQueueEntry(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entry.Status != models.StatusError {
		http.Error(w, "only errored posts can be retried", http.StatusConflict)
		return
	}

	if entry.GroupID != "" {
		if err := s.store.ScheduleQueueRetry(r.Context(), id, 0, time.Now()); err != nil {
			http.Error(w, "failed to reschedule post", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
		return
	}

	creds, err := s.store.CredentialsFor(r.Context(), entry.AccountID)
	if err != nil {
		http.Error(w, "no credentials for account", http.StatusConflict)
		return
	}
	postID, err := s.threads.Publish(r.Context(), creds, threads.PublishRequest{
		AccountID: entry.AccountID,
		Text:      entry.Text,
		MediaURL:  entry.MediaURL,
		MediaType: entry.MediaType,
	})
	if err != nil {
		_ = s.store.SetQueueError(r.Context(), id, err.Error())
		telemetry.PostsFailed.Inc()
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if err := s.store.DeleteQueue(r.Context(), id); err != nil {
		logger.L().WithError(err).WithField("post_id", id).Warn("published but failed to delete queue entry")
	}
	telemetry.PostsPublished.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "posted", "external_post_id": postID})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListHistory(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		http.Error(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// handleRefreshInsights re-fetches engagement counts for every history row
// that has an external post id. Per-row failures are logged and skipped so one
// deleted post cannot block the rest.
func (s *Server) handleRefreshInsights(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListHistory(r.Context(), "")
	if err != nil {
		http.Error(w, "failed to list history", http.StatusInternalServerError)
		return
	}

	refreshed := 0
	for _, entry := range entries {
		if entry.ExternalPostID == "" {
			continue
		}
		creds, err := s.store.CredentialsFor(r.Context(), entry.AccountID)
		if err != nil {
			logger.L().WithError(err).WithField("post_id", entry.ID).Warn("skipping insights refresh: no credentials")
			continue
		}
		insights, err := s.threads.PostInsights(r.Context(), creds, entry.ExternalPostID)
		if err != nil {
			logger.L().WithError(err).WithField("external_post_id", entry.ExternalPostID).Warn("insights fetch failed")
			continue
		}
		if err := s.store.UpdateHistoryInsights(r.Context(), entry.ID, insights.Likes, insights.Replies); err != nil {
			logger.L().WithError(err).WithField("post_id", entry.ID).Warn("insights update failed")
			continue
		}
		refreshed++
		telemetry.InsightsRefreshed.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": refreshed, "total": len(entries)})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		http.Error(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.SetActiveAccount(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleTokenWarnings reports accounts whose long-lived tokens are close to
// expiry: expired, critical within 5 days, warning within the refresh window.
func (s *Server) handleTokenWarnings(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		http.Error(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}

	warnings := []models.TokenWarning{}
	now := time.Now()
	for _, account := range accounts {
		if account.AccessToken == "" || account.TokenExpires == nil {
			continue
		}
		daysLeft := int(account.TokenExpires.Sub(now).Hours() / 24)
		warning := models.TokenWarning{
			AccountID: account.ID,
			Username:  account.Username,
			DaysLeft:  daysLeft,
		}
		switch {
		case daysLeft <= 0:
			warning.Level = "expired"
			warning.Message = fmt.Sprintf("token for @%s has expired; re-authenticate", account.Username)
		case daysLeft <= 5:
			warning.Level = "critical"
			warning.Message = fmt.Sprintf("token for @%s expires in %d days", account.Username, daysLeft)
		case daysLeft <= s.cfg.TokenRefreshDays:
			warning.Level = "warning"
			warning.Message = fmt.Sprintf("token for @%s expires in %d days", account.Username, daysLeft)
		default:
			continue
		}
		warnings = append(warnings, warning)
	}
	writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()
	if err := s.store.SetSetting(r.Context(), oauthStateKey, state); err != nil {
		http.Error(w, "failed to persist oauth state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.threads.AuthorizeURL(state), "state": state})
}

type exchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func (s *Server) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	stored, err := s.store.GetSetting(r.Context(), oauthStateKey)
	if err != nil {
		http.Error(w, "failed to read oauth state", http.StatusInternalServerError)
		return
	}
	if stored == "" || stored != req.State {
		http.Error(w, "oauth state mismatch", http.StatusForbidden)
		return
	}
	// States are single-use.
	if err := s.store.SetSetting(r.Context(), oauthStateKey, ""); err != nil {
		http.Error(w, "failed to clear oauth state", http.StatusInternalServerError)
		return
	}

	result, err := s.threads.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		logger.L().WithError(err).Error("oauth exchange failed")
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	account, err := s.store.UpsertAccount(r.Context(), models.Account{
		Username:     result.Username,
		UserID:       result.UserID,
		AccessToken:  result.AccessToken,
		TokenExpires: &result.ExpiresAt,
	})
	if err != nil {
		http.Error(w, "failed to save account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	if s.uploader == nil {
		http.Error(w, "media uploads are not configured", http.StatusNotImplemented)
		return
	}
	if err := r.ParseMultipartForm(s.cfg.MediaMaxBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	result, err := s.uploader.Upload(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, media.ErrTooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": result.URL, "media_type": result.MediaType})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
