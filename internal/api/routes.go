package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelscope/reelscope/internal/catalog"
	"github.com/reelscope/reelscope/internal/merge"
	"github.com/reelscope/reelscope/internal/playback"
	"github.com/reelscope/reelscope/internal/reconcile"
	"github.com/reelscope/reelscope/internal/summary"
)

const (
	maxCallbackBody = 10 << 20
	defaultPage     = 100
	maxPage         = 1000
	aiEventLimit    = 500
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	r.Get("/health", healthHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// Fetched by the analysis service from the URL in each dispatch.
	r.Get("/api/videos/stream/{filename}", streamHandler(cfg))
	r.Head("/api/videos/stream/{filename}", streamHandler(cfg))

	r.With(CallbackAuthMiddleware(cfg.CallbackSecret, cfg.Logger)).
		Post("/api/analysis/webhook/analysis-complete", webhookHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/api/analysis/status/{videoId}", statusHandler(cfg))
		r.Get("/api/analysis/service/health", serviceHealthHandler(cfg))

		r.Get("/api/analysis/queue/stats", queueStatsHandler(cfg))
		r.Get("/api/analysis/queue/status/{videoId}", queueStatusHandler(cfg))
		r.Post("/api/analysis/queue/retry/{videoId}", retryHandler(cfg))
		r.Post("/api/analysis/queue/pause", pauseHandler(cfg))
		r.Post("/api/analysis/queue/resume", resumeHandler(cfg))

		r.Route("/api/analysis/{videoId}", func(r chi.Router) {
			r.Post("/copy-database", copyDatabaseHandler(cfg))
			r.Get("/stats", statsHandler(cfg))
			r.Delete("/data", deleteDataHandler(cfg))
			r.Get("/check-data", checkDataHandler(cfg))
			r.Get("/output-files", outputFilesHandler(cfg))
			r.Get("/output-files/{name}", outputFileHandler(cfg))
			r.Get("/ai-analysis", aiAnalysisHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

// videoIDParam returns the videoId URL parameter, writing a 400 if it could
// name a path outside the output root.
func videoIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "videoId")
	if !merge.ValidVideoID(id) {
		WriteError(w, http.StatusBadRequest, "invalid video id", "BAD_REQUEST")
		return "", false
	}
	return id, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = defaultPage
	}
	if limit > maxPage {
		limit = maxPage
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeFileError(cfg ServerConfig, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, playback.ErrInvalidName):
		WriteError(w, http.StatusBadRequest, "invalid file name", "BAD_REQUEST")
	case errors.Is(err, playback.ErrNotFound):
		WriteError(w, http.StatusNotFound, "file not found", "NOT_FOUND")
	default:
		cfg.Logger.Error("file serving failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to serve file", "INTERNAL_ERROR")
	}
}

func streamHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := url.PathUnescape(chi.URLParam(r, "filename"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid file name", "BAD_REQUEST")
			return
		}
		if err := cfg.Videos.ServeFile(w, r, name); err != nil {
			writeFileError(cfg, w, err)
		}
	}
}

func webhookHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cb reconcile.Callback
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&cb); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		ack, err := cfg.Reconciler.Handle(r.Context(), cb)
		if err != nil {
			if errors.Is(err, reconcile.ErrMalformedCallback) {
				WriteError(w, http.StatusBadRequest, err.Error(), "CALLBACK_MALFORMED")
				return
			}
			cfg.Logger.Error("callback handling failed", "video_id", cb.VideoID, "error", err)
			WriteError(w, http.StatusInternalServerError, "callback handling failed", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, ack)
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "videoId")
		WriteJSON(w, http.StatusOK, cfg.Cache.Get(id))
	}
}

func queueStatusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "videoId")
		history, err := cfg.Ledger.ListByVideo(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read job ledger", "INTERNAL_ERROR")
			return
		}

		resp := QueueStatusResponse{
			VideoID: id,
			Status:  cfg.Cache.Get(id),
			History: history,
		}
		if len(history) > 0 {
			resp.Job = history[0]
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func queueStatsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := cfg.Ledger.CountByState(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to count jobs", "INTERNAL_ERROR")
			return
		}

		resp := QueueStatsResponse{Counts: counts, CacheEntries: cfg.Cache.Len()}
		for _, n := range counts {
			resp.Total += n
		}
		if cfg.Pool != nil {
			resp.Workers = &WorkerStatus{
				Running:     cfg.Pool.IsRunning(),
				Paused:      cfg.Pool.IsPaused(),
				Active:      cfg.Pool.ActiveCount(),
				Concurrency: cfg.Pool.Concurrency(),
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func retryHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}

		job, err := cfg.Catalog.RetryAnalysis(r.Context(), id)
		if err != nil {
			if errors.Is(err, catalog.ErrVideoNotFound) {
				WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
				return
			}
			cfg.Logger.Error("retry failed", "video_id", id, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to re-enqueue analysis", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, RetryResponse{
			Success: true,
			Message: "analysis re-enqueued",
			VideoID: id,
			JobID:   job.ID,
		})
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Pool.Pause()
		w.WriteHeader(http.StatusNoContent)
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Pool.Resume()
		w.WriteHeader(http.StatusNoContent)
	}
}

func serviceHealthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ServiceHealthResponse{Status: "healthy"}
		if cfg.Reconciler != nil {
			resp.FFmpeg = cfg.Reconciler.TranscoderStatus(r.Context())
		}

		if err := cfg.Dispatcher.Health(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func copyDatabaseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}

		res, err := cfg.Merger.Merge(r.Context(), id)
		if err != nil {
			if errors.Is(err, merge.ErrExternalStoreMissing) {
				WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
				return
			}
			cfg.Logger.Error("manual merge failed", "video_id", id, "error", err)
			WriteError(w, http.StatusInternalServerError, err.Error(), "MERGE_FAILED")
			return
		}

		WriteJSON(w, http.StatusOK, CopyDatabaseResponse{
			Success: true,
			Message: "analysis database copied",
			VideoID: id,
			Result:  res,
		})
	}
}

func statsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}

		stats, err := cfg.Merger.GetStats(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read stats", "INTERNAL_ERROR")
			return
		}
		if stats == nil {
			WriteError(w, http.StatusNotFound, "no analysis data for video", "NOT_FOUND")
			return
		}

		limit, offset := pageParams(r)
		events, err := cfg.Merger.ListEvents(r.Context(), id, limit, offset)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read events", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, StatsResponse{
			VideoID: id,
			Stats:   stats,
			Events:  events,
			Limit:   limit,
			Offset:  offset,
		})
	}
}

func deleteDataHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}

		res, err := cfg.Merger.DeleteMergedData(r.Context(), id)
		if err != nil {
			cfg.Logger.Error("delete merged data failed", "video_id", id, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to delete analysis data", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, DeleteDataResponse{
			Success:       true,
			VideoID:       id,
			EventsDeleted: res.EventsDeleted,
			StatsDeleted:  res.StatsDeleted,
		})
	}
}

func checkDataHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}

		exists, err := cfg.Merger.CheckDataExists(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to check analysis data", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, CheckDataResponse{VideoID: id, HasData: exists})
	}
}

func outputFilesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}

		files, err := cfg.Outputs.List(id)
		if err != nil {
			writeFileError(cfg, w, err)
			return
		}
		WriteJSON(w, http.StatusOK, OutputFilesResponse{VideoID: id, Files: files})
	}
}

func outputFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}
		name, err := url.PathUnescape(chi.URLParam(r, "name"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid file name", "BAD_REQUEST")
			return
		}
		if err := cfg.Outputs.ServeFile(w, r, id, name); err != nil {
			writeFileError(cfg, w, err)
		}
	}
}

func aiAnalysisHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := videoIDParam(w, r)
		if !ok {
			return
		}

		typ, err := summary.ParseType(r.URL.Query().Get("type"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		ctx := r.Context()
		video, err := cfg.Catalog.GetVideo(ctx, id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load video", "INTERNAL_ERROR")
			return
		}
		if video == nil {
			WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
			return
		}
		if video.Status != catalog.VideoStatusReady {
			WriteError(w, http.StatusConflict, "analysis not completed (status "+video.Status+")", "ANALYSIS_INCOMPLETE")
			return
		}
		if cfg.Summarizer == nil {
			WriteError(w, http.StatusServiceUnavailable, "AI analysis is not configured", "NOT_CONFIGURED")
			return
		}

		stats, err := cfg.Merger.GetStats(ctx, id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read stats", "INTERNAL_ERROR")
			return
		}
		events, err := cfg.Merger.ListEvents(ctx, id, aiEventLimit, 0)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read events", "INTERNAL_ERROR")
			return
		}

		report, err := cfg.Summarizer.Summarize(ctx, summary.Input{
			VideoID: id,
			Title:   video.Title,
			Type:    typ,
			Stats:   stats,
			Events:  events,
			Result:  video.AnalysisResult,
		})
		if err != nil {
			cfg.Logger.Error("AI analysis failed", "video_id", id, "error", err)
			WriteError(w, http.StatusBadGateway, "AI analysis failed: "+err.Error(), "AI_FAILED")
			return
		}

		WriteJSON(w, http.StatusOK, AIAnalysisResponse{
			Success:          true,
			VideoID:          id,
			VideoTitle:       video.Title,
			AnalysisType:     string(report.Type),
			Analysis:         report.Text,
			Model:            report.Model,
			PromptTokens:     report.PromptTokens,
			CompletionTokens: report.CompletionTokens,
			Timestamp:        time.Now().UTC().Format(time.RFC3339),
		})
	}
}

