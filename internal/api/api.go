// Package api exposes the HTTP control surface: transfer CRUD, lifecycle
// controls, the history ledger and a websocket progress stream.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"seedwarden/internal/domain"
	"seedwarden/internal/downloader"
	"seedwarden/internal/history"
	"seedwarden/internal/metrics"
)

// maxWaitSeconds caps the synchronous wait endpoint so a client cannot pin a
// server connection indefinitely.
const maxWaitSeconds = 600

// HistoryLister reads back the persisted ledger.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Event, error)
}

// DescriptorFetcher resolves a tracker content id to raw descriptor bytes.
type DescriptorFetcher interface {
	DescriptorBytes(ctx context.Context, contentID int64) ([]byte, error)
}

// Handler wires HTTP routes to the download manager.
type Handler struct {
	manager  downloader.Manager
	history  HistoryLister
	tracker  DescriptorFetcher // nil when no tracker is configured
	auth     *Auth
	metricsH http.Handler

	defaultSavePath string
	defaultGoal     domain.Goal
	logger          *logrus.Logger
}

func NewHandler(manager downloader.Manager, hist HistoryLister, tracker DescriptorFetcher, auth *Auth, metricsH http.Handler, defaultSavePath string, defaultGoal domain.Goal, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		manager:         manager,
		history:         hist,
		tracker:         tracker,
		auth:            auth,
		metricsH:        metricsH,
		defaultSavePath: defaultSavePath,
		defaultGoal:     defaultGoal,
		logger:          logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())
	router.Use(metricsMiddleware())

	if h.metricsH != nil {
		router.GET("/metrics", gin.WrapH(h.metricsH))
	}

	api := router.Group("/api")
	{
		api.POST("/login", h.auth.login)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		authed := api.Group("", h.auth.middleware())
		{
			authed.POST("/transfers", h.addTransfer)
			authed.GET("/transfers", h.listTransfers)
			authed.GET("/transfers/ws", h.streamTransfers)
			authed.GET("/transfers/:fingerprint", h.getTransfer)
			authed.POST("/transfers/:fingerprint/pause", h.pauseTransfer)
			authed.POST("/transfers/:fingerprint/resume", h.resumeTransfer)
			authed.POST("/transfers/:fingerprint/recheck", h.recheckTransfer)
			authed.POST("/transfers/:fingerprint/stop", h.stopSeeding)
			authed.POST("/transfers/:fingerprint/wait", h.waitTransfer)
			authed.DELETE("/transfers/:fingerprint", h.removeTransfer)
			authed.PUT("/limits", h.setLimits)
			authed.GET("/history", h.listHistory)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

type goalRequest struct {
	TargetRatio float64 `json:"target_ratio"`
	SeedMinutes int     `json:"seed_minutes"`
	StopMode    string  `json:"stop_mode"`
}

type addTransferRequest struct {
	Descriptor string       `json:"descriptor"` // base64-encoded descriptor bytes
	ContentID  int64        `json:"content_id"` // tracker content id, alternative to descriptor
	SavePath   string       `json:"save_path"`
	Goal       *goalRequest `json:"goal"`
}

func (h *Handler) addTransfer(c *gin.Context) {
	var req addTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var raw []byte
	switch {
	case req.Descriptor != "":
		b, err := base64.StdEncoding.DecodeString(req.Descriptor)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "descriptor is not valid base64"})
			return
		}
		raw = b
	case req.ContentID > 0:
		if h.tracker == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no tracker configured for content_id lookups"})
			return
		}
		b, err := h.tracker.DescriptorBytes(c.Request.Context(), req.ContentID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		raw = b
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "descriptor or content_id is required"})
		return
	}

	goal := h.defaultGoal
	if req.Goal != nil {
		mode := domain.StopMode(req.Goal.StopMode)
		switch mode {
		case "", domain.StopAny:
			mode = domain.StopAny
		case domain.StopAll:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "stop_mode must be any or all"})
			return
		}
		goal = domain.Goal{
			TargetRatio:  req.Goal.TargetRatio,
			SeedDuration: time.Duration(req.Goal.SeedMinutes) * time.Minute,
			StopMode:     mode,
		}
	}

	savePath := req.SavePath
	if savePath == "" {
		savePath = h.defaultSavePath
	}

	fingerprint, err := h.manager.Add(c.Request.Context(), raw, savePath, goal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"fingerprint": fingerprint})
}

func (h *Handler) listTransfers(c *gin.Context) {
	snaps := h.manager.List()
	resp := make([]TransferResponse, len(snaps))
	for i := range snaps {
		resp[i] = transferToResponse(snaps[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTransfer(c *gin.Context) {
	snap, err := h.manager.Snapshot(c.Param("fingerprint"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transferToResponse(snap))
}

func (h *Handler) pauseTransfer(c *gin.Context) {
	if err := h.manager.Pause(c.Param("fingerprint")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": c.Param("fingerprint")})
}

func (h *Handler) resumeTransfer(c *gin.Context) {
	if err := h.manager.Resume(c.Param("fingerprint")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": c.Param("fingerprint")})
}

func (h *Handler) recheckTransfer(c *gin.Context) {
	if err := h.manager.Recheck(c.Param("fingerprint")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rechecking": c.Param("fingerprint")})
}

func (h *Handler) stopSeeding(c *gin.Context) {
	if err := h.manager.StopSeeding(c.Param("fingerprint")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": c.Param("fingerprint")})
}

func (h *Handler) waitTransfer(c *gin.Context) {
	seconds, err := strconv.Atoi(c.DefaultQuery("timeout_seconds", "0"))
	if err != nil || seconds < 0 || seconds > maxWaitSeconds {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout_seconds"})
		return
	}

	complete, err := h.manager.WaitForCompletion(c.Param("fingerprint"), time.Duration(seconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complete": complete})
}

func (h *Handler) removeTransfer(c *gin.Context) {
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}

	if err := h.manager.Remove(c.Param("fingerprint"), deleteFiles); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("fingerprint")})
}

type limitsRequest struct {
	UploadKBps   int64 `json:"upload_kbps"`
	DownloadKBps int64 `json:"download_kbps"`
}

func (h *Handler) setLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UploadKBps < 0 || req.DownloadKBps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rate limits must not be negative"})
		return
	}

	h.manager.SetRateLimits(req.UploadKBps*1024, req.DownloadKBps*1024)
	c.JSON(http.StatusOK, gin.H{
		"upload_kbps":   req.UploadKBps,
		"download_kbps": req.DownloadKBps,
	})
}

func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, []HistoryEventResponse{})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	events, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]HistoryEventResponse, len(events))
	for i := range events {
		resp[i] = historyEventToResponse(events[i])
	}
	c.JSON(http.StatusOK, resp)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrParse):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type TransferResponse struct {
	Fingerprint     string   `json:"fingerprint"`
	Name            string   `json:"name"`
	State           string   `json:"state"`
	Completed       float64  `json:"completed"`
	TotalBytes      int64    `json:"total_bytes"`
	SavePath        string   `json:"save_path"`
	DownloadedBytes int64    `json:"downloaded_bytes"`
	UploadedBytes   int64    `json:"uploaded_bytes"`
	DownloadRate    int64    `json:"download_rate"`
	UploadRate      int64    `json:"upload_rate"`
	Peers           int      `json:"peers"`
	Seeds           int      `json:"seeds"`
	Ratio           float64  `json:"ratio"`
	ETASeconds      *int64   `json:"eta_seconds,omitempty"`
	TargetRatio     float64  `json:"target_ratio,omitempty"`
	SeedMinutes     int      `json:"seed_minutes,omitempty"`
	StopMode        string   `json:"stop_mode,omitempty"`
	SeedStart       *string  `json:"seed_start,omitempty"`
	CreatedAt       string   `json:"created_at"`
	Error           string   `json:"error,omitempty"`
}

func transferToResponse(snap domain.Snapshot) TransferResponse {
	resp := TransferResponse{
		Fingerprint:     snap.Fingerprint,
		Name:            snap.Name,
		State:           string(snap.State),
		Completed:       snap.Completed,
		TotalBytes:      snap.TotalBytes,
		SavePath:        snap.SavePath,
		DownloadedBytes: snap.Stats.DownloadedBytes,
		UploadedBytes:   snap.Stats.UploadedBytes,
		DownloadRate:    snap.Stats.DownloadRate,
		UploadRate:      snap.Stats.UploadRate,
		Peers:           snap.Stats.Peers,
		Seeds:           snap.Stats.Seeds,
		Ratio:           snap.Ratio,
		TargetRatio:     snap.Goal.TargetRatio,
		SeedMinutes:     int(snap.Goal.SeedDuration / time.Minute),
		StopMode:        string(snap.Goal.StopMode),
		CreatedAt:       snap.CreatedAt.Format(time.RFC3339),
		Error:           snap.Error,
	}
	if snap.ETA != nil {
		v := int64(snap.ETA.Seconds())
		resp.ETASeconds = &v
	}
	if snap.SeedStart != nil {
		v := snap.SeedStart.Format(time.RFC3339)
		resp.SeedStart = &v
	}
	return resp
}

type HistoryEventResponse struct {
	ID          string  `json:"id"`
	Fingerprint string  `json:"fingerprint"`
	Name        string  `json:"name,omitempty"`
	TotalBytes  int64   `json:"total_bytes,omitempty"`
	Event       string  `json:"event"`
	Detail      string  `json:"detail,omitempty"`
	Ratio       float64 `json:"ratio,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func historyEventToResponse(ev history.Event) HistoryEventResponse {
	return HistoryEventResponse{
		ID:          ev.ID,
		Fingerprint: ev.Fingerprint,
		Name:        ev.Name,
		TotalBytes:  ev.TotalBytes,
		Event:       ev.Event,
		Detail:      ev.Detail,
		Ratio:       ev.Ratio,
		CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
	}
}
