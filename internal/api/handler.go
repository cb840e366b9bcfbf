// Package api exposes the engine over HTTP and websocket. Handlers translate
// requests into bridge commands and map domain errors to status codes; they
// hold no engine state of their own.
package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"btcore/internal/archive"
	"btcore/internal/domain"
	"btcore/internal/repository"
	"btcore/internal/service"
	"btcore/internal/session"
	"btcore/internal/storageroot"
)

// Handler wires HTTP routes to the engine bridge and supporting services.
type Handler struct {
	bridge  *session.Bridge
	roots   *storageroot.Registry
	users   service.UserService
	archive archive.Service
	issuer  *TokenIssuer
	hub     *wsHub
	logger  *logrus.Logger
}

func NewHandler(bridge *session.Bridge, roots *storageroot.Registry, users service.UserService, archiveSvc archive.Service, issuer *TokenIssuer, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		bridge:  bridge,
		roots:   roots,
		users:   users,
		archive: archiveSvc,
		issuer:  issuer,
		hub:     newWSHub(logger),
		logger:  logger,
	}
}

// Start runs the websocket hub and subscribes it to engine snapshot pushes.
func (h *Handler) Start() error {
	go h.hub.run()
	return h.bridge.Subscribe(h.hub.BroadcastSnapshots)
}

// Close disconnects all websocket clients.
func (h *Handler) Close() {
	h.hub.Close()
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())
	router.Use(metricsMiddleware())

	router.GET("/ws", h.serveWS)

	api := router.Group("/api")
	{
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	protected := api.Group("")
	protected.Use(authMiddleware(h.issuer))
	{
		protected.GET("/auth/me", h.me)
		protected.POST("/torrents", h.addTorrent)
		protected.GET("/torrents", h.listTorrents)
		protected.GET("/torrents/:id", h.getTorrent)
		protected.DELETE("/torrents/:id", h.removeTorrent)
		protected.POST("/torrents/:id/pause", h.pauseTorrent)
		protected.POST("/torrents/:id/resume", h.resumeTorrent)
		protected.POST("/torrents/:id/recheck", h.recheckTorrent)
		protected.PUT("/torrents/:id/priorities", h.setPriorities)
		protected.PUT("/torrents/:id/queue", h.setQueuePosition)
		protected.GET("/torrents/:id/files", h.listFiles)
		protected.GET("/torrents/:id/peers", h.listPeers)
		protected.GET("/torrents/:id/trackers", h.listTrackers)
		protected.GET("/torrents/:id/pieces", h.getPieces)
		protected.GET("/torrents/:id/archive", h.listArchive)
		protected.DELETE("/torrents/:id/archive", h.deleteArchive)
		protected.GET("/archive/url", h.archiveURL)
		protected.GET("/speeds", h.getSpeeds)
		protected.GET("/limits", h.getLimits)
		protected.PUT("/limits", h.setLimits)
		protected.GET("/storage/roots", h.listRoots)
		protected.POST("/storage/roots", h.addRoot)
		protected.DELETE("/storage/roots/:key", h.removeRoot)
		protected.PUT("/storage/roots/:key/default", h.setDefaultRoot)
	}
}

// statusForError maps domain errors to HTTP status codes. Unknown errors are
// internal.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrRootNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMalformedMetadata):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateRoot), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

type addTorrentRequest struct {
	MagnetURI      string `json:"magnetUri"`
	TorrentBase64  string `json:"torrentBase64"`
	StorageRootKey string `json:"storageRootKey"`
}

func (h *Handler) addTorrent(c *gin.Context) {
	var req addTorrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MagnetURI == "" && req.TorrentBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "magnetUri or torrentBase64 is required"})
		return
	}

	src := domain.Source{MagnetURI: req.MagnetURI}
	if req.TorrentBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(req.TorrentBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "torrentBase64 is not valid base64"})
			return
		}
		src.TorrentBytes = raw
	}

	result, err := h.bridge.AddTorrent(src, req.StorageRootKey)
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyExists {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) listTorrents(c *gin.Context) {
	snaps, err := h.bridge.Sessions()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if snaps == nil {
		snaps = []domain.SessionSnapshot{}
	}
	c.JSON(http.StatusOK, snaps)
}

func (h *Handler) getTorrent(c *gin.Context) {
	snap, err := h.bridge.Session(domain.TorrentID(c.Param("id")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) removeTorrent(c *gin.Context) {
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("deleteFiles", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag deleteFiles"})
		return
	}

	result, err := h.bridge.RemoveTorrent(domain.TorrentID(c.Param("id")), deleteFiles)
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := gin.H{"removed": result.Removed}
	if len(result.Warnings) > 0 {
		resp["warnings"] = result.Warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) pauseTorrent(c *gin.Context) {
	if err := h.bridge.Pause(domain.TorrentID(c.Param("id"))); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) resumeTorrent(c *gin.Context) {
	if err := h.bridge.Resume(domain.TorrentID(c.Param("id"))); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) recheckTorrent(c *gin.Context) {
	if err := h.bridge.Recheck(domain.TorrentID(c.Param("id"))); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setPrioritiesRequest struct {
	Priorities map[int]domain.FilePriority `json:"priorities" binding:"required"`
}

func (h *Handler) setPriorities(c *gin.Context) {
	var req setPrioritiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.bridge.SetFilePriorities(domain.TorrentID(c.Param("id")), req.Priorities); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setQueueRequest struct {
	Position int `json:"position"`
}

func (h *Handler) setQueuePosition(c *gin.Context) {
	var req setQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.bridge.SetQueuePosition(domain.TorrentID(c.Param("id")), req.Position); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listFiles(c *gin.Context) {
	files, err := h.bridge.Files(domain.TorrentID(c.Param("id")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if files == nil {
		files = []domain.FileInfo{}
	}
	c.JSON(http.StatusOK, files)
}

func (h *Handler) listPeers(c *gin.Context) {
	peers, err := h.bridge.Peers(domain.TorrentID(c.Param("id")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	c.JSON(http.StatusOK, peers)
}

func (h *Handler) listTrackers(c *gin.Context) {
	trackers, err := h.bridge.Trackers(domain.TorrentID(c.Param("id")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if trackers == nil {
		trackers = []domain.TrackerInfo{}
	}
	c.JSON(http.StatusOK, trackers)
}

func (h *Handler) getPieces(c *gin.Context) {
	summary, err := h.bridge.Pieces(domain.TorrentID(c.Param("id")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type speedsResponse struct {
	Samples     []domain.SpeedSample `json:"samples"`
	BucketWidth string               `json:"bucketWidth"`
}

func (h *Handler) getSpeeds(c *gin.Context) {
	direction := domain.Direction(c.DefaultQuery("direction", string(domain.DirectionDownload)))
	if direction != domain.DirectionDownload && direction != domain.DirectionUpload {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be download or upload"})
		return
	}
	category := c.DefaultQuery("category", "aggregate")

	now := time.Now()
	from := now.Add(-5 * time.Minute)
	to := now
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = parsed
	}
	maxPoints, err := strconv.Atoi(c.DefaultQuery("maxPoints", "300"))
	if err != nil || maxPoints <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maxPoints"})
		return
	}

	samples, width, err := h.bridge.Speeds(direction, category, from, to, maxPoints)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if samples == nil {
		samples = []domain.SpeedSample{}
	}
	c.JSON(http.StatusOK, speedsResponse{Samples: samples, BucketWidth: width.String()})
}

type limitsBody struct {
	DownloadBps int64 `json:"downloadBps"`
	UploadBps   int64 `json:"uploadBps"`
}

func (h *Handler) getLimits(c *gin.Context) {
	download, upload, err := h.bridge.SpeedLimits()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, limitsBody{DownloadBps: download, UploadBps: upload})
}

func (h *Handler) setLimits(c *gin.Context) {
	var req limitsBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DownloadBps < 0 || req.UploadBps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limits must be non-negative"})
		return
	}
	if err := h.bridge.SetSpeedLimits(req.DownloadBps, req.UploadBps); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, limitsBody{DownloadBps: req.DownloadBps, UploadBps: req.UploadBps})
}

func (h *Handler) listRoots(c *gin.Context) {
	roots, err := h.roots.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if roots == nil {
		roots = []domain.StorageRoot{}
	}
	c.JSON(http.StatusOK, roots)
}

type addRootRequest struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Location string `json:"location" binding:"required"`
}

func (h *Handler) addRoot(c *gin.Context) {
	var req addRootRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	root, err := h.roots.Add(c.Request.Context(), req.Key, req.Label, req.Location)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, root)
}

func (h *Handler) removeRoot(c *gin.Context) {
	if err := h.roots.Remove(c.Request.Context(), c.Param("key")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setDefaultRoot(c *gin.Context) {
	if err := h.roots.SetDefault(c.Request.Context(), c.Param("key")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type archiveObjectResponse struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

func (h *Handler) listArchive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive is not configured"})
		return
	}
	objects, err := h.archive.List(c.Request.Context(), domain.TorrentID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]archiveObjectResponse, len(objects))
	for i, obj := range objects {
		resp[i] = archiveObjectResponse{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteArchive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive is not configured"})
		return
	}
	if err := h.archive.Delete(c.Request.Context(), domain.TorrentID(c.Param("id"))); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) archiveURL(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive is not configured"})
		return
	}
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	expires := 15 * time.Minute
	if raw := c.Query("expires"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires duration"})
			return
		}
		expires = parsed
	}
	url, err := h.archive.ObjectURL(c.Request.Context(), key, expires)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

type credentialsRequest struct {
	Username       string `json:"username" binding:"required"`
	Password       string `json:"password" binding:"required"`
	RegisterSecret string `json:"registerSecret"`
}

func (h *Handler) register(c *gin.Context) {
	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth is not configured"})
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.RegisterSecret)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInvalidRegistrationPassword):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

func (h *Handler) login(c *gin.Context) {
	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth is not configured"})
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	token, expiresAt, err := h.issuer.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": expiresAt.UTC(),
		"username":  user.Username,
	})
}

// me returns the authenticated user's profile. Only meaningful when a signing
// secret is configured; an open instance has no identity to report.
func (h *Handler) me(c *gin.Context) {
	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth is not configured"})
		return
	}
	v, ok := c.Get("userID")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no authenticated user"})
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), v.(int64))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        user.ID,
		"username":  user.Username,
		"createdAt": user.CreatedAt,
	})
}

func (h *Handler) serveWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithField("remote", c.ClientIP()).Errorf("ws upgrade failed: %v", err)
		return
	}
	client := &wsClient{hub: h.hub, conn: conn, send: make(chan []byte, 64)}
	h.hub.register <- client
	go client.writePump()
	go client.readPump()
}
