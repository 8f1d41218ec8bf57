package http

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
	"streamarr/internal/indexer"
	"streamarr/internal/pipeline"
	"streamarr/internal/service"
	"streamarr/internal/stream"
)

// Acquirer starts source acquisition detached from the request.
// Satisfied by pipeline.Pipeline.
type Acquirer interface {
	Acquire(req pipeline.Request)
}

// Handler wires HTTP routes to the streaming layer.
type Handler struct {
	streams  *stream.Manager
	acquirer Acquirer
	metadata service.MetadataProvider
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

func NewHandler(streams *stream.Manager, acquirer Acquirer, metadata service.MetadataProvider, logger *logrus.Logger) *Handler {
	return &Handler{
		streams:  streams,
		acquirer: acquirer,
		metadata: metadata,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/streams", h.requestStream)
		api.POST("/acquisitions", h.requestAcquisition)
		api.GET("/streams/:key", h.streamInfo)
		api.DELETE("/streams/:key", h.stopStream)
		api.POST("/streams/:key/broken", h.reportBroken)
		api.GET("/streams/:key/events", h.streamEvents)
		api.GET("/streams/:key/video", h.serveVideo)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Range")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type requestStreamRequest struct {
	MediaType string `json:"media_type" binding:"required"`
	Slug      string `json:"slug" binding:"required"`
	Quality   int    `json:"quality" binding:"required"`
}

type streamResponse struct {
	StreamKey string `json:"stream_key"`
	StreamURL string `json:"stream_url"`
}

type streamInfoResponse struct {
	StreamKey  string  `json:"stream_key"`
	Bitfield   string  `json:"progress_bitfield_base64"`
	PieceCount int     `json:"piece_count"`
	Progress   float64 `json:"progress"`
	Complete   bool    `json:"complete"`
}

// requestStream blocks until a playable source exists for the media at
// the requested quality, which may drive the full acquisition pipeline.
func (h *Handler) requestStream(c *gin.Context) {
	var req requestStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.streams.GetStream(c.Request.Context(),
		domain.MediaType(req.MediaType), req.Slug, domain.Quality(req.Quality))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, streamResponse{StreamKey: handle.Key, StreamURL: handle.URL})
}

type acquireRequest struct {
	MediaType string `json:"media_type" binding:"required"`
	Slug      string `json:"slug" binding:"required"`
	Quality   int    `json:"quality" binding:"required"`
	Codec     string `json:"codec"`
	ListIndex int    `json:"list_index"`
}

// requestAcquisition starts fetching a source in the background, so
// recommendation-list entries are playable before anyone presses play.
// The list index feeds the download priority band.
func (h *Handler) requestAcquisition(c *gin.Context) {
	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	media, err := h.metadata.Extended(c.Request.Context(),
		domain.MediaType(req.MediaType), req.Slug)
	if err != nil {
		h.renderError(c, err)
		return
	}

	h.acquirer.Acquire(pipeline.Request{
		Media:     *media,
		Quality:   domain.Quality(req.Quality),
		Codec:     domain.Codec(req.Codec),
		Urgency:   pipeline.UrgencyList,
		ListIndex: req.ListIndex,
	})
	c.JSON(http.StatusAccepted, gin.H{"acquiring": req.Slug})
}

func (h *Handler) streamInfo(c *gin.Context) {
	info, err := h.streams.StreamInfo(c.Param("key"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, streamInfoResponse{
		StreamKey:  info.Key,
		Bitfield:   base64.StdEncoding.EncodeToString(info.Bitfield),
		PieceCount: info.PieceCount,
		Progress:   info.Progress,
		Complete:   info.Complete,
	})
}

func (h *Handler) stopStream(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag force"})
		return
	}

	if err := h.streams.Stop(c.Request.Context(), c.Param("key"), force); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": c.Param("key")})
}

func (h *Handler) reportBroken(c *gin.Context) {
	handle, err := h.streams.SetBroken(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, streamResponse{StreamKey: handle.Key, StreamURL: handle.URL})
}

type pieceEvent struct {
	Event string `json:"event"`
	Piece int    `json:"piece"`
}

// streamEvents pushes verified piece indices over a websocket until the
// session's piece range completes or the client disconnects.
func (h *Handler) streamEvents(c *gin.Context) {
	key := c.Param("key")
	pieces, cancel, err := h.streams.SubscribeProgress(key)
	if err != nil {
		h.renderError(c, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithField("key", key).Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Reads only surface the client closing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for piece := range pieces {
		if err := conn.WriteJSON(pieceEvent{Event: "piece-downloaded", Piece: piece}); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"))
}

func (h *Handler) serveVideo(c *gin.Context) {
	if err := h.streams.ServeVideo(c.Writer, c.Request, c.Param("key")); err != nil {
		h.renderError(c, err)
	}
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, stream.ErrUnavailable), errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, indexer.ErrChallenge):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Errorf("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
