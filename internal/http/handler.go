package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anpr-edge/internal/service"
)

type Handler struct {
	anprService *service.ANPRService
	log         zerolog.Logger
}

func NewHandler(anprService *service.ANPRService, log zerolog.Logger) *Handler {
	return &Handler{
		anprService: anprService,
		log:         log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.healthz)

	public := r.Group("/api/v1")
	{
		public.GET("/cameras", h.listCameras)
		public.GET("/cameras/:id", h.getCamera)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/retry-queue", h.getRetryQueue)
		protected.POST("/retry-queue/flush", h.flushRetryQueue)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listCameras(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.anprService.Cameras()))
}

func (h *Handler) getCamera(c *gin.Context) {
	status, err := h.anprService.Camera(c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(status))
}

func (h *Handler) getRetryQueue(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.anprService.RetryQueue()))
}

func (h *Handler) flushRetryQueue(c *gin.Context) {
	res, err := h.anprService.FlushRetryQueue(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(res))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
