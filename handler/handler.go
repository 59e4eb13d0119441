package handler

import (
	"Sam2SegServer/cache"
	"Sam2SegServer/engine"
	iface "Sam2SegServer/interface"
	"Sam2SegServer/logger"
	"Sam2SegServer/middleware"
	"Sam2SegServer/monitor"
	"Sam2SegServer/predictor"
	"Sam2SegServer/worker"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Segmenter is the predictor surface the handlers use.
type Segmenter interface {
	Ready() bool
	State() predictor.State
	Device() string
	ModelSize() string
	Segment(img gocv.Mat, prompt iface.Prompt) (iface.Result, error)
}

// Cache stores rendered responses. Implemented by cache.RedisCache.
type Cache interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

type Options struct {
	FetchTimeout   time.Duration
	MaxUploadSize  int64
	MaxFetchSize   int64
	AllowedOrigins []string
}

type Deps struct {
	Predictor Segmenter
	Pool      *worker.Pool
	// Fetcher downloads images for /segment-url; built from Options when nil.
	Fetcher *resty.Client
	Cache   Cache
	Metrics *monitor.Metrics
}

type Handler struct {
	seg      Segmenter
	pool     *worker.Pool
	fetcher  *resty.Client
	cache    Cache
	metrics  *monitor.Metrics
	opts     Options
	upgrader websocket.Upgrader
}

func New(d Deps, opts Options) *Handler {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	fetcher := d.Fetcher
	if fetcher == nil {
		fetcher = resty.New()
	}
	fetcher.SetTimeout(opts.FetchTimeout)
	h := &Handler{
		seg:     d.Predictor,
		pool:    d.Pool,
		fetcher: fetcher,
		cache:   d.Cache,
		metrics: d.Metrics,
		opts:    opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.POST("/segment", h.Segment)
	r.POST("/segment-url", h.SegmentURL)
	r.GET("/ws/segment", h.WSSegment)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		ModelLoaded: h.seg.Ready(),
		Device:      h.seg.Device(),
		ModelSize:   h.seg.ModelSize(),
		State:       h.seg.State().String(),
	})
}

// Segment handles a multipart upload: file, mode, points, boxes.
func (h *Handler) Segment(c *gin.Context) {
	// checked before the body is read
	if !h.seg.Ready() {
		h.fail(c, "", errNotLoaded())
		return
	}
	if h.opts.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadSize)
	}
	mode := c.DefaultPostForm("mode", string(iface.ModeEverything))
	file, err := c.FormFile("file")
	if err != nil {
		h.fail(c, mode, fmt.Errorf("%w: image file is required: %v", iface.ErrInvalidInput, err))
		return
	}
	f, err := file.Open()
	if err != nil {
		h.fail(c, mode, fmt.Errorf("%w: %v", iface.ErrInvalidInput, err))
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		h.fail(c, mode, fmt.Errorf("%w: %v", iface.ErrInvalidInput, err))
		return
	}

	points, boxes := c.PostForm("points"), c.PostForm("boxes")
	prompt, err := ParsePrompt(mode, points, boxes)
	if err != nil {
		h.fail(c, mode, err)
		return
	}
	resp, err := h.process(c.Request.Context(), data, prompt, points+"|"+boxes)
	if err != nil {
		h.fail(c, mode, err)
		return
	}
	h.ok(c, resp)
}

// SegmentURL handles a form with image_url instead of an upload.
func (h *Handler) SegmentURL(c *gin.Context) {
	if !h.seg.Ready() {
		h.fail(c, "", errNotLoaded())
		return
	}
	mode := c.DefaultPostForm("mode", string(iface.ModeEverything))
	imageURL := c.PostForm("image_url")
	if err := validateURL(imageURL); err != nil {
		h.fail(c, mode, err)
		return
	}
	points, boxes := c.PostForm("points"), c.PostForm("boxes")
	prompt, err := ParsePrompt(mode, points, boxes)
	if err != nil {
		h.fail(c, mode, err)
		return
	}
	data, err := h.fetch(c.Request.Context(), imageURL)
	if err != nil {
		h.fail(c, mode, err)
		return
	}
	resp, err := h.process(c.Request.Context(), data, prompt, points+"|"+boxes)
	if err != nil {
		h.fail(c, mode, err)
		return
	}
	h.ok(c, resp)
}

func errNotLoaded() error {
	return fmt.Errorf("%w: SAM 2 model not loaded", iface.ErrServiceUnavailable)
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: image_url is required", iface.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: image_url must be an http(s) URL", iface.ErrInvalidInput)
	}
	return nil
}

func (h *Handler) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	resp, err := h.fetcher.R().SetContext(ctx).Get(imageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch image: %v", iface.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: fetch image: server returned %s", iface.ErrNetwork, resp.Status())
	}
	body := resp.Body()
	if h.opts.MaxFetchSize > 0 && int64(len(body)) > h.opts.MaxFetchSize {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", iface.ErrInvalidInput, h.opts.MaxFetchSize)
	}
	return body, nil
}

// process decodes the image, runs the prompt on a worker and renders the response.
func (h *Handler) process(ctx context.Context, data []byte, prompt iface.Prompt, promptKey string) (*SegmentResponse, error) {
	mode := string(prompt.Mode())
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: unsupported content type %s", iface.ErrInvalidInput, mt.String())
	}
	var key string
	if h.cache != nil {
		key = cache.Key(data, h.seg.ModelSize(), mode, promptKey)
		var cached SegmentResponse
		hit, err := h.cache.Get(ctx, key, &cached)
		if err != nil {
			logger.Log().Warn("cache lookup failed", zap.Error(err))
		} else if hit {
			return &cached, nil
		}
	}

	img, err := engine.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	rows, cols := img.Rows(), img.Cols()

	start := time.Now()
	res, err := worker.Run(ctx, h.pool, func() (iface.Result, error) {
		return h.seg.Segment(img, prompt)
	})
	h.metrics.ObserveInference(mode, time.Since(start))
	if err != nil {
		return nil, err
	}
	resp := render(mode, res, rows, cols)

	if h.cache != nil {
		if err := h.cache.Set(ctx, key, resp); err != nil {
			logger.Log().Warn("cache store failed", zap.Error(err))
		}
	}
	return resp, nil
}

func render(mode string, res iface.Result, rows, cols int) *SegmentResponse {
	masks := make([]MaskResult, 0, len(res.Masks))
	for i, m := range res.Masks {
		b64, err := engine.EncodeMaskPNG(m)
		if err != nil {
			logger.Log().Error("error encoding mask", zap.Int("id", i), zap.Error(err))
			b64 = ""
		}
		var score float64
		if i < len(res.Scores) {
			score = float64(res.Scores[i])
		}
		masks = append(masks, MaskResult{ID: i, Mask: b64, Score: score, Area: m.Area()})
	}
	return &SegmentResponse{
		Success:    true,
		Mode:       mode,
		NumMasks:   len(masks),
		Masks:      masks,
		ImageShape: [2]int{rows, cols},
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, iface.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, iface.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	return ErrorResponse{Success: false, Error: iface.Kind(err), Detail: err.Error()}
}

func (h *Handler) ok(c *gin.Context, resp *SegmentResponse) {
	h.metrics.ObserveRequest(c.FullPath(), resp.Mode, http.StatusOK)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) fail(c *gin.Context, mode string, err error) {
	status := statusOf(err)
	fields := []zap.Field{
		zap.String("request_id", c.GetString(middleware.RequestIDKey)),
		zap.String("path", c.FullPath()),
		zap.String("mode", mode),
		zap.String("kind", iface.Kind(err)),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Log().Error("segmentation request failed", fields...)
	} else {
		logger.Log().Warn("segmentation request rejected", fields...)
	}
	h.metrics.ObserveRequest(c.FullPath(), mode, status)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorBody(err))
}
