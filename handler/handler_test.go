package handler

import (
	"Sam2SegServer/engine"
	iface "Sam2SegServer/interface"
	"Sam2SegServer/predictor"
	"Sam2SegServer/worker"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type fakeSegmenter struct {
	mu      sync.Mutex
	ready   bool
	err     error
	badMask bool
	prompts []iface.Prompt
}

func (f *fakeSegmenter) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSegmenter) State() predictor.State {
	if f.Ready() {
		return predictor.StateReady
	}
	return predictor.StateLoading
}

func (f *fakeSegmenter) Device() string {
	if f.Ready() {
		return "cpu"
	}
	return predictor.DeviceUnknown
}

func (f *fakeSegmenter) ModelSize() string { return "tiny" }

func (f *fakeSegmenter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Segment returns one mask per point or box, and two for everything.
func (f *fakeSegmenter) Segment(img gocv.Mat, prompt iface.Prompt) (iface.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.err != nil {
		return iface.Result{}, f.err
	}
	n := 2
	switch p := prompt.(type) {
	case iface.Points:
		n = 3
	case iface.Boxes:
		n = len(p)
	}
	var res iface.Result
	for i := 0; i < n; i++ {
		m := iface.NewMask(img.Rows(), img.Cols())
		for j := 0; j <= i; j++ {
			m.Data[j] = 1
		}
		if f.badMask && i == 0 {
			m.Data = m.Data[:1]
		}
		res.Masks = append(res.Masks, m)
		res.Scores = append(res.Scores, 0.5)
	}
	return res, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func (m *memCache) Get(_ context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (m *memCache) Set(_ context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return nil
}

func newTestRouter(t *testing.T, seg *fakeSegmenter, c Cache) *gin.Engine {
	gin.SetMode(gin.TestMode)
	pool := worker.New(2)
	t.Cleanup(pool.Close)
	h := New(Deps{Predictor: seg, Pool: pool, Cache: c}, Options{MaxUploadSize: 1 << 20, MaxFetchSize: 1 << 20})
	r := gin.New()
	h.Register(r)
	return r
}

func pngBytes(t *testing.T, rows, cols int) []byte {
	mat := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC3)
	defer mat.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func multipartRequest(t *testing.T, image []byte, fields map[string]string) *http.Request {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if image != nil {
		part, err := w.CreateFormFile("file", "image.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/segment", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func formRequest(path string, fields url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(fields.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.False(t, e.Success)
	return e
}

func TestHealth(t *testing.T) {
	seg := &fakeSegmenter{}
	r := newTestRouter(t, seg, nil)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.ModelLoaded)
	assert.Equal(t, "unknown", h.Device)
	assert.Equal(t, "loading", h.State)

	seg.mu.Lock()
	seg.ready = true
	seg.mu.Unlock()
	w = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.True(t, h.ModelLoaded)
	assert.Equal(t, "cpu", h.Device)
	assert.Equal(t, "tiny", h.ModelSize)
}

func TestSegment_NotReady(t *testing.T) {
	seg := &fakeSegmenter{}
	r := newTestRouter(t, seg, nil)

	w := serve(r, multipartRequest(t, pngBytes(t, 4, 4), nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service_unavailable", decodeError(t, w).Error)

	w = serve(r, formRequest("/segment-url", url.Values{"image_url": {"http://example.com/a.png"}}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 0, seg.calls())
}

func TestSegment_Everything(t *testing.T) {
	seg := &fakeSegmenter{ready: true}
	r := newTestRouter(t, seg, nil)

	w := serve(r, multipartRequest(t, pngBytes(t, 6, 8), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp SegmentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "everything", resp.Mode)
	assert.Equal(t, 2, resp.NumMasks)
	assert.Equal(t, [2]int{6, 8}, resp.ImageShape)
	require.Len(t, resp.Masks, 2)
	for i, m := range resp.Masks {
		assert.Equal(t, i, m.ID)
		assert.Equal(t, i+1, m.Area)
		assert.Equal(t, 0.5, m.Score)

		raw, err := base64.StdEncoding.DecodeString(m.Mask)
		require.NoError(t, err)
		mat, err := gocv.IMDecode(raw, gocv.IMReadGrayScale)
		require.NoError(t, err)
		assert.Equal(t, 6, mat.Rows())
		assert.Equal(t, 8, mat.Cols())
		assert.Equal(t, uint8(255), mat.GetUCharAt(0, 0))
		_ = mat.Close()
	}
	require.Equal(t, 1, seg.calls())
	assert.Equal(t, iface.Everything{}, seg.prompts[0])
}

func TestSegment_Points(t *testing.T) {
	seg := &fakeSegmenter{ready: true}
	r := newTestRouter(t, seg, nil)

	w := serve(r, multipartRequest(t, pngBytes(t, 6, 8), map[string]string{
		"mode":   "points",
		"points": "[[1, 2], [3.5, 4]]",
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp SegmentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "points", resp.Mode)
	assert.Equal(t, 3, resp.NumMasks)
	require.Equal(t, 1, seg.calls())
	assert.Equal(t, iface.Points{{X: 1, Y: 2}, {X: 3.5, Y: 4}}, seg.prompts[0])
}

func TestSegment_Boxes(t *testing.T) {
	seg := &fakeSegmenter{ready: true}
	r := newTestRouter(t, seg, nil)

	w := serve(r, multipartRequest(t, pngBytes(t, 6, 8), map[string]string{
		"mode":  "boxes",
		"boxes": "[[0,0,4,4],[1,1,5,5],[2,2,7,5]]",
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp SegmentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.NumMasks)
	assert.Len(t, seg.prompts[0], 3)
}

func TestSegment_InvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		image  []byte
		fields map[string]string
	}{
		{"no file", nil, nil},
		{"corrupt image", []byte("not an image"), nil},
		{"unknown mode", nil, map[string]string{"mode": "lasso"}},
		{"points missing", nil, map[string]string{"mode": "points"}},
		{"points malformed", nil, map[string]string{"mode": "points", "points": "[[1,2"}},
		{"box arity", nil, map[string]string{"mode": "boxes", "boxes": "[[1,2,3]]"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seg := &fakeSegmenter{ready: true}
			r := newTestRouter(t, seg, nil)
			img := tc.image
			if img == nil && tc.name != "no file" {
				img = pngBytes(t, 4, 4)
			}
			w := serve(r, multipartRequest(t, img, tc.fields))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid_input", decodeError(t, w).Error)
			assert.Equal(t, 0, seg.calls())
		})
	}
}

func TestSegment_InferenceFailure(t *testing.T) {
	seg := &fakeSegmenter{ready: true, err: errors.Join(iface.ErrInference, errors.New("decoder run failed"))}
	r := newTestRouter(t, seg, nil)

	w := serve(r, multipartRequest(t, pngBytes(t, 4, 4), nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "inference_failure", e.Error)
	assert.Contains(t, e.Detail, "decoder run failed")
}

func TestSegment_MaskEncodeFailure(t *testing.T) {
	seg := &fakeSegmenter{ready: true, badMask: true}
	r := newTestRouter(t, seg, nil)

	w := serve(r, multipartRequest(t, pngBytes(t, 4, 4), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp SegmentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Masks, 2)
	assert.Empty(t, resp.Masks[0].Mask)
	assert.NotEmpty(t, resp.Masks[1].Mask)
}

func TestSegment_Cache(t *testing.T) {
	seg := &fakeSegmenter{ready: true}
	c := &memCache{data: map[string][]byte{}}
	r := newTestRouter(t, seg, c)
	img := pngBytes(t, 6, 8)

	first := serve(r, multipartRequest(t, img, nil))
	require.Equal(t, http.StatusOK, first.Code)
	second := serve(r, multipartRequest(t, img, nil))
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, seg.calls())
	assert.Equal(t, 2, c.gets)

	serve(r, multipartRequest(t, img, map[string]string{"mode": "points", "points": "[[1,1]]"}))
	assert.Equal(t, 2, seg.calls())
}

func TestSegmentURL(t *testing.T) {
	img := pngBytes(t, 5, 7)
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer images.Close()

	seg := &fakeSegmenter{ready: true}
	r := newTestRouter(t, seg, nil)

	w := serve(r, formRequest("/segment-url", url.Values{
		"image_url": {images.URL + "/ok.png"},
		"mode":      {"boxes"},
		"boxes":     {"[[0,0,3,3]]"},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp SegmentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, [2]int{5, 7}, resp.ImageShape)
	assert.Equal(t, 1, resp.NumMasks)

	w = serve(r, formRequest("/segment-url", url.Values{"image_url": {images.URL + "/missing.png"}}))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "network_failure", decodeError(t, w).Error)

	w = serve(r, formRequest("/segment-url", url.Values{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, formRequest("/segment-url", url.Values{"image_url": {"ftp://example.com/a.png"}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, seg.calls())
}

func TestParsePrompt(t *testing.T) {
	p, err := ParsePrompt("", "", "")
	require.NoError(t, err)
	assert.Equal(t, iface.ModeEverything, p.Mode())

	// everything ignores prompt fields
	p, err = ParsePrompt("everything", "garbage", "garbage")
	require.NoError(t, err)
	assert.Equal(t, iface.Everything{}, p)

	p, err = ParsePrompt("points", "[[10,20]]", "")
	require.NoError(t, err)
	assert.Equal(t, iface.Points{{X: 10, Y: 20}}, p)

	p, err = ParsePrompt("boxes", "", "[[1,2,3,4]]")
	require.NoError(t, err)
	assert.Equal(t, iface.Boxes{{X1: 1, Y1: 2, X2: 3, Y2: 4}}, p)

	for _, bad := range [][3]string{
		{"lasso", "", ""},
		{"points", "", ""},
		{"points", "[]", ""},
		{"points", "[[1,2,3]]", ""},
		{"points", `{"x":1}`, ""},
		{"boxes", "", "[[1,2]]"},
		{"boxes", "", "[[1,2,3,4"},
	} {
		_, err := ParsePrompt(bad[0], bad[1], bad[2])
		assert.ErrorIs(t, err, iface.ErrInvalidInput, bad)
	}
}

func TestWSSegment(t *testing.T) {
	seg := &fakeSegmenter{ready: true}
	srv := httptest.NewServer(newTestRouter(t, seg, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/segment", nil)
	require.NoError(t, err)
	defer conn.Close()

	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 6, 8))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"image":  img,
		"mode":   "points",
		"points": [][]float32{{1, 1}, {2, 2}},
	}))
	var resp SegmentResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.NumMasks)
	assert.Equal(t, [2]int{6, 8}, resp.ImageShape)

	// form style string prompts work too
	require.NoError(t, conn.WriteJSON(map[string]any{"image": img, "mode": "boxes", "boxes": "[[0,0,2,2]]"}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, 1, resp.NumMasks)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"image":"!!!"}`)))
	var e ErrorResponse
	require.NoError(t, conn.ReadJSON(&e))
	assert.False(t, e.Success)
	assert.Equal(t, "invalid_input", e.Error)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "invalid_input", e.Error)
	assert.Equal(t, 2, seg.calls())
}

func TestRender(t *testing.T) {
	m := iface.NewMask(2, 2)
	m.Data[3] = 1
	resp := render("boxes", iface.Result{Masks: []iface.Mask{m, m}, Scores: []float32{0.25}}, 2, 2)
	assert.Equal(t, 2, resp.NumMasks)
	assert.Equal(t, 0.25, resp.Masks[0].Score)
	assert.Equal(t, 0.0, resp.Masks[1].Score)
	assert.Equal(t, 1, resp.Masks[1].Area)

	_, err := engine.DecodeBase64(resp.Masks[0].Mask)
	assert.NoError(t, err)
}
