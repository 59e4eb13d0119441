package iface

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

// Error kinds surfaced to clients. Wrap them with fmt.Errorf("...: %w", ErrX).
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInference          = errors.New("inference failure")
	ErrNetwork            = errors.New("network failure")
)

// Kind returns the short name of the error kind carried by err.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrNetwork):
		return "network_failure"
	default:
		return "inference_failure"
	}
}

type Mode string

const (
	ModeEverything Mode = "everything"
	ModePoints     Mode = "points"
	ModeBoxes      Mode = "boxes"
)

type Point struct {
	X, Y float32
}

type Box struct {
	X1, Y1, X2, Y2 float32
}

// Prompt is one of Everything, Points or Boxes.
type Prompt interface {
	Mode() Mode
	isPrompt()
}

type Everything struct{}

// Points are all foreground clicks on the same object.
type Points []Point

// Boxes are independent single-object queries.
type Boxes []Box

func (Everything) Mode() Mode { return ModeEverything }
func (Points) Mode() Mode     { return ModePoints }
func (Boxes) Mode() Mode      { return ModeBoxes }

func (Everything) isPrompt() {}
func (Points) isPrompt()     {}
func (Boxes) isPrompt()      {}

// Mask is a binary mask stored row-major, one byte per pixel (0 or 1).
type Mask struct {
	Rows int
	Cols int
	Data []byte
}

func NewMask(rows, cols int) Mask {
	return Mask{Rows: rows, Cols: cols, Data: make([]byte, rows*cols)}
}

// Area counts foreground pixels.
func (m Mask) Area() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Bounds is the tight bounding rectangle of the foreground, empty when Area is 0.
func (m Mask) Bounds() image.Rectangle {
	minX, minY, maxX, maxY := m.Cols, m.Rows, -1, -1
	for y := 0; y < m.Rows; y++ {
		row := m.Data[y*m.Cols : (y+1)*m.Cols]
		for x, v := range row {
			if v == 0 {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// Result pairs every mask with its confidence score.
type Result struct {
	Masks  []Mask
	Scores []float32
}

func (r *Result) Append(o Result) {
	r.Masks = append(r.Masks, o.Masks...)
	r.Scores = append(r.Scores, o.Scores...)
}

// Query is one decoder call: a set of labelled points and/or one box.
type Query struct {
	Points    []Point
	Labels    []int64
	Box       *Box
	Multimask bool
}

// GeneratorParams tune the automatic mask generator.
type GeneratorParams struct {
	PointsPerSide              int
	PointsPerBatch             int
	PredIouThresh              float32
	StabilityScoreThresh       float32
	StabilityScoreOffset       float32
	BoxNmsThresh               float32
	CropNLayers                int
	CropNmsThresh              float32
	CropOverlapRatio           float32
	CropNPointsDownscaleFactor int
	MinMaskRegionArea          int
}

// ModelFiles are the resolved local checkpoint paths for one model size.
type ModelFiles struct {
	Arch        string
	EncoderPath string
	DecoderPath string
}

// Embedding is the encoder output for one image, owned by the caller.
type Embedding interface {
	// OrigSize is the (rows, cols) of the image that was encoded.
	OrigSize() (int, int)
	Release()
}

// Backend is the model library surface the predictor drives.
type Backend interface {
	LoadModel(files ModelFiles, useGPU bool) error
	Device() string
	SetImage(img gocv.Mat) (Embedding, error)
	Predict(emb Embedding, q Query) (Result, error)
	Generate(img gocv.Mat, params GeneratorParams) (Result, error)
	Destroy()
}
