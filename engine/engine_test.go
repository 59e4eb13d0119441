package engine

import (
	iface "Sam2SegServer/interface"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestSam2_Lifecycle(t *testing.T) {
	s := NewSam2(Layout{PredMasks: "masks"}, "", 0)

	t.Run("Test New", func(t *testing.T) {
		assert.Equal(t, UNREGISTERED, s.State)
		assert.Equal(t, DeviceCPU, s.Device())
		assert.Equal(t, "masks", s.Layout.PredMasks)
		assert.Equal(t, DefaultLayout().Embeddings, s.Layout.Embeddings)
		assert.Equal(t, "pixel_values", s.Layout.PixelValues)
	})

	t.Run("Test Unloaded", func(t *testing.T) {
		img := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
		defer img.Close()
		_, err := s.SetImage(img)
		assert.Error(t, err)
		_, err = s.Generate(img, DefaultGeneratorParams())
		assert.Error(t, err)
	})

	t.Run("Test Destroy", func(t *testing.T) {
		s.Destroy()
		s.Destroy()
		assert.Equal(t, UNREGISTERED, s.State)
		assert.Equal(t, DeviceCPU, s.Device())
	})
}

func TestLibraryPath(t *testing.T) {
	dir := t.TempDir()

	_, err := LibraryPath(dir, "linux", "amd64")
	assert.Error(t, err)

	flat := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(flat, []byte("x"), 0o644))
	p, err := LibraryPath(dir, "linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, flat, p)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "linux-x64"), 0o755))
	nested := filepath.Join(dir, "linux-x64", "libonnxruntime.so")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0o644))
	p, err = LibraryPath(dir, "linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, nested, p)

	_, err = LibraryPath(dir, "plan9", "amd64")
	assert.Error(t, err)
	_, err = LibraryPath(dir, "linux", "mips")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	// one pixel, RGB
	out := normalize([]byte{255, 0, 128}, 1, 1)
	require.Len(t, out, 3)
	assert.InDelta(t, (1-0.485)/0.229, out[0], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, out[1], 1e-5)
	assert.InDelta(t, (128.0/255-0.406)/0.225, out[2], 1e-5)

	// channel planes are contiguous
	out = normalize([]byte{10, 20, 30, 40, 50, 60}, 1, 2)
	assert.InDelta(t, (10.0/255-0.485)/0.229, out[0], 1e-5)
	assert.InDelta(t, (40.0/255-0.485)/0.229, out[1], 1e-5)
	assert.InDelta(t, (20.0/255-0.456)/0.224, out[2], 1e-5)
}

func TestToModelCoords(t *testing.T) {
	x, y := toModelCoords(iface.Point{X: 256, Y: 100}, 200, 512)
	assert.InDelta(t, 512, x, 1e-4)
	assert.InDelta(t, 512, y, 1e-4)
}

func TestPointGrid(t *testing.T) {
	assert.Nil(t, pointGrid(0))
	assert.Equal(t, []iface.Point{{X: 0.5, Y: 0.5}}, pointGrid(1))

	g := pointGrid(2)
	require.Len(t, g, 4)
	assert.Equal(t, iface.Point{X: 0.25, Y: 0.25}, g[0])
	assert.Equal(t, iface.Point{X: 0.75, Y: 0.25}, g[1])
	assert.Equal(t, iface.Point{X: 0.25, Y: 0.75}, g[2])

	g = pointGrid(32)
	assert.Len(t, g, 1024)
	assert.InDelta(t, 1.0/64, g[0].X, 1e-6)
	assert.InDelta(t, 1-1.0/64, g[len(g)-1].Y, 1e-6)
}

func TestCropBoxes(t *testing.T) {
	boxes, layers := cropBoxes(64, 64, 0, 0.5)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 64, 64)}, boxes)
	assert.Equal(t, []int{0}, layers)

	boxes, layers = cropBoxes(100, 200, 1, 0.5)
	require.Len(t, boxes, 5)
	assert.Equal(t, []int{0, 1, 1, 1, 1}, layers)
	assert.Equal(t, image.Rect(0, 0, 200, 100), boxes[0])
	// overlap = 0.5*100 = 50, crop is ceil((50+200)/2) x ceil((50+100)/2)
	assert.Equal(t, image.Rect(0, 0, 125, 75), boxes[1])
	assert.Equal(t, image.Rect(0, 25, 125, 100), boxes[2])
	assert.Equal(t, image.Rect(75, 0, 200, 75), boxes[3])
	assert.Equal(t, image.Rect(75, 25, 200, 100), boxes[4])

	_, layers = cropBoxes(64, 64, 2, 0.3)
	assert.Len(t, layers, 1+4+16)
}

func TestStabilityScore(t *testing.T) {
	assert.Equal(t, float32(0), stabilityScore([]float32{-5, -5}, 0, 1))
	assert.Equal(t, float32(1), stabilityScore([]float32{5, -5, 5}, 0, 1))
	assert.Equal(t, float32(0.5), stabilityScore([]float32{5, 0.5, -5}, 0, 1))
}

func TestNMS(t *testing.T) {
	boxes := []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(1, 1, 11, 11),
		image.Rect(50, 50, 60, 60),
	}
	scores := []float32{0.8, 0.9, 0.5}
	assert.Equal(t, []int{1, 2}, nms(boxes, scores, 0.5))
	assert.Equal(t, []int{1, 0, 2}, nms(boxes, scores, 0.9))
	assert.Empty(t, nms(nil, nil, 0.5))

	assert.InDelta(t, 1.0, boxIoU(boxes[0], boxes[0]), 1e-9)
	assert.Equal(t, 0.0, boxIoU(boxes[0], boxes[2]))
}

func TestNearCropEdge(t *testing.T) {
	full := image.Rect(0, 0, 200, 200)
	crop := image.Rect(0, 0, 120, 120)
	// touches the inner right edge of the crop
	assert.True(t, nearCropEdge(image.Rect(40, 40, 110, 80), crop, full))
	// touches the image border only
	assert.False(t, nearCropEdge(image.Rect(0, 0, 50, 50), crop, full))
	assert.False(t, nearCropEdge(image.Rect(10, 10, 50, 50), full, full))
}

func TestUncropMask(t *testing.T) {
	m := iface.NewMask(2, 2)
	m.Data = []byte{1, 0, 0, 1}
	out := uncropMask(m, image.Rect(1, 2, 3, 4), 4, 4)
	assert.Equal(t, 4, out.Rows)
	assert.Equal(t, 4, out.Cols)
	assert.Equal(t, []byte{
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}, out.Data)

	same := uncropMask(m, image.Rect(0, 0, 2, 2), 2, 2)
	assert.Equal(t, m, same)
}

func square(rows, cols, x0, y0, x1, y1 int) iface.Mask {
	m := iface.NewMask(rows, cols)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m.Data[y*cols+x] = 1
		}
	}
	return m
}

func TestMaskBoundsAndArea(t *testing.T) {
	m := square(10, 10, 2, 3, 5, 7)
	assert.Equal(t, 12, m.Area())
	assert.Equal(t, image.Rect(2, 3, 5, 7), m.Bounds())
	assert.True(t, iface.NewMask(4, 4).Bounds().Empty())
}

func TestUpscaleLogits(t *testing.T) {
	logits := []float32{
		-5, -5, -5, -5,
		-5, 5, 5, -5,
		-5, 5, 5, -5,
		-5, -5, -5, -5,
	}
	m, err := upscaleLogits(logits, 4, 4, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, 16, m.Rows)
	assert.Equal(t, 16, m.Cols)
	assert.Equal(t, byte(1), m.Data[8*16+8])
	assert.Equal(t, byte(0), m.Data[0])

	_, err = upscaleLogits(logits, 3, 3, 16, 16)
	assert.Error(t, err)
}

func TestRemoveSmallRegions(t *testing.T) {
	t.Run("Test Islands", func(t *testing.T) {
		m := square(20, 20, 2, 2, 12, 12)
		m.Data[18*20+18] = 1
		out, changed, err := removeSmallRegions(m, 5, false)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 100, out.Area())
		assert.Equal(t, byte(0), out.Data[18*20+18])
	})

	t.Run("Test Holes", func(t *testing.T) {
		m := square(20, 20, 2, 2, 12, 12)
		m.Data[6*20+6] = 0
		out, changed, err := removeSmallRegions(m, 5, true)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 100, out.Area())
	})

	t.Run("Test Unchanged", func(t *testing.T) {
		m := square(20, 20, 2, 2, 12, 12)
		out, changed, err := removeSmallRegions(m, 5, false)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, m, out)
	})

	t.Run("Test Keep Largest", func(t *testing.T) {
		m := square(20, 20, 0, 0, 2, 2)
		m.Data[10*20+10] = 1
		out, changed, err := removeSmallRegions(m, 50, false)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 4, out.Area())
	})
}

func TestMaskPNGRoundTrip(t *testing.T) {
	m := square(12, 16, 4, 2, 8, 6)
	b64, err := EncodeMaskPNG(m)
	require.NoError(t, err)
	assert.NotEmpty(t, b64)

	mat, err := Base64ToMat("data:image/png;base64," + b64)
	require.NoError(t, err)
	defer mat.Close()
	assert.Equal(t, 12, mat.Rows())
	assert.Equal(t, 16, mat.Cols())
	assert.Equal(t, 3, mat.Channels())

	pix := mat.ToBytes()
	assert.Equal(t, byte(255), pix[(3*16+5)*3])
	assert.Equal(t, byte(0), pix[0])

	_, err = EncodeMaskPNG(iface.Mask{Rows: 2, Cols: 2, Data: []byte{1}})
	assert.Error(t, err)
}

func TestDecodeImage_Invalid(t *testing.T) {
	_, err := DecodeImage(nil)
	assert.ErrorIs(t, err, iface.ErrInvalidInput)
	_, err = DecodeImage([]byte("definitely not an image"))
	assert.ErrorIs(t, err, iface.ErrInvalidInput)
	_, err = Base64ToMat("%%%")
	assert.ErrorIs(t, err, iface.ErrInvalidInput)
}

func TestSelectMasks(t *testing.T) {
	out := batchOutput{
		iou: []float32{0.2, 0.9, 0.5},
		logits: []float32{
			-1, -1, -1, -1,
			1, 1, 1, 1,
			1, -1, -1, -1,
		},
		P: 1, M: 3, H: 2, W: 2,
	}
	res, err := selectMasks(out, 2, 2, false)
	require.NoError(t, err)
	require.Len(t, res.Masks, 1)
	assert.Equal(t, float32(0.9), res.Scores[0])
	assert.Equal(t, 4, res.Masks[0].Area())

	res, err = selectMasks(out, 2, 2, true)
	require.NoError(t, err)
	assert.Len(t, res.Masks, 3)
	assert.Equal(t, []float32{0.2, 0.9, 0.5}, res.Scores)
}

type fakeEmbedding struct{ rows, cols int }

func (e *fakeEmbedding) OrigSize() (int, int) { return e.rows, e.cols }
func (e *fakeEmbedding) Release()             {}

// fakeDecoder answers every prompt with a centered square and a fixed score.
type fakeDecoder struct {
	setImages int
	decodes   int
	points    int
}

func (f *fakeDecoder) SetImage(img gocv.Mat) (iface.Embedding, error) {
	f.setImages++
	return &fakeEmbedding{rows: img.Rows(), cols: img.Cols()}, nil
}

func (f *fakeDecoder) decode(_ iface.Embedding, coords []float32, labels []int64, p, n int) (batchOutput, error) {
	f.decodes++
	f.points += p * n
	const side = 16
	logit := make([]float32, side*side)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			logit[y*side+x] = -5
			if x >= 4 && x < 12 && y >= 4 && y < 12 {
				logit[y*side+x] = 5
			}
		}
	}
	out := batchOutput{P: p, M: 1, H: side, W: side}
	for i := 0; i < p; i++ {
		out.iou = append(out.iou, 0.9)
		out.logits = append(out.logits, logit...)
	}
	return out, nil
}

func TestMaskGenerator(t *testing.T) {
	img := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8UC3)
	defer img.Close()

	params := DefaultGeneratorParams()
	params.PointsPerSide = 4
	params.PointsPerBatch = 8

	dec := &fakeDecoder{}
	res, err := newMaskGenerator(dec, params).generate(img)
	require.NoError(t, err)

	// full image plus four layer-1 crops
	assert.Equal(t, 5, dec.setImages)
	// 16 points in two batches, then 2x2 points per crop
	assert.Equal(t, 6, dec.decodes)
	assert.Equal(t, 16+4*4, dec.points)

	// crop masks sit on inner crop edges, the 16 full image masks collapse into one
	require.Len(t, res.Masks, 1)
	require.Len(t, res.Scores, 1)
	assert.Equal(t, float32(0.9), res.Scores[0])
	assert.Equal(t, 64, res.Masks[0].Rows)
	assert.Equal(t, 64, res.Masks[0].Cols)
	b := res.Masks[0].Bounds()
	assert.InDelta(t, 16, b.Min.X, 2)
	assert.InDelta(t, 48, b.Max.X, 2)
}

func TestMaskGenerator_Thresholds(t *testing.T) {
	img := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer img.Close()

	params := DefaultGeneratorParams()
	params.PointsPerSide = 2
	params.CropNLayers = 0
	params.PredIouThresh = 0.95

	dec := &fakeDecoder{}
	res, err := newMaskGenerator(dec, params).generate(img)
	require.NoError(t, err)
	assert.Equal(t, 1, dec.setImages)
	assert.Empty(t, res.Masks)
}
