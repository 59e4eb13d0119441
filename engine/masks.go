package engine

import (
	iface "Sam2SegServer/interface"
	"fmt"
	"image"
	"math"
	"sort"
	"unsafe"

	"gocv.io/x/gocv"
)

// normalize converts HWC RGB bytes into a CHW float tensor with ImageNet statistics.
func normalize(pix []byte, h, w int) []float32 {
	plane := h * w
	out := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			v := float32(pix[i*3+c]) / 255.0
			out[c*plane+i] = (v - pixelMean[c]) / pixelStd[c]
		}
	}
	return out
}

// preprocess turns a BGR Mat into the encoder input.
func preprocess(img gocv.Mat) []float32 {
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(img, &rgb, gocv.ColorBGRToRGB)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(rgb, &resized, image.Pt(inputSize, inputSize), 0, 0, gocv.InterpolationLinear)
	return normalize(resized.ToBytes(), inputSize, inputSize)
}

// toModelCoords maps a pixel coordinate of a rows x cols image into the encoder frame.
func toModelCoords(p iface.Point, rows, cols int) (float32, float32) {
	return p.X * inputSize / float32(cols), p.Y * inputSize / float32(rows)
}

func float32Bytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}

// upscaleLogits resizes one h x w logit map to rows x cols and thresholds it.
func upscaleLogits(logits []float32, h, w, rows, cols int) (iface.Mask, error) {
	if len(logits) != h*w {
		return iface.Mask{}, fmt.Errorf("logits length %d does not match %dx%d", len(logits), h, w)
	}
	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV32F, float32Bytes(logits))
	if err != nil {
		return iface.Mask{}, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(cols, rows), 0, 0, gocv.InterpolationLinear)
	vals, err := dst.DataPtrFloat32()
	if err != nil {
		return iface.Mask{}, err
	}
	mask := iface.NewMask(rows, cols)
	for i, v := range vals {
		if v > maskThreshold {
			mask.Data[i] = 1
		}
	}
	return mask, nil
}

// stabilityScore is the IoU between the masks thresholded at thresh+offset and thresh-offset.
func stabilityScore(logits []float32, thresh, offset float32) float32 {
	var inter, union int
	for _, v := range logits {
		if v > thresh+offset {
			inter++
		}
		if v > thresh-offset {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float32(inter) / float32(union)
}

func boxArea(r image.Rectangle) float64 {
	return float64(r.Dx()) * float64(r.Dy())
}

func boxIoU(a, b image.Rectangle) float64 {
	inter := boxArea(a.Intersect(b))
	if inter == 0 {
		return 0
	}
	return inter / (boxArea(a) + boxArea(b) - inter)
}

// nms keeps the highest scoring boxes and drops any box overlapping a kept one above thresh.
// It returns kept indices in descending score order.
func nms(boxes []image.Rectangle, scores []float32, thresh float32) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	var keep []int
	for _, i := range order {
		suppressed := false
		for _, k := range keep {
			if boxIoU(boxes[i], boxes[k]) > float64(thresh) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, i)
		}
	}
	return keep
}

// pointGrid returns n*n points evenly spaced in [0,1]^2, row by row.
func pointGrid(n int) []iface.Point {
	if n <= 0 {
		return nil
	}
	offset := 1 / float32(2*n)
	side := make([]float32, n)
	for i := range side {
		if n == 1 {
			side[i] = 0.5
			continue
		}
		side[i] = offset + float32(i)*(1-2*offset)/float32(n-1)
	}
	pts := make([]iface.Point, 0, n*n)
	for _, y := range side {
		for _, x := range side {
			pts = append(pts, iface.Point{X: x, Y: y})
		}
	}
	return pts
}

// cropBoxes lists the full image followed by 4^i overlapping crops for every layer i.
func cropBoxes(rows, cols, nLayers int, overlapRatio float32) ([]image.Rectangle, []int) {
	boxes := []image.Rectangle{image.Rect(0, 0, cols, rows)}
	layers := []int{0}
	short := min(rows, cols)
	for i := 0; i < nLayers; i++ {
		n := 1 << (i + 1)
		overlap := int(overlapRatio * float32(short) * (2 / float32(n)))
		cropW := int(math.Ceil(float64(overlap*(n-1)+cols) / float64(n)))
		cropH := int(math.Ceil(float64(overlap*(n-1)+rows) / float64(n)))
		for xi := 0; xi < n; xi++ {
			x0 := (cropW - overlap) * xi
			for yi := 0; yi < n; yi++ {
				y0 := (cropH - overlap) * yi
				boxes = append(boxes, image.Rect(x0, y0, min(x0+cropW, cols), min(y0+cropH, rows)))
				layers = append(layers, i+1)
			}
		}
	}
	return boxes, layers
}

// nearCropEdge reports whether box (image coordinates) touches an edge of crop that is not
// also an edge of the full image.
func nearCropEdge(box, crop, full image.Rectangle) bool {
	near := func(a, b int) bool { return abs(a-b) <= cropEdgeTolerance }
	pairs := [4][3]int{
		{box.Min.X, crop.Min.X, full.Min.X},
		{box.Min.Y, crop.Min.Y, full.Min.Y},
		{box.Max.X, crop.Max.X, full.Max.X},
		{box.Max.Y, crop.Max.Y, full.Max.Y},
	}
	for _, p := range pairs {
		if near(p[0], p[1]) && !near(p[0], p[2]) {
			return true
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// uncropMask places a crop-local mask into a rows x cols canvas at crop.Min.
func uncropMask(m iface.Mask, crop image.Rectangle, rows, cols int) iface.Mask {
	if crop.Min == (image.Point{}) && m.Rows == rows && m.Cols == cols {
		return m
	}
	out := iface.NewMask(rows, cols)
	for y := 0; y < m.Rows; y++ {
		dst := (y+crop.Min.Y)*cols + crop.Min.X
		copy(out.Data[dst:dst+m.Cols], m.Data[y*m.Cols:(y+1)*m.Cols])
	}
	return out
}

// removeSmallRegions fills holes (holes=true) or drops islands smaller than area.
// The second result reports whether the mask changed.
func removeSmallRegions(m iface.Mask, area int, holes bool) (iface.Mask, bool, error) {
	working := make([]byte, len(m.Data))
	for i, v := range m.Data {
		fg := v != 0
		if fg != holes {
			working[i] = 1
		}
	}
	src, err := gocv.NewMatFromBytes(m.Rows, m.Cols, gocv.MatTypeCV8U, working)
	if err != nil {
		return m, false, err
	}
	defer src.Close()
	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()

	n := gocv.ConnectedComponentsWithStats(src, &labels, &stats, &centroids)
	sizes := make([]int, n)
	var small []int
	for i := 1; i < n; i++ {
		sizes[i] = int(stats.GetIntAt(i, ccStatArea))
		if sizes[i] < area {
			small = append(small, i)
		}
	}
	if len(small) == 0 {
		return m, false, nil
	}
	fill := make([]bool, n)
	if holes {
		fill[0] = true
		for _, i := range small {
			fill[i] = true
		}
	} else {
		isSmall := make([]bool, n)
		for _, i := range small {
			isSmall[i] = true
		}
		kept := 0
		for i := 1; i < n; i++ {
			if !isSmall[i] {
				fill[i] = true
				kept++
			}
		}
		if kept == 0 {
			// every island is small, keep the largest one
			largest := 1
			for i := 2; i < n; i++ {
				if sizes[i] > sizes[largest] {
					largest = i
				}
			}
			fill[largest] = true
		}
	}
	out := iface.NewMask(m.Rows, m.Cols)
	for y := 0; y < m.Rows; y++ {
		for x := 0; x < m.Cols; x++ {
			if fill[labels.GetIntAt(y, x)] {
				out.Data[y*m.Cols+x] = 1
			}
		}
	}
	return out, true, nil
}
