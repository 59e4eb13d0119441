package engine

import (
	iface "Sam2SegServer/interface"
	"Sam2SegServer/logger"
	"image"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// promptDecoder is the part of Sam2 the generator needs.
type promptDecoder interface {
	SetImage(img gocv.Mat) (iface.Embedding, error)
	decode(emb iface.Embedding, coords []float32, labels []int64, p, n int) (batchOutput, error)
}

type maskGenerator struct {
	dec    promptDecoder
	params iface.GeneratorParams
}

type candidate struct {
	mask  iface.Mask // crop-local
	crop  image.Rectangle
	box   image.Rectangle // image coordinates
	score float32
}

func newMaskGenerator(dec promptDecoder, params iface.GeneratorParams) *maskGenerator {
	if params.PointsPerBatch <= 0 {
		params.PointsPerBatch = 64
	}
	if params.CropNPointsDownscaleFactor <= 0 {
		params.CropNPointsDownscaleFactor = 1
	}
	return &maskGenerator{dec: dec, params: params}
}

// generate prompts the decoder with a point grid over the image and over every crop, keeps
// confident and stable masks, and removes duplicates.
func (g *maskGenerator) generate(img gocv.Mat) (iface.Result, error) {
	start := time.Now()
	rows, cols := img.Rows(), img.Cols()
	full := image.Rect(0, 0, cols, rows)
	crops, layers := cropBoxes(rows, cols, g.params.CropNLayers, g.params.CropOverlapRatio)

	var all []candidate
	for i, crop := range crops {
		cands, err := g.processCrop(img, crop, layers[i], full)
		if err != nil {
			return iface.Result{}, err
		}
		all = append(all, cands...)
	}

	if len(crops) > 1 {
		// prefer masks from smaller crops
		boxes := make([]image.Rectangle, len(all))
		scores := make([]float32, len(all))
		for i, c := range all {
			boxes[i] = c.box
			scores[i] = float32(1 / boxArea(c.crop))
		}
		all = pick(all, nms(boxes, scores, g.params.CropNmsThresh))
	}

	res := iface.Result{
		Masks:  make([]iface.Mask, 0, len(all)),
		Scores: make([]float32, 0, len(all)),
	}
	for _, c := range all {
		res.Masks = append(res.Masks, uncropMask(c.mask, c.crop, rows, cols))
		res.Scores = append(res.Scores, c.score)
	}
	if g.params.MinMaskRegionArea > 0 && len(res.Masks) > 0 {
		var err error
		res, err = g.postprocessSmallRegions(res)
		if err != nil {
			return iface.Result{}, err
		}
	}
	logger.Log().Debug("automatic mask generation finished",
		zap.Int("crops", len(crops)),
		zap.Int("masks", len(res.Masks)),
		zap.Duration("cost", time.Since(start)))
	return res, nil
}

func (g *maskGenerator) processCrop(img gocv.Mat, crop image.Rectangle, layer int, full image.Rectangle) ([]candidate, error) {
	sub := img.Region(crop)
	defer sub.Close()
	emb, err := g.dec.SetImage(sub)
	if err != nil {
		return nil, err
	}
	defer emb.Release()

	perSide := g.params.PointsPerSide
	for i := 0; i < layer; i++ {
		perSide /= g.params.CropNPointsDownscaleFactor
	}
	grid := pointGrid(perSide)
	cropW, cropH := float32(crop.Dx()), float32(crop.Dy())

	var cands []candidate
	for start := 0; start < len(grid); start += g.params.PointsPerBatch {
		end := min(start+g.params.PointsPerBatch, len(grid))
		coords := make([]float32, 0, 2*(end-start))
		labels := make([]int64, 0, end-start)
		for _, pt := range grid[start:end] {
			coords = append(coords, pt.X*cropW, pt.Y*cropH)
			labels = append(labels, LabelForeground)
		}
		out, err := g.dec.decode(emb, coords, labels, end-start, 1)
		if err != nil {
			return nil, err
		}
		batch, err := g.filterBatch(out, crop, full)
		if err != nil {
			return nil, err
		}
		cands = append(cands, batch...)
	}

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.box
		scores[i] = c.score
	}
	return pick(cands, nms(boxes, scores, g.params.BoxNmsThresh)), nil
}

func (g *maskGenerator) filterBatch(out batchOutput, crop, full image.Rectangle) ([]candidate, error) {
	var cands []candidate
	for p := 0; p < out.P; p++ {
		for m := 0; m < out.M; m++ {
			score := out.score(p, m)
			if score <= g.params.PredIouThresh {
				continue
			}
			logits := out.logitMap(p, m)
			if stabilityScore(logits, maskThreshold, g.params.StabilityScoreOffset) < g.params.StabilityScoreThresh {
				continue
			}
			mask, err := upscaleLogits(logits, out.H, out.W, crop.Dy(), crop.Dx())
			if err != nil {
				return nil, err
			}
			local := mask.Bounds()
			if local.Empty() {
				continue
			}
			box := local.Add(crop.Min)
			if nearCropEdge(box, crop, full) {
				continue
			}
			cands = append(cands, candidate{mask: mask, crop: crop, box: box, score: score})
		}
	}
	return cands, nil
}

// postprocessSmallRegions cleans every mask and drops duplicates, preferring masks that did not change.
func (g *maskGenerator) postprocessSmallRegions(res iface.Result) (iface.Result, error) {
	area := g.params.MinMaskRegionArea
	boxes := make([]image.Rectangle, len(res.Masks))
	unchanged := make([]float32, len(res.Masks))
	for i, m := range res.Masks {
		filled, holes, err := removeSmallRegions(m, area, true)
		if err != nil {
			return iface.Result{}, err
		}
		cleaned, islands, err := removeSmallRegions(filled, area, false)
		if err != nil {
			return iface.Result{}, err
		}
		if !holes && !islands {
			unchanged[i] = 1
		}
		res.Masks[i] = cleaned
		boxes[i] = cleaned.Bounds()
	}
	keep := nms(boxes, unchanged, g.params.BoxNmsThresh)
	out := iface.Result{
		Masks:  make([]iface.Mask, 0, len(keep)),
		Scores: make([]float32, 0, len(keep)),
	}
	for _, i := range keep {
		out.Masks = append(out.Masks, res.Masks[i])
		out.Scores = append(out.Scores, res.Scores[i])
	}
	return out, nil
}

func pick(cands []candidate, keep []int) []candidate {
	out := make([]candidate, 0, len(keep))
	for _, i := range keep {
		out = append(out, cands[i])
	}
	return out
}
