package engine

import iface "Sam2SegServer/interface"

const UNREGISTERED = 0x0001
const IDLE = 0x0003

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Prompt labels understood by the SAM 2 decoder.
const (
	LabelPadding     int64 = -1
	LabelBackground  int64 = 0
	LabelForeground  int64 = 1
	LabelBoxTopLeft  int64 = 2
	LabelBoxBotRight int64 = 3
)

const (
	// inputSize is the square side the encoder expects; images are resized without padding.
	inputSize = 1024
	// maskThreshold binarizes decoder logits.
	maskThreshold = 0.0
	// cropEdgeTolerance is how close (px) a box may come to an inner crop edge.
	cropEdgeTolerance = 20
	// ccStatArea is cv::CC_STAT_AREA.
	ccStatArea = 4
)

var (
	pixelMean = [3]float32{0.485, 0.456, 0.406}
	pixelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Layout names the tensors of the exported encoder and decoder graphs.
type Layout struct {
	PixelValues string   `mapstructure:"pixel_values"`
	Embeddings  []string `mapstructure:"embeddings"`
	InputPoints string   `mapstructure:"input_points"`
	InputLabels string   `mapstructure:"input_labels"`
	IouScores   string   `mapstructure:"iou_scores"`
	PredMasks   string   `mapstructure:"pred_masks"`
}

// DefaultLayout matches the vision_encoder / prompt_encoder_mask_decoder export.
func DefaultLayout() Layout {
	return Layout{
		PixelValues: "pixel_values",
		Embeddings:  []string{"image_embeddings.0", "image_embeddings.1", "image_embeddings.2"},
		InputPoints: "input_points",
		InputLabels: "input_labels",
		IouScores:   "iou_scores",
		PredMasks:   "pred_masks",
	}
}

// withDefaults fills empty names from DefaultLayout.
func (l Layout) withDefaults() Layout {
	def := DefaultLayout()
	if l.PixelValues == "" {
		l.PixelValues = def.PixelValues
	}
	if len(l.Embeddings) == 0 {
		l.Embeddings = def.Embeddings
	}
	if l.InputPoints == "" {
		l.InputPoints = def.InputPoints
	}
	if l.InputLabels == "" {
		l.InputLabels = def.InputLabels
	}
	if l.IouScores == "" {
		l.IouScores = def.IouScores
	}
	if l.PredMasks == "" {
		l.PredMasks = def.PredMasks
	}
	return l
}

// DefaultGeneratorParams are the fixed settings used for "everything" segmentation.
func DefaultGeneratorParams() iface.GeneratorParams {
	return iface.GeneratorParams{
		PointsPerSide:              32,
		PointsPerBatch:             64,
		PredIouThresh:              0.7,
		StabilityScoreThresh:       0.92,
		StabilityScoreOffset:       1.0,
		BoxNmsThresh:               0.7,
		CropNLayers:                1,
		CropNmsThresh:              0.7,
		CropOverlapRatio:           512.0 / 1500.0,
		CropNPointsDownscaleFactor: 2,
		MinMaskRegionArea:          100,
	}
}
