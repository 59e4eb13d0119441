package engine

import (
	iface "Sam2SegServer/interface"
	"Sam2SegServer/logger"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Sam2 runs the exported SAM 2 image encoder and prompt/mask decoder with onnxruntime.
// Sessions are safe for concurrent Run calls because every call owns its tensors.
type Sam2 struct {
	Layout  Layout
	LibPath string
	Threads int

	State int

	arch       string
	device     string
	encoder    *ort.DynamicAdvancedSession
	decoder    *ort.DynamicAdvancedSession
	hasRuntime bool
}

// NewSam2 returns an unloaded backend.
func NewSam2(layout Layout, libPath string, threads int) *Sam2 {
	return &Sam2{
		Layout:  layout.withDefaults(),
		LibPath: libPath,
		Threads: threads,
		device:  DeviceCPU,
		State:   UNREGISTERED,
	}
}

func (s *Sam2) Device() string {
	return s.device
}

// LoadModel opens both graphs. With useGPU it tries CUDA first and retries on cpu.
func (s *Sam2) LoadModel(files iface.ModelFiles, useGPU bool) error {
	if s.State == IDLE {
		return errors.New("model already loaded")
	}
	if err := acquireRuntime(s.LibPath); err != nil {
		return err
	}
	s.hasRuntime = true
	err := s.openSessions(files, useGPU)
	if err != nil && useGPU {
		logger.Log().Warn("loading on accelerator failed, retrying on cpu", zap.Error(err))
		err = s.openSessions(files, false)
	}
	if err != nil {
		s.Destroy()
		return err
	}
	s.arch = files.Arch
	s.State = IDLE
	logger.Log().Info("SAM 2 sessions ready",
		zap.String("arch", s.arch),
		zap.String("device", s.device),
		zap.String("encoder", files.EncoderPath),
		zap.String("decoder", files.DecoderPath))
	return nil
}

func (s *Sam2) openSessions(files iface.ModelFiles, useGPU bool) error {
	opts, device, err := newSessionOptions(useGPU, s.Threads)
	if err != nil {
		return err
	}
	defer opts.Destroy()

	encoder, err := ort.NewDynamicAdvancedSession(files.EncoderPath,
		[]string{s.Layout.PixelValues}, s.Layout.Embeddings, opts)
	if err != nil {
		return fmt.Errorf("open encoder %s: %w", files.EncoderPath, err)
	}
	decoderInputs := append([]string{s.Layout.InputPoints, s.Layout.InputLabels}, s.Layout.Embeddings...)
	decoder, err := ort.NewDynamicAdvancedSession(files.DecoderPath,
		decoderInputs, []string{s.Layout.IouScores, s.Layout.PredMasks}, opts)
	if err != nil {
		_ = encoder.Destroy()
		return fmt.Errorf("open decoder %s: %w", files.DecoderPath, err)
	}
	s.encoder, s.decoder, s.device = encoder, decoder, device
	return nil
}

// Destroy releases both sessions and the runtime reference. Safe to call repeatedly.
func (s *Sam2) Destroy() {
	if s.encoder != nil {
		_ = s.encoder.Destroy()
		s.encoder = nil
	}
	if s.decoder != nil {
		_ = s.decoder.Destroy()
		s.decoder = nil
	}
	if s.hasRuntime {
		releaseRuntime()
		s.hasRuntime = false
	}
	s.arch = ""
	s.device = DeviceCPU
	s.State = UNREGISTERED
}

type embedding struct {
	values []ort.Value
	rows   int
	cols   int
}

func (e *embedding) OrigSize() (int, int) {
	return e.rows, e.cols
}

func (e *embedding) Release() {
	for _, v := range e.values {
		if v != nil {
			_ = v.Destroy()
		}
	}
	e.values = nil
}

// SetImage runs the encoder once for img.
func (s *Sam2) SetImage(img gocv.Mat) (iface.Embedding, error) {
	if s.State != IDLE {
		return nil, errors.New("model not loaded")
	}
	if img.Empty() || img.Channels() != 3 {
		return nil, fmt.Errorf("expected a 3-channel image, got %d channels", img.Channels())
	}
	input, err := ort.NewTensor(ort.NewShape(1, 3, inputSize, inputSize), preprocess(img))
	if err != nil {
		return nil, fmt.Errorf("encoder input: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(s.Layout.Embeddings))
	if err := s.encoder.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("encoder run: %w", err)
	}
	return &embedding{values: outputs, rows: img.Rows(), cols: img.Cols()}, nil
}

// batchOutput holds decoder results for P prompts with M hypotheses each.
type batchOutput struct {
	iou    []float32 // P*M
	logits []float32 // P*M*H*W
	P, M   int
	H, W   int
}

func (b batchOutput) score(p, m int) float32 {
	return b.iou[p*b.M+m]
}

func (b batchOutput) logitMap(p, m int) []float32 {
	size := b.H * b.W
	off := (p*b.M + m) * size
	return b.logits[off : off+size]
}

// decode runs the decoder for P prompts of N labelled points each. coords are pixel
// coordinates of the encoded image, laid out [P][N][2].
func (s *Sam2) decode(emb iface.Embedding, coords []float32, labels []int64, p, n int) (batchOutput, error) {
	e, ok := emb.(*embedding)
	if !ok || e.values == nil {
		return batchOutput{}, errors.New("embedding was not produced by this model or was released")
	}
	scaled := make([]float32, len(coords))
	for i := 0; i < len(coords); i += 2 {
		scaled[i], scaled[i+1] = toModelCoords(iface.Point{X: coords[i], Y: coords[i+1]}, e.rows, e.cols)
	}
	points, err := ort.NewTensor(ort.NewShape(1, int64(p), int64(n), 2), scaled)
	if err != nil {
		return batchOutput{}, fmt.Errorf("decoder points: %w", err)
	}
	defer points.Destroy()
	lbl, err := ort.NewTensor(ort.NewShape(1, int64(p), int64(n)), labels)
	if err != nil {
		return batchOutput{}, fmt.Errorf("decoder labels: %w", err)
	}
	defer lbl.Destroy()

	inputs := append([]ort.Value{points, lbl}, e.values...)
	outputs := []ort.Value{nil, nil}
	if err := s.decoder.Run(inputs, outputs); err != nil {
		return batchOutput{}, fmt.Errorf("decoder run: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	iouT, ok1 := outputs[0].(*ort.Tensor[float32])
	maskT, ok2 := outputs[1].(*ort.Tensor[float32])
	if !ok1 || !ok2 {
		return batchOutput{}, errors.New("decoder outputs are not float32 tensors")
	}
	shape := maskT.GetShape()
	if len(shape) != 5 {
		return batchOutput{}, fmt.Errorf("unexpected mask shape %v", shape)
	}
	out := batchOutput{
		P: int(shape[1]),
		M: int(shape[2]),
		H: int(shape[3]),
		W: int(shape[4]),
	}
	out.iou = append([]float32(nil), iouT.GetData()...)
	out.logits = append([]float32(nil), maskT.GetData()...)
	if len(out.iou) != out.P*out.M {
		return batchOutput{}, fmt.Errorf("iou scores %v do not match masks %v", iouT.GetShape(), shape)
	}
	return out, nil
}

// Predict answers one query against an encoded image. Multimask returns every hypothesis;
// otherwise only the best scoring one.
func (s *Sam2) Predict(emb iface.Embedding, q iface.Query) (iface.Result, error) {
	coords := make([]float32, 0, 2*(len(q.Points)+2))
	labels := make([]int64, 0, len(q.Points)+2)
	for i, pt := range q.Points {
		coords = append(coords, pt.X, pt.Y)
		label := LabelForeground
		if i < len(q.Labels) {
			label = q.Labels[i]
		}
		labels = append(labels, label)
	}
	if q.Box != nil {
		coords = append(coords, q.Box.X1, q.Box.Y1, q.Box.X2, q.Box.Y2)
		labels = append(labels, LabelBoxTopLeft, LabelBoxBotRight)
	}
	if len(labels) == 0 {
		return iface.Result{}, errors.New("query has neither points nor a box")
	}
	out, err := s.decode(emb, coords, labels, 1, len(labels))
	if err != nil {
		return iface.Result{}, err
	}
	rows, cols := emb.OrigSize()
	return selectMasks(out, rows, cols, q.Multimask)
}

func selectMasks(out batchOutput, rows, cols int, multimask bool) (iface.Result, error) {
	picks := make([]int, 0, out.M)
	if multimask {
		for m := 0; m < out.M; m++ {
			picks = append(picks, m)
		}
	} else {
		best := 0
		for m := 1; m < out.M; m++ {
			if out.score(0, m) > out.score(0, best) {
				best = m
			}
		}
		picks = append(picks, best)
	}
	var res iface.Result
	for _, m := range picks {
		mask, err := upscaleLogits(out.logitMap(0, m), out.H, out.W, rows, cols)
		if err != nil {
			return iface.Result{}, err
		}
		res.Masks = append(res.Masks, mask)
		res.Scores = append(res.Scores, out.score(0, m))
	}
	return res, nil
}

// Generate segments everything in img with the automatic mask generator.
func (s *Sam2) Generate(img gocv.Mat, params iface.GeneratorParams) (iface.Result, error) {
	if s.State != IDLE {
		return iface.Result{}, errors.New("model not loaded")
	}
	return newMaskGenerator(s, params).generate(img)
}
