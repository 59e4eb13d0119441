package predictor

import (
	"Sam2SegServer/engine"
	iface "Sam2SegServer/interface"
	"Sam2SegServer/logger"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	DeviceAuto    = "auto"
	DeviceUnknown = "unknown"
)

type Options struct {
	Size      string
	ModelsDir string
	// Device is auto, cpu or cuda. auto tries the accelerator and falls back to cpu.
	Device             string
	SerializeInference bool
	CatalogBaseURL     string
	DownloadTimeout    time.Duration
}

// Predictor owns the single model instance. Build it with New, call Load once, serve
// Segment from any number of goroutines, then Cleanup.
type Predictor struct {
	opts       Options
	backend    iface.Backend
	entry      ModelEntry
	catalog    *Catalog
	downloader *Downloader

	state   atomic.Int32
	device  atomic.Value
	loadMu  sync.Mutex
	inferMu sync.Mutex
}

// New validates opts against the checkpoint catalog. client is used for downloads and may be nil.
func New(backend iface.Backend, opts Options, client *resty.Client) (*Predictor, error) {
	if backend == nil {
		return nil, errors.New("predictor needs a backend")
	}
	if opts.Size == "" {
		opts.Size = "large"
	}
	if opts.Device == "" {
		opts.Device = DeviceAuto
	}
	catalog, err := LoadCatalog(opts.CatalogBaseURL)
	if err != nil {
		return nil, err
	}
	entry, err := catalog.Lookup(opts.Size)
	if err != nil {
		return nil, err
	}
	p := &Predictor{
		opts:       opts,
		backend:    backend,
		entry:      entry,
		catalog:    catalog,
		downloader: NewDownloader(client, opts.ModelsDir, opts.DownloadTimeout),
	}
	p.device.Store(DeviceUnknown)
	logger.Log().Info("initialized SAM 2 predictor",
		zap.String("size", opts.Size),
		zap.String("arch", entry.Arch),
		zap.String("device", opts.Device))
	return p, nil
}

// Load acquires both checkpoints and builds the model. It runs at most once.
func (p *Predictor) Load(ctx context.Context) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if s := p.State(); s != StateUninitialized {
		return fmt.Errorf("predictor cannot load from state %s", s)
	}
	p.state.Store(int32(StateLoading))
	start := time.Now()

	files, err := p.acquire(ctx)
	if err == nil {
		logger.Log().Info("building SAM 2 model", zap.String("arch", files.Arch))
		err = p.backend.LoadModel(files, p.opts.Device != engine.DeviceCPU)
	}
	if err != nil {
		p.state.Store(int32(StateFailed))
		logger.Log().Error("failed to load SAM 2 model", zap.Error(err))
		return err
	}
	p.device.Store(p.backend.Device())
	p.state.Store(int32(StateReady))
	logger.Log().Info("SAM 2 model loaded",
		zap.String("size", p.opts.Size),
		zap.String("device", p.Device()),
		zap.Duration("cost", time.Since(start)))
	return nil
}

func (p *Predictor) acquire(ctx context.Context) (iface.ModelFiles, error) {
	enc, err := p.downloader.Ensure(ctx, p.catalog.URL(p.entry.Encoder), p.entry.Encoder.File)
	if err != nil {
		return iface.ModelFiles{}, err
	}
	dec, err := p.downloader.Ensure(ctx, p.catalog.URL(p.entry.Decoder), p.entry.Decoder.File)
	if err != nil {
		return iface.ModelFiles{}, err
	}
	return iface.ModelFiles{Arch: p.entry.Arch, EncoderPath: enc, DecoderPath: dec}, nil
}

func (p *Predictor) State() State {
	return State(p.state.Load())
}

func (p *Predictor) Ready() bool {
	return p.State() == StateReady
}

// Device is the resolved placement, or "unknown" until the model is loaded.
func (p *Predictor) Device() string {
	return p.device.Load().(string)
}

func (p *Predictor) ModelSize() string {
	return p.opts.Size
}

// Segment runs the inference entry point matching the prompt. img is not modified.
func (p *Predictor) Segment(img gocv.Mat, prompt iface.Prompt) (iface.Result, error) {
	if !p.Ready() {
		return iface.Result{}, fmt.Errorf("%w: SAM 2 model not loaded", iface.ErrServiceUnavailable)
	}
	if p.opts.SerializeInference {
		p.inferMu.Lock()
		defer p.inferMu.Unlock()
	}

	var (
		res iface.Result
		err error
	)
	switch pr := prompt.(type) {
	case iface.Everything:
		res, err = p.segmentEverything(img)
	case iface.Points:
		res, err = p.segmentPoints(img, pr)
	case iface.Boxes:
		res, err = p.segmentBoxes(img, pr)
	default:
		return iface.Result{}, fmt.Errorf("%w: invalid segmentation mode", iface.ErrInvalidInput)
	}
	if err != nil {
		logger.Log().Error("segmentation error", zap.String("mode", string(prompt.Mode())), zap.Error(err))
		if errors.Is(err, iface.ErrInvalidInput) {
			return iface.Result{}, err
		}
		return iface.Result{}, fmt.Errorf("%w: %v", iface.ErrInference, err)
	}
	return res, nil
}

func (p *Predictor) segmentEverything(img gocv.Mat) (iface.Result, error) {
	return p.backend.Generate(img, engine.DefaultGeneratorParams())
}

func (p *Predictor) segmentPoints(img gocv.Mat, points iface.Points) (iface.Result, error) {
	if len(points) == 0 {
		return iface.Result{}, fmt.Errorf("%w: no points given", iface.ErrInvalidInput)
	}
	emb, err := p.backend.SetImage(img)
	if err != nil {
		return iface.Result{}, err
	}
	defer emb.Release()

	labels := make([]int64, len(points))
	for i := range labels {
		labels[i] = engine.LabelForeground
	}
	return p.backend.Predict(emb, iface.Query{
		Points:    points,
		Labels:    labels,
		Multimask: true,
	})
}

func (p *Predictor) segmentBoxes(img gocv.Mat, boxes iface.Boxes) (iface.Result, error) {
	if len(boxes) == 0 {
		return iface.Result{}, fmt.Errorf("%w: no boxes given", iface.ErrInvalidInput)
	}
	emb, err := p.backend.SetImage(img)
	if err != nil {
		return iface.Result{}, err
	}
	defer emb.Release()

	var all iface.Result
	for i := range boxes {
		res, err := p.backend.Predict(emb, iface.Query{Box: &boxes[i]})
		if err != nil {
			return iface.Result{}, err
		}
		all.Append(res)
	}
	return all, nil
}

// Cleanup releases the model. Safe to call more than once and from any state.
func (p *Predictor) Cleanup() {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.State() == StateClosed {
		return
	}
	// wait for a serialized inference to finish
	p.inferMu.Lock()
	p.backend.Destroy()
	p.inferMu.Unlock()
	p.state.Store(int32(StateClosed))
	p.device.Store(DeviceUnknown)
	logger.Log().Info("SAM 2 predictor cleaned up")
}
