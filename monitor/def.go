package monitor

import (
	"Sam2SegServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const sampleInterval = 500 * time.Millisecond

// Metrics is the process metric set. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	memUsage   prometheus.Gauge
	cpuUsage   prometheus.Gauge
	modelReady prometheus.Gauge
	requests   *prometheus.CounterVec
	inference  *prometheus.HistogramVec
	proc       *process.Process
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	m.cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	m.modelReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sam2_model_ready",
		Help: "1 once the SAM 2 model is loaded",
	})
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sam2_segment_requests_total",
		Help: "Segmentation requests by endpoint, mode and HTTP status",
	}, []string{"endpoint", "mode", "status"})
	m.inference = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sam2_inference_seconds",
		Help:    "Time spent in the predictor per request",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})
	m.Registry.MustRegister(m.memUsage, m.cpuUsage, m.modelReady, m.requests, m.inference)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Warn("process metrics unavailable", zap.Error(err))
	}
	m.proc = proc
	return m
}

func (m *Metrics) ObserveRequest(endpoint, mode string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, mode, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveInference(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.inference.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) SetModelReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.modelReady.Set(1)
		return
	}
	m.modelReady.Set(0)
}

// RegisterQueue exports the number of jobs waiting for a worker.
func (m *Metrics) RegisterQueue(pending func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sam2_worker_queue_pending",
		Help: "Jobs queued for the inference workers",
	}, func() float64 { return float64(pending()) }))
}

func (m *Metrics) CheckProcessInfo() {
	if m == nil || m.proc == nil {
		return
	}
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// StartMon serves /metrics on port and samples the process until ctx is done.
func (m *Metrics) StartMon(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Log().Info("metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server ListenAndServe error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("metrics server Shutdown error", zap.Error(err))
	}
}
