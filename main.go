package main

import (
	adhoc "Sam2SegServer/Adhoc"
	"Sam2SegServer/cache"
	"Sam2SegServer/config"
	"Sam2SegServer/engine"
	rpc "Sam2SegServer/gRPC"
	"Sam2SegServer/handler"
	"Sam2SegServer/logger"
	"Sam2SegServer/middleware"
	"Sam2SegServer/monitor"
	"Sam2SegServer/predictor"
	"Sam2SegServer/worker"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print build info and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("Sam2SegServer %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	for _, w := range cfg.Normalize() {
		logger.Log().Warn(w)
	}
	logger.Log().Info("starting SAM 2 segmentation server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Int("cpu_cores", runtime.NumCPU()),
		zap.Int("workers", cfg.Workers.Num),
		zap.String("model_size", cfg.Model.Size))

	if err := run(cfg); err != nil {
		logger.Log().Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Log().Info("safely exited")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.New()
	}

	libPath := cfg.Model.OnnxRuntimeLib
	if libPath == "" {
		p, err := engine.DefaultLibraryPath(cfg.Model.RuntimeDir)
		if err != nil {
			logger.Log().Warn("onnxruntime library not found in runtime_dir, using the system default", zap.Error(err))
		}
		libPath = p
	}
	backend := engine.NewSam2(cfg.Model.Layout, libPath, cfg.Model.Threads)
	pred, err := predictor.New(backend, predictor.Options{
		Size:               cfg.Model.Size,
		ModelsDir:          cfg.Model.ModelsDir,
		Device:             cfg.Model.Device,
		SerializeInference: cfg.Model.SerializeInference,
		CatalogBaseURL:     cfg.Model.CatalogBaseURL,
		DownloadTimeout:    cfg.Model.DownloadTimeout,
	}, resty.New())
	if err != nil {
		return err
	}

	pool := worker.New(cfg.Workers.Num)
	metrics.RegisterQueue(pool.Pending)

	var resultCache handler.Cache
	if cfg.Cache.Enabled {
		rc := cache.NewRedisCache(cache.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		})
		defer rc.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			logger.Log().Warn("redis connection failed, cache disabled", zap.Error(err))
		} else {
			logger.Log().Info("redis connected successfully", zap.String("addr", cfg.Cache.Addr))
			resultCache = rc
		}
		cancel()
	}

	h := handler.New(handler.Deps{
		Predictor: pred,
		Pool:      pool,
		Fetcher:   resty.New(),
		Cache:     resultCache,
		Metrics:   metrics,
	}, handler.Options{
		FetchTimeout:   cfg.Fetch.Timeout,
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		MaxFetchSize:   cfg.Fetch.MaxSize,
		AllowedOrigins: cfg.Server.CORSOrigins,
	})

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	h.Register(r)
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if metrics != nil {
		g.Go(func() error {
			metrics.StartMon(gctx, cfg.Metrics.Port)
			return nil
		})
	}

	var rpcServer *rpc.Server
	if cfg.GRPC.Enabled {
		rpcServer = rpc.New()
		if err := rpcServer.StartGRPCServer(cfg.GRPC.Port); err != nil {
			return err
		}
	}

	var heartbeat sync.WaitGroup
	if cfg.Registry.Enabled {
		startHeartbeat(gctx, &heartbeat, cfg, pred)
	} else {
		logger.Log().Info("registry disabled, skipping registration")
	}

	g.Go(func() error {
		logger.Log().Info("server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// the listener is up and reports model_loaded=false until this finishes
	g.Go(func() error {
		if err := pred.Load(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load model: %w", err)
		}
		metrics.SetModelReady(true)
		if rpcServer != nil {
			rpcServer.SetServing(true)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Log().Info("shutting down")
		return shutdown(srv, pool, pred, rpcServer, &heartbeat, metrics)
	})

	return g.Wait()
}

func startHeartbeat(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, pred *predictor.Predictor) {
	ip, err := adhoc.GetOutboundIP()
	if err != nil {
		logger.Log().Warn("failed to get outbound IP, registry disabled", zap.Error(err))
		return
	}
	_, portStr, err := net.SplitHostPort(cfg.Server.Port)
	if err != nil {
		logger.Log().Warn("cannot parse server.port, registry disabled", zap.Error(err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Log().Warn("cannot parse server.port, registry disabled", zap.Error(err))
		return
	}
	reg := adhoc.RegServerConfig{Interval: cfg.Registry.Interval}
	reg.SetAddress(cfg.Registry.Host, cfg.Registry.Port)
	wg.Add(1)
	go adhoc.SendAliveMessage(ctx, wg, reg, ip, port, pred)
}

// shutdown stops intake first, drains the workers, then releases the model.
func shutdown(srv *http.Server, pool *worker.Pool, pred *predictor.Predictor, rpcServer *rpc.Server,
	heartbeat *sync.WaitGroup, metrics *monitor.Metrics) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if err := srv.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	pool.Close()
	pred.Cleanup()
	metrics.SetModelReady(false)
	if rpcServer != nil {
		rpcServer.GracefulStop()
	}
	heartbeat.Wait()
	return errs
}
