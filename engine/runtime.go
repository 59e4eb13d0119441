package engine

import (
	"Sam2SegServer/logger"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	runtimeMu   sync.Mutex
	runtimeRefs int
)

func detArch(system, arch string) (string, error) {
	switch arch {
	case "amd64":
		return fmt.Sprintf("%s-%s", system, "x64"), nil
	case "386":
		return fmt.Sprintf("%s-%s", system, "x86"), nil
	case "arm64":
		return fmt.Sprintf("%s-%s", system, "arm64"), nil
	default:
		return "", fmt.Errorf("architecture %s not supported", arch)
	}
}

func libName(system string) (string, error) {
	switch system {
	case "windows":
		return "onnxruntime.dll", nil
	case "linux":
		return "libonnxruntime.so", nil
	case "darwin":
		return "libonnxruntime.dylib", nil
	default:
		return "", fmt.Errorf("operating system %s not supported", system)
	}
}

// LibraryPath resolves the onnxruntime shared library under dir for the given platform.
// It looks in dir/<os>-<arch>/ first, then dir itself.
func LibraryPath(dir, system, arch string) (string, error) {
	name, err := libName(system)
	if err != nil {
		return "", err
	}
	platform, err := detArch(system, arch)
	if err != nil {
		return "", err
	}
	candidates := []string{
		filepath.Join(dir, platform, name),
		filepath.Join(dir, name),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found, tried %v", name, candidates)
}

// DefaultLibraryPath is LibraryPath for the running platform.
func DefaultLibraryPath(dir string) (string, error) {
	return LibraryPath(dir, runtime.GOOS, runtime.GOARCH)
}

// acquireRuntime initialises the onnxruntime environment on first use.
func acquireRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if runtimeRefs == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime (%s): %w", libPath, err)
		}
		logger.Log().Info("onnxruntime initialised", zap.String("lib", libPath))
	}
	runtimeRefs++
	return nil
}

func releaseRuntime() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if runtimeRefs == 0 {
		return
	}
	runtimeRefs--
	if runtimeRefs == 0 && ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Log().Warn("destroy onnxruntime environment", zap.Error(err))
		}
	}
}

// newSessionOptions returns options for the requested device. The device is downgraded to
// cpu when the CUDA execution provider cannot be attached.
func newSessionOptions(useGPU bool, threads int) (*ort.SessionOptions, string, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("session options: %w", err)
	}
	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			_ = opts.Destroy()
			return nil, "", fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if !useGPU {
		return opts, DeviceCPU, nil
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err == nil {
		defer cudaOpts.Destroy()
		err = opts.AppendExecutionProviderCUDA(cudaOpts)
	}
	if err != nil {
		logger.Log().Warn("CUDA execution provider unavailable, using cpu", zap.Error(err))
		return opts, DeviceCPU, nil
	}
	return opts, DeviceCUDA, nil
}
