package Adhoc

import (
	"Sam2SegServer/engine"
	"Sam2SegServer/logger"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	Device        string `json:"device"`
	ModelSize     string `json:"modelSize"`
	Ready         bool   `json:"ready"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Status reports what the instance currently serves.
type Status interface {
	Ready() bool
	Device() string
	ModelSize() string
}

type RegServerConfig struct {
	Port     int
	Addr     string
	Interval time.Duration
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

// InstanceClassFor maps a predictor device to the registry's instance class.
func InstanceClassFor(device string) int {
	switch device {
	case engine.DeviceCUDA:
		return CudaInstance
	default:
		return CpuInstance
	}
}

// GetOutboundIP returns the local address used for outbound traffic. No packet is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// SendAliveMessage registers this instance every interval until ctx is done.
func SendAliveMessage(ctx context.Context, wg *sync.WaitGroup, reg RegServerConfig, ccIP string, ccPort int, status Status) {
	defer wg.Done()
	interval := reg.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	url := fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second)
	id := uuid.NewString()
	logger.Log().Info("registry heartbeat started", zap.String("id", id), zap.String("url", url))

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		device := status.Device()
		reqBody := RegisterRequest{
			Id:            id,
			IP:            ccIP,
			Port:          ccPort,
			InstanceClass: InstanceClassFor(device),
			Device:        device,
			ModelSize:     status.ModelSize(),
			Ready:         status.Ready(),
			TimeStamp:     time.Now().Unix(),
		}
		var respBody RegisterResponse
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			logger.Log().Warn("registry request error", zap.Error(err))
			return
		}
		if resp.IsError() {
			logger.Log().Warn("registry returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
			return
		}
		if !respBody.Success {
			logger.Log().Warn("registry refused registration", zap.String("id", id))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
