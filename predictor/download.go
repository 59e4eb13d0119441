package predictor

import (
	"Sam2SegServer/logger"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const chunkSize = 8192

// Downloader fetches checkpoints into dir, reusing files that are already there.
type Downloader struct {
	client *resty.Client
	dir    string
}

// NewDownloader uses client when given; timeout 0 means no limit on the transfer.
func NewDownloader(client *resty.Client, dir string, timeout time.Duration) *Downloader {
	if client == nil {
		client = resty.New()
	}
	client.SetTimeout(timeout)
	return &Downloader{client: client, dir: dir}
}

// Ensure returns the local path of filename, downloading it from url when it is missing.
// The body streams into a temporary file that is renamed into place on success.
func (d *Downloader) Ensure(ctx context.Context, url, filename string) (string, error) {
	path := filepath.Join(d.dir, filename)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		logger.Log().Info("model file already exists", zap.String("file", filename))
		return path, nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}

	logger.Log().Info("downloading model file", zap.String("file", filename), zap.String("url", url))
	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", filename, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return "", fmt.Errorf("download %s: server returned %s", filename, resp.Status())
	}

	tmp, err := os.CreateTemp(d.dir, filename+".*.part")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	var total int64 = -1
	if resp.RawResponse != nil {
		total = resp.RawResponse.ContentLength
	}
	prog := &progress{name: filename, total: total, start: time.Now()}
	_, err = io.CopyBuffer(tmp, io.TeeReader(body, prog), make([]byte, chunkSize))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	logger.Log().Info("model file downloaded",
		zap.String("file", filename),
		zap.Int64("bytes", prog.done),
		zap.Duration("cost", time.Since(prog.start)))
	return path, nil
}

// progress logs every 10% of a known length, or every 64 MiB otherwise.
type progress struct {
	name  string
	total int64
	done  int64
	next  int64
	start time.Time
}

func (p *progress) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.done < p.next {
		return len(b), nil
	}
	if p.total > 0 {
		p.next = p.done + p.total/10
		logger.Log().Info("download progress",
			zap.String("file", p.name),
			zap.Int64("bytes", p.done),
			zap.Int64("total", p.total),
			zap.Int64("percent", p.done*100/p.total))
	} else {
		p.next = p.done + 64<<20
		logger.Log().Info("download progress", zap.String("file", p.name), zap.Int64("bytes", p.done))
	}
	return len(b), nil
}
