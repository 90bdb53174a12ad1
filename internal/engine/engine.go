// Package engine implements the segmented parallel HTTP download engine
// (C3): HEAD probe, parallel ranged GETs with per-segment retry, progress
// aggregation, merge, and fallback signaling to the external extractor for
// adaptive streams or unprobeable URLs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/kerrors"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/segment"
)

// ErrNeedsExtractor signals that the URL must be handed off to the external
// extractor runner (C4) instead of being range-fetched: either it looks like
// an adaptive manifest, or the HEAD/size probe failed.
var ErrNeedsExtractor = errors.New("engine: requires external extractor")

const oneMiB = 1024 * 1024

// Config configures one Engine instance. All durations and counts default to
// the spec's values via NewConfig.
type Config struct {
	MaxSegments   int
	RetryAttempts int
	RetryDelay    time.Duration
	RequestDelay  time.Duration
	EnableResume  bool
	Logger        *slog.Logger
}

// NewConfig returns the spec's documented defaults.
func NewConfig() Config {
	return Config{
		MaxSegments:   16,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
		RequestDelay:  100 * time.Millisecond,
		EnableResume:  true,
	}
}

// Engine drives one download at a time per call to Download; a caller may
// run multiple Engines concurrently (the queue manager does, one per active
// task).
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	client *httpclient.Client
}

// New builds an Engine over the given HTTP client.
func New(cfg Config, client *httpclient.Client) *Engine {
	return &Engine{cfg: normalizeConfig(cfg), client: client}
}

// UpdateConfig swaps the engine's tunables. Already-running downloads keep
// the settings they started with; only calls to Download made after this
// returns observe the new values (picked up by the queue manager's next
// scheduler tick, not the downloads already in flight).
func (e *Engine) UpdateConfig(cfg Config) {
	cfg = normalizeConfig(cfg)
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func normalizeConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = NewConfig().MaxSegments
	}
	return cfg
}

// Download fetches sourceURL into destPath, using scratchDir for segment
// temp files. sink receives consolidated progress throughout. It returns
// ErrNeedsExtractor when the caller should retry via the external extractor
// instead.
func (e *Engine) Download(ctx context.Context, sourceURL, destPath, scratchDir string, sink Sink) error {
	if LooksAdaptive(sourceURL) {
		return fmt.Errorf("%w: adaptive manifest heuristic matched", ErrNeedsExtractor)
	}

	probe, err := e.client.Probe(ctx, sourceURL)
	if err != nil {
		return fmt.Errorf("%w: HEAD probe failed: %v", ErrNeedsExtractor, err)
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("%w: create scratch dir: %v", kerrors.ErrIO, err)
	}

	if !probe.SupportsRanges || probe.ContentLength < oneMiB {
		return e.downloadSingle(ctx, sourceURL, destPath, probe.ContentLength, sink)
	}
	return e.downloadSegmented(ctx, sourceURL, destPath, scratchDir, probe.ContentLength, sink)
}

// downloadSingle performs a single streamed GET, for small files or servers
// that do not advertise range support.
func (e *Engine) downloadSingle(ctx context.Context, sourceURL, destPath string, totalBytes int64, sink Sink) error {
	body, _, err := e.client.GetFull(ctx, sourceURL)
	if err != nil {
		return fmt.Errorf("%w: single GET failed: %v", kerrors.ErrTransport, err)
	}
	defer body.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open destination: %v", kerrors.ErrIO, err)
	}
	defer out.Close()

	var downloaded int64
	lastEmit := time.Now()
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: download cancelled", kerrors.ErrInternal)
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: write destination: %v", kerrors.ErrIO, werr)
			}
			downloaded += int64(n)
			if sink != nil && time.Since(lastEmit) >= time.Second {
				sink.OnProgress(downloaded, totalBytes, 0, 0, 1)
				lastEmit = time.Now()
			}
		}
		if readErr != nil {
			break
		}
	}
	if sink != nil {
		sink.OnProgress(downloaded, totalBytes, 0, 1, 1)
	}
	return out.Sync()
}

// downloadSegmented computes a segment plan, launches one fetcher goroutine
// per segment with a fixed stagger delay, aggregates their progress, and
// merges on success. The first segment to exhaust retries cancels its
// siblings cooperatively via ctx.
func (e *Engine) downloadSegmented(ctx context.Context, sourceURL, destPath, scratchDir string, totalBytes int64, sink Sink) error {
	cfg := e.config()
	segments := segment.Plan(totalBytes, cfg.MaxSegments, scratchDir)
	if len(segments) == 0 {
		return e.downloadSingle(ctx, sourceURL, destPath, totalBytes, sink)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	counters := make([]*int64, len(segments))
	for i := range counters {
		var c int64
		counters[i] = &c
	}
	var completed int32

	done := make(chan struct{})
	if sink != nil {
		go func() {
			runAggregator(done, counters, &completed, totalBytes, sink)
		}()
	}

	resultCh := make(chan segmentResult, len(segments))
	var wg sync.WaitGroup
	for i, seg := range segments {
		wg.Add(1)
		go func(idx int, s model.Segment) {
			defer wg.Done()
			if idx > 0 {
				select {
				case <-time.After(time.Duration(idx) * cfg.RequestDelay):
				case <-runCtx.Done():
					resultCh <- segmentResult{index: idx, err: fmt.Errorf("%w: cancelled before start", kerrors.ErrInternal)}
					return
				}
			}
			err := fetchSegment(runCtx, e.client, sourceURL, s, cfg.RetryAttempts, cfg.RetryDelay, cfg.EnableResume, counters[idx])
			if err == nil {
				atomic.AddInt32(&completed, 1)
			}
			resultCh <- segmentResult{index: idx, err: err}
		}(i, seg)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var firstErr error
	for res := range resultCh {
		if res.err != nil && firstErr == nil {
			firstErr = res.err
			cancel()
		}
	}
	close(done)

	if firstErr != nil {
		cleanupSegments(segments, cfg.Logger)
		return firstErr
	}

	if sink != nil {
		sink.OnProgress(totalBytes, totalBytes, 0, len(segments), len(segments))
	}

	mergedCount := 0
	err := merge(segments, destPath, func(idx int) {
		mergedCount++
		if sink != nil {
			sink.OnProgress(totalBytes, totalBytes, 0, len(segments), len(segments))
		}
	}, cfg.Logger)
	if err != nil {
		return err
	}
	return nil
}
