package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/kerrors"
	"github.com/kestrel-dl/kestrel/internal/model"
)

// segmentResult is sent by a fetcher goroutine when it terminates.
type segmentResult struct {
	index int
	err   error
}

// fetchSegment downloads one segment with retry-with-fixed-delay, writing
// bytes as they arrive to progressCounter so the aggregator can sum live
// totals across segments. It resumes from an existing partial temp file when
// resume is enabled.
func fetchSegment(ctx context.Context, client *httpclient.Client, url string, seg model.Segment, retryAttempts int, retryDelay time.Duration, enableResume bool, progressCounter *int64) error {
	start := seg.Start
	if enableResume {
		if fi, err := os.Stat(seg.TempPath); err == nil {
			already := fi.Size()
			if already >= seg.Size() {
				atomic.AddInt64(progressCounter, already)
				return nil
			}
			if already > 0 {
				start = seg.Start + already
				atomic.AddInt64(progressCounter, already)
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: segment %d cancelled", kerrors.ErrInternal, seg.Index)
		}
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: segment %d cancelled during retry wait", kerrors.ErrInternal, seg.Index)
			}
		}

		err := attemptSegment(ctx, client, url, seg, start, enableResume, progressCounter)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: segment %d exhausted %d retries: %v", kerrors.ErrTransport, seg.Index, retryAttempts, lastErr)
}

func attemptSegment(ctx context.Context, client *httpclient.Client, url string, seg model.Segment, rangeStart int64, resumeMode bool, progressCounter *int64) error {
	body, _, err := client.GetRange(ctx, url, rangeStart, seg.End)
	if err != nil {
		return err
	}
	defer body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resumeMode && rangeStart > seg.Start {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(seg.TempPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open segment temp file: %v", kerrors.ErrIO, err)
	}
	defer f.Close()

	var attemptBytes int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				atomic.AddInt64(progressCounter, -attemptBytes)
				return fmt.Errorf("%w: write segment temp file: %v", kerrors.ErrIO, werr)
			}
			attemptBytes += int64(n)
			atomic.AddInt64(progressCounter, int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			atomic.AddInt64(progressCounter, -attemptBytes)
			return fmt.Errorf("%w: read segment body: %v", kerrors.ErrTransport, readErr)
		}
		if ctx.Err() != nil {
			atomic.AddInt64(progressCounter, -attemptBytes)
			return fmt.Errorf("%w: segment %d cancelled mid-transfer", kerrors.ErrInternal, seg.Index)
		}
	}
}
