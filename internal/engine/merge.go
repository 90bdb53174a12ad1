package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kestrel-dl/kestrel/internal/kerrors"
	"github.com/kestrel-dl/kestrel/internal/model"
)

const mergeBufferSize = 8 * 1024

// merge copies each segment's temp file into dest, in index order, using an
// 8 KiB buffer, emitting a merge-progress callback per copied segment. It
// always attempts best-effort cleanup of the segment temp files afterward,
// regardless of success, logging (not failing) on cleanup errors.
func merge(segments []model.Segment, dest string, onSegmentMerged func(index int), logger *slog.Logger) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open destination for merge: %v", kerrors.ErrIO, err)
	}
	defer cleanupSegments(segments, logger)

	buf := make([]byte, mergeBufferSize)
	for _, seg := range segments {
		if err := copyOneSegment(out, seg, buf); err != nil {
			out.Close()
			return err
		}
		if onSegmentMerged != nil {
			onSegmentMerged(seg.Index)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("%w: fsync merged file: %v", kerrors.ErrIO, err)
	}
	return out.Close()
}

func copyOneSegment(out *os.File, seg model.Segment, buf []byte) error {
	in, err := os.Open(seg.TempPath)
	if err != nil {
		return fmt.Errorf("%w: open segment %d for merge: %v", kerrors.ErrIO, seg.Index, err)
	}
	defer in.Close()

	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return fmt.Errorf("%w: copy segment %d into destination: %v", kerrors.ErrIO, seg.Index, err)
	}
	return nil
}

func cleanupSegments(segments []model.Segment, logger *slog.Logger) {
	for _, seg := range segments {
		if err := os.Remove(seg.TempPath); err != nil && !os.IsNotExist(err) {
			if logger != nil {
				logger.Warn("failed to remove segment temp file", "path", seg.TempPath, "error", err)
			}
		}
	}
}
