package framevault

import (
	"context"
	"runtime"
	"strconv"

	"github.com/framevault/framevault/internal/compress"
	"github.com/framevault/framevault/internal/container"
	"github.com/framevault/framevault/internal/digest"
)

// ===========================================================================
// VERIFY
// ===========================================================================
//
// Verify re-validates the container from disk: header pair, last valid
// footer, TOC decode and range invariants. A deep verify additionally
// recomputes every frame's stored digest over its payload range,
// decompresses compressed frames against their canonical digest, and
// recomputes every segment checksum. Long loops yield the scheduler and
// honor cancellation between items.
//
// ===========================================================================

// yieldEvery bounds the items processed between cooperative yields.
const yieldEvery = 16

// VerifyResult summarizes a verification pass.
type VerifyResult struct {
	Generation      uint64
	FrameCount      int
	SegmentsChecked int
	PayloadsChecked int
	Deep            bool
}

// Verify re-validates the container. With deep set it also recomputes
// payload and segment digests.
func (s *Store) Verify(ctx context.Context, deep bool) (*VerifyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	pageA := make([]byte, container.HeaderPageSize)
	pageB := make([]byte, container.HeaderPageSize)
	if err := s.f.ReadExactly(pageA, 0); err != nil {
		return nil, ioErr("header read", err)
	}
	if err := s.f.ReadExactly(pageB, container.HeaderPageSize); err != nil {
		return nil, ioErr("header read", err)
	}
	header, _, err := container.SelectHeader(pageA, pageB)
	if err != nil {
		return nil, err
	}

	fileSize, err := s.f.Size()
	if err != nil {
		return nil, ioErr("stat", err)
	}
	footer, footerOff, tocBytes, err := container.LocateFooter(s.f, int64(header.FooterOffset), fileSize)
	if err != nil {
		return nil, err
	}
	toc, _, err := container.DecodeTOC(tocBytes)
	if err != nil {
		return nil, err
	}
	if err := toc.Validate(dataStart(header.WALSize), uint64(footerOff)); err != nil {
		return nil, err
	}

	result := &VerifyResult{
		Generation: footer.FileGeneration,
		FrameCount: len(toc.Frames),
		Deep:       deep,
	}
	if !deep {
		return result, nil
	}

	for i := range toc.Frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i%yieldEvery == 0 {
			runtime.Gosched()
		}
		f := &toc.Frames[i]
		if f.PayloadLength == 0 {
			continue
		}
		sum, err := digest.SumRange(s.f, int64(f.PayloadOffset), int64(f.PayloadLength), runtime.Gosched)
		if err != nil {
			return nil, ioErr("payload digest", err)
		}
		if sum != f.StoredDigest {
			return nil, &ChecksumMismatchError{Scope: frameScope(f.ID, "payload")}
		}
		if f.Encoding != compress.Plain {
			stored := make([]byte, f.PayloadLength)
			if err := s.f.ReadExactly(stored, int64(f.PayloadOffset)); err != nil {
				return nil, ioErr("payload read", err)
			}
			canonical, err := compress.Decompress(f.Encoding, stored, int(*f.CanonicalLength))
			if err != nil {
				return nil, &DecodingError{Reason: err.Error()}
			}
			if digest.Sum(canonical) != f.CanonicalDigest {
				return nil, &ChecksumMismatchError{Scope: frameScope(f.ID, "canonical content")}
			}
		}
		result.PayloadsChecked++
	}

	for i, seg := range toc.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i%yieldEvery == 0 {
			runtime.Gosched()
		}
		sum, err := digest.SumRange(s.f, int64(seg.Offset), int64(seg.Length), runtime.Gosched)
		if err != nil {
			return nil, ioErr("segment digest", err)
		}
		if sum != seg.Checksum {
			return nil, &ChecksumMismatchError{Scope: "segment " + seg.Kind.String()}
		}
		result.SegmentsChecked++
	}
	return result, nil
}

func frameScope(id uint64, what string) string {
	return "frame " + strconv.FormatUint(id, 10) + " " + what
}
