package uploader

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/lib/log"
)

// scheduler drives one multi-part upload to completion.
type scheduler interface {
	upload(ctx context.Context, uploader multiPartsUploader, src DataSource, params *ObjectParams, eps client.EndpointsProvider, ret interface{}) error
}

// takePart returns the next part to upload, replaying recorded parts
// without touching the network. done is true at end of source.
func takePart(init *initializedParts, src DataSource, partSize int64) (part *SourcePart, recorded *RecordedPart, done bool, err error) {
	sp, err := src.Slice(partSize)
	if err != nil {
		return nil, nil, false, err
	}
	if sp == nil {
		return nil, nil, true, nil
	}
	if init.resumed != nil {
		if rec, ok := init.resumed[sp.PartNumber]; ok && rec.Size == sp.Size && rec.Offset == sp.Offset {
			return sp, &rec, false, nil
		}
	}
	return sp, nil, false, nil
}

// effectivePartSize honors a record's fixed part size over the provider.
func effectivePartSize(init *initializedParts, provider PartSizeProvider) int64 {
	if init.fixedPartSize > 0 {
		return init.fixedPartSize
	}
	return provider.PartSize()
}

// serialScheduler uploads one part at a time, the strictest backpressure.
type serialScheduler struct {
	partSize PartSizeProvider
}

func (s *serialScheduler) upload(ctx context.Context, uploader multiPartsUploader, src DataSource, params *ObjectParams, eps client.EndpointsProvider, ret interface{}) error {
	partSize := s.partSize.PartSize()
	init, err := uploader.initParts(ctx, src, params, eps, partSize)
	if err != nil {
		return err
	}

	var uploaded []*uploadedPart
	var uploadedBytes uint64
	totalSize, _ := src.TotalSize()
	for {
		if err := ctx.Err(); err != nil {
			return client.AsError(err)
		}
		part, recorded, done, err := takePart(init, src, effectivePartSize(init, s.partSize))
		if err != nil {
			return err
		}
		if done {
			break
		}
		if recorded != nil {
			uploaded = append(uploaded, &uploadedPart{
				PartNumber: recorded.PartNumber,
				Etag:       recorded.Etag,
				Size:       recorded.Size,
				Offset:     recorded.Offset,
				Resumed:    true,
			})
			uploadedBytes += uint64(recorded.Size)
			notifyProgress(params, uploadedBytes, totalSize)
			continue
		}
		started := time.Now()
		result, err := uploader.uploadPart(ctx, init, part)
		s.partSize.Feedback(PartSizeFeedback{PartSize: part.Size, Elapsed: time.Since(started), Err: err})
		if err != nil {
			return err
		}
		uploaded = append(uploaded, result)
		uploadedBytes += uint64(result.Size)
		notifyProgress(params, uploadedBytes, totalSize)
	}
	return uploader.completeParts(ctx, init, uploaded, ret)
}

// concurrentScheduler uploads parts in parallel, bounded by the
// concurrency provider. Slicing stays sequential; only uploads fan out.
type concurrentScheduler struct {
	partSize    PartSizeProvider
	concurrency ConcurrencyProvider
}

func (s *concurrentScheduler) upload(ctx context.Context, uploader multiPartsUploader, src DataSource, params *ObjectParams, eps client.EndpointsProvider, ret interface{}) error {
	partSize := s.partSize.PartSize()
	init, err := uploader.initParts(ctx, src, params, eps, partSize)
	if err != nil {
		return err
	}
	concurrency := s.concurrency.Concurrency()
	log.Debugf(nil, "uploading with %d workers", concurrency)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	var mu sync.Mutex
	var uploaded []*uploadedPart
	var uploadedBytes atomic.Uint64
	totalSize, _ := src.TotalSize()

	for {
		if err := groupCtx.Err(); err != nil {
			break
		}
		part, recorded, done, err := takePart(init, src, effectivePartSize(init, s.partSize))
		if err != nil {
			_ = group.Wait()
			return err
		}
		if done {
			break
		}
		if recorded != nil {
			mu.Lock()
			uploaded = append(uploaded, &uploadedPart{
				PartNumber: recorded.PartNumber,
				Etag:       recorded.Etag,
				Size:       recorded.Size,
				Offset:     recorded.Offset,
				Resumed:    true,
			})
			mu.Unlock()
			notifyProgress(params, uploadedBytes.Add(uint64(recorded.Size)), totalSize)
			continue
		}
		// Go acquires a worker slot here, so slicing never runs ahead of
		// the concurrency bound by more than one part.
		group.Go(func() error {
			started := time.Now()
			result, err := uploader.uploadPart(groupCtx, init, part)
			elapsed := time.Since(started)
			// Feedback lands before the slot frees, so parts sliced from
			// then on use the adapted part size. The worker limit stays as
			// read when the upload started.
			s.partSize.Feedback(PartSizeFeedback{PartSize: part.Size, Elapsed: elapsed, Err: err})
			s.concurrency.Feedback(ConcurrencyFeedback{Concurrency: concurrency, Elapsed: elapsed, Err: err})
			if err != nil {
				return err
			}
			mu.Lock()
			uploaded = append(uploaded, result)
			mu.Unlock()
			notifyProgress(params, uploadedBytes.Add(uint64(result.Size)), totalSize)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return client.AsError(err)
	}
	sort.Slice(uploaded, func(i, j int) bool { return uploaded[i].PartNumber < uploaded[j].PartNumber })
	return uploader.completeParts(ctx, init, uploaded, ret)
}

func notifyProgress(params *ObjectParams, uploaded uint64, totalSize int64) {
	if params.OnProgress == nil {
		return
	}
	total := uint64(0)
	if totalSize > 0 {
		total = uint64(totalSize)
	}
	params.OnProgress(uploaded, total)
}
