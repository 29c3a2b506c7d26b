package uploader

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/uptoken"
)

// v1Uploader speaks the block-based part protocol: every part goes up as
// one mkblk call returning an opaque ctx, and mkfile commits the ordered
// ctx list. The part size is fixed for the whole upload.
type v1Uploader struct {
	uploaderBase
}

// newV1Uploader makes a v1 part uploader.
func newV1Uploader(cli *client.Client, token uptoken.Provider, recorder ResumableRecorder) *v1Uploader {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &v1Uploader{uploaderBase{cli: cli, token: token, recorder: recorder}}
}

func (u *v1Uploader) version() int {
	return 1
}

type mkblkResponse struct {
	Ctx       string `json:"ctx"`
	Checksum  string `json:"checksum"`
	Crc32     uint32 `json:"crc32"`
	Offset    int64  `json:"offset"`
	ExpiredAt int64  `json:"expired_at"`
}

func (u *v1Uploader) initParts(ctx context.Context, src DataSource, params *ObjectParams, eps client.EndpointsProvider, partSize int64) (*initializedParts, error) {
	bucket, err := u.token.BucketName(ctx)
	if err != nil {
		return nil, &client.Error{Kind: client.KindTokenFetch, Cause: err}
	}
	init := &initializedParts{params: params, endpoints: eps}
	if record := u.loadRecord(src, u.version()); record != nil && record.PartSize > 0 {
		init.record = record
		init.resumed = resumedParts(record)
		init.fixedPartSize = record.PartSize
		return init, nil
	}
	record := u.recordFor(src, params, bucket, u.version(), partSize)
	if err := u.recorder.Start(record); err != nil {
		return nil, err
	}
	init.record = record
	init.fixedPartSize = partSize
	return init, nil
}

func (u *v1Uploader) uploadPart(ctx context.Context, init *initializedParts, part *SourcePart) (*uploadedPart, error) {
	req := &client.Request{
		Method:        http.MethodPost,
		Path:          "/mkblk/" + strconv.FormatInt(part.Size, 10),
		Services:      []endpoints.ServiceName{endpoints.ServiceUp},
		Endpoints:     init.endpoints,
		Authorization: u.authorization(),
		Idempotency:   client.IdempotencyAlways,
	}
	req.SetReaderBody("application/octet-stream", part.Reader, part.Size)
	var resp mkblkResponse
	if err := u.cli.CallJSON(ctx, req, &resp); err != nil {
		return nil, err
	}
	uploaded := &uploadedPart{
		PartNumber: part.PartNumber,
		Etag:       resp.Ctx,
		Size:       part.Size,
		Offset:     part.Offset,
	}
	if resp.ExpiredAt > 0 && init.record.ExpiredAt == 0 {
		init.record.ExpiredAt = resp.ExpiredAt
	}
	if err := u.recorder.AppendPart(init.record.SourceKey, u.version(), RecordedPart{
		PartNumber: uploaded.PartNumber,
		Etag:       uploaded.Etag,
		Size:       uploaded.Size,
		Offset:     uploaded.Offset,
	}); err != nil {
		return nil, err
	}
	return uploaded, nil
}

func (u *v1Uploader) completeParts(ctx context.Context, init *initializedParts, parts []*uploadedPart, ret interface{}) error {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	var totalSize int64
	ctxs := make([]string, 0, len(parts))
	for _, part := range parts {
		totalSize += part.Size
		ctxs = append(ctxs, part.Etag)
	}

	path := "/mkfile/" + strconv.FormatInt(totalSize, 10)
	if init.params.hasKey() {
		path += "/key/" + encodeBase64(init.params.Key)
	}
	if init.params.ContentType != "" {
		path += "/mimeType/" + encodeBase64(init.params.ContentType)
	}
	if init.params.FileName != "" {
		path += "/fname/" + encodeBase64(init.params.FileName)
	}
	for name, value := range init.params.CustomVars {
		if strings.HasPrefix(name, "x:") {
			path += "/" + name + "/" + encodeBase64(value)
		}
	}
	for name, value := range init.params.Metadata {
		path += "/x-qn-meta-" + name + "/" + encodeBase64(value)
	}

	req := &client.Request{
		Method:        http.MethodPost,
		Path:          path,
		Services:      []endpoints.ServiceName{endpoints.ServiceUp},
		Endpoints:     init.endpoints,
		Authorization: u.authorization(),
		Idempotency:   client.IdempotencyAlways,
	}
	req.SetBodyBytes("text/plain", []byte(strings.Join(ctxs, ",")))
	if err := u.cli.CallJSON(ctx, req, ret); err != nil {
		u.dropRecordIfPermanent(init, u.version(), err)
		return fmt.Errorf("commit %d parts: %w", len(parts), err)
	}
	_ = u.recorder.Delete(init.record.SourceKey, u.version())
	return nil
}
