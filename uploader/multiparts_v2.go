package uploader

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/lib/log"
	"github.com/rclone/kodo/uptoken"
)

// v2Uploader speaks the upload-id based part protocol: initiate issues an
// upload id, parts go up under (upload id, part number) and return etags,
// and complete commits the ordered part list.
type v2Uploader struct {
	uploaderBase
}

// newV2Uploader makes a v2 part uploader.
func newV2Uploader(cli *client.Client, token uptoken.Provider, recorder ResumableRecorder) *v2Uploader {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &v2Uploader{uploaderBase{cli: cli, token: token, recorder: recorder}}
}

func (u *v2Uploader) version() int {
	return 2
}

// basePath is the per-object prefix of every v2 upload call.
func (u *v2Uploader) basePath(bucket string, params *ObjectParams) string {
	encodedKey := "~"
	if params.hasKey() {
		encodedKey = encodeBase64(params.Key)
	}
	return "/buckets/" + bucket + "/objects/" + encodedKey + "/uploads"
}

type initiateResponse struct {
	UploadID string `json:"uploadId"`
	ExpireAt int64  `json:"expireAt"`
}

type uploadPartResponse struct {
	Etag string `json:"etag"`
	Md5  string `json:"md5"`
}

func (u *v2Uploader) initParts(ctx context.Context, src DataSource, params *ObjectParams, eps client.EndpointsProvider, partSize int64) (*initializedParts, error) {
	bucket, err := u.token.BucketName(ctx)
	if err != nil {
		return nil, &client.Error{Kind: client.KindTokenFetch, Cause: err}
	}
	init := &initializedParts{params: params, endpoints: eps}
	if record := u.loadRecord(src, u.version()); record != nil && record.UploadID != "" {
		log.Debugf(nil, "resuming upload %s with %d parts done", record.UploadID, len(record.Parts))
		init.record = record
		init.resumed = resumedParts(record)
		if record.PartSize > 0 {
			init.fixedPartSize = record.PartSize
		}
		return init, nil
	}

	req := &client.Request{
		Method:        http.MethodPost,
		Path:          u.basePath(bucket, params),
		Services:      []endpoints.ServiceName{endpoints.ServiceUp},
		Endpoints:     eps,
		Authorization: u.authorization(),
		Idempotency:   client.IdempotencyAlways,
	}
	var resp initiateResponse
	if err := u.cli.CallJSON(ctx, req, &resp); err != nil {
		return nil, err
	}
	record := u.recordFor(src, params, bucket, u.version(), partSize)
	record.UploadID = resp.UploadID
	record.ExpiredAt = resp.ExpireAt
	if err := u.recorder.Start(record); err != nil {
		return nil, err
	}
	init.record = record
	return init, nil
}

func (u *v2Uploader) uploadPart(ctx context.Context, init *initializedParts, part *SourcePart) (*uploadedPart, error) {
	req := &client.Request{
		Method:        http.MethodPut,
		Path:          u.basePath(init.record.Bucket, init.params) + "/" + init.record.UploadID + "/" + strconv.Itoa(part.PartNumber),
		Services:      []endpoints.ServiceName{endpoints.ServiceUp},
		Endpoints:     init.endpoints,
		Authorization: u.authorization(),
	}
	req.SetReaderBody("application/octet-stream", part.Reader, part.Size)
	var resp uploadPartResponse
	if err := u.cli.CallJSON(ctx, req, &resp); err != nil {
		return nil, err
	}
	uploaded := &uploadedPart{
		PartNumber: part.PartNumber,
		Etag:       resp.Etag,
		Size:       part.Size,
		Offset:     part.Offset,
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

type completePartJSON struct {
	PartNumber int    `json:"partNumber"`
	Etag       string `json:"etag"`
}

type completeBodyJSON struct {
	Parts      []completePartJSON `json:"parts"`
	FileName   string             `json:"fname,omitempty"`
	MimeType   string             `json:"mimeType,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	CustomVars map[string]string  `json:"customVars,omitempty"`
}

func (u *v2Uploader) completeParts(ctx context.Context, init *initializedParts, parts []*uploadedPart, ret interface{}) error {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	body := completeBodyJSON{
		Parts:      make([]completePartJSON, 0, len(parts)),
		FileName:   init.params.FileName,
		MimeType:   init.params.ContentType,
		CustomVars: init.params.CustomVars,
	}
	if len(init.params.Metadata) > 0 {
		body.Metadata = make(map[string]string, len(init.params.Metadata))
		for name, value := range init.params.Metadata {
			body.Metadata["x-qn-meta-"+name] = value
		}
	}
	for _, part := range parts {
		body.Parts = append(body.Parts, completePartJSON{PartNumber: part.PartNumber, Etag: part.Etag})
	}

	req := &client.Request{
		Method:        http.MethodPost,
		Path:          u.basePath(init.record.Bucket, init.params) + "/" + init.record.UploadID,
		Services:      []endpoints.ServiceName{endpoints.ServiceUp},
		Endpoints:     init.endpoints,
		Authorization: u.authorization(),
		Idempotency:   client.IdempotencyAlways,
	}
	if err := req.SetJSONBody(&body); err != nil {
		return err
	}
	if err := u.cli.CallJSON(ctx, req, ret); err != nil {
		u.dropRecordIfPermanent(init, u.version(), err)
		return fmt.Errorf("complete %d parts: %w", len(parts), err)
	}
	_ = u.recorder.Delete(init.record.SourceKey, u.version())
	return nil
}

// abort cancels a dangling upload on the server and drops its record.
func (u *v2Uploader) abort(ctx context.Context, init *initializedParts) error {
	if init.record.UploadID == "" {
		return nil
	}
	req := &client.Request{
		Method:        http.MethodDelete,
		Path:          u.basePath(init.record.Bucket, init.params) + "/" + init.record.UploadID,
		Services:      []endpoints.ServiceName{endpoints.ServiceUp},
		Endpoints:     init.endpoints,
		Authorization: u.authorization(),
	}
	if err := u.cli.Call(ctx, req); err != nil {
		return err
	}
	return u.recorder.Delete(init.record.SourceKey, u.version())
}
