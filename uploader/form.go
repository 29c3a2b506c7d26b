package uploader

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/uptoken"
)

// formUploader uploads a whole source in one multipart/form-data call,
// with a client-side crc32 the server verifies.
type formUploader struct {
	cli   *client.Client
	token uptoken.Provider
}

func newFormUploader(cli *client.Client, token uptoken.Provider) *formUploader {
	return &formUploader{cli: cli, token: token}
}

func (u *formUploader) upload(ctx context.Context, src DataSource, params *ObjectParams, eps client.EndpointsProvider, ret interface{}) error {
	// The form body is buffered so a retried attempt can replay it.
	data, err := readAll(src)
	if err != nil {
		return &client.Error{Kind: client.KindTransport, Cause: err}
	}
	token, err := u.token.Token(ctx)
	if err != nil {
		return &client.Error{Kind: client.KindTokenFetch, Cause: err}
	}

	contentType := params.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	fileName := params.FileName
	if fileName == "" {
		fileName = "untitled"
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("token", token); err != nil {
		return err
	}
	if params.hasKey() {
		if err := form.WriteField("key", params.Key); err != nil {
			return err
		}
	}
	if err := form.WriteField("crc32", strconv.FormatUint(uint64(crc32.ChecksumIEEE(data)), 10)); err != nil {
		return err
	}
	for name, value := range params.CustomVars {
		if err := form.WriteField(name, value); err != nil {
			return err
		}
	}
	for name, value := range params.Metadata {
		if err := form.WriteField("x-qn-meta-"+name, value); err != nil {
			return err
		}
	}
	header := make(map[string][]string, 2)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + escapeQuotes(fileName) + `"`}
	header["Content-Type"] = []string{contentType}
	file, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	req := &client.Request{
		Method:        http.MethodPost,
		Path:          "/",
		Services:      []endpoints.ServiceName{endpoints.ServiceUp},
		Endpoints:     eps,
		Idempotency:   client.IdempotencyAlways,
		Callbacks:     progressCallbacks(params),
	}
	req.SetBodyBytes(form.FormDataContentType(), body.Bytes())
	return u.cli.CallJSON(ctx, req, ret)
}

func progressCallbacks(params *ObjectParams) *client.Callbacks {
	if params.OnProgress == nil {
		return nil
	}
	cbs := &client.Callbacks{}
	cbs.OnProgress(func(cc *client.CallbackContext, uploaded, total uint64) error {
		params.OnProgress(uploaded, total)
		return nil
	})
	return cbs
}

// readAll drains a source through its part interface.
func readAll(src DataSource) ([]byte, error) {
	var buf bytes.Buffer
	for {
		part, err := src.Slice(DefaultPartSize)
		if err != nil {
			return nil, err
		}
		if part == nil {
			return buf.Bytes(), nil
		}
		if _, err := io.Copy(&buf, part.Reader); err != nil {
			return nil, err
		}
	}
}

func escapeQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
