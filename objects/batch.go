package objects

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/uptoken"
)

// Operation is one encoded entry of a batch.
type Operation struct {
	op string
}

// BatchStat makes a stat operation.
func BatchStat(e Entry) Operation {
	return Operation{op: statOp(e)}
}

// BatchDelete makes a delete operation.
func BatchDelete(e Entry) Operation {
	return Operation{op: deleteOp(e)}
}

// BatchCopy makes a copy operation.
func BatchCopy(src, dst Entry, force bool) Operation {
	return Operation{op: copyOp(src, dst, force)}
}

// BatchMove makes a move operation.
func BatchMove(src, dst Entry, force bool) Operation {
	return Operation{op: moveOp(src, dst, force)}
}

// BatchChangeType makes a storage class change operation.
func BatchChangeType(e Entry, fileType uptoken.FileType) Operation {
	return Operation{op: chtypeOp(e, fileType)}
}

// BatchSetLifetime makes a lifetime change operation.
func BatchSetLifetime(e Entry, days int) Operation {
	return Operation{op: deleteAfterDaysOp(e, days)}
}

// BatchRestoreArchive makes a restore operation.
func BatchRestoreArchive(e Entry, freezeAfterDays int) Operation {
	return Operation{op: restoreArOp(e, freezeAfterDays)}
}

// BatchResult is the outcome of one operation in a batch. A failed
// element carries its status code and message in-line; it does not fail
// the batch.
type BatchResult struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the element succeeded.
func (r *BatchResult) OK() bool {
	return r.Code == http.StatusOK
}

// ErrorMessage returns the server's message for a failed element.
func (r *BatchResult) ErrorMessage() string {
	if r.OK() || len(r.Data) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(r.Data, &body) != nil {
		return ""
	}
	return body.Error
}

// Object decodes the element's data as object metadata, for stat
// operations.
func (r *BatchResult) Object() (*ObjectInfo, error) {
	info := new(ObjectInfo)
	if err := json.Unmarshal(r.Data, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Batch runs the operations against the bucket's rs service, at most
// BatchLimit per call. Results come back in operation order, one per operation.
func (m *Manager) Batch(ctx context.Context, bucket string, operations []Operation) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(operations))
	for len(operations) > 0 {
		chunk := operations
		if len(chunk) > m.opts.BatchLimit {
			chunk = chunk[:m.opts.BatchLimit]
		}
		operations = operations[len(chunk):]

		part, err := m.batchCall(ctx, bucket, chunk)
		if err != nil {
			return results, err
		}
		results = append(results, part...)
	}
	return results, nil
}

func (m *Manager) batchCall(ctx context.Context, bucket string, operations []Operation) ([]BatchResult, error) {
	provider, err := m.endpointsFor(ctx, bucket)
	if err != nil {
		return nil, err
	}
	form := make(url.Values, 1)
	for _, op := range operations {
		form.Add("op", op.op)
	}
	req := &client.Request{
		Method:        http.MethodPost,
		Path:          "/batch",
		Services:      []endpoints.ServiceName{endpoints.ServiceRs},
		Endpoints:     provider,
		Authorization: client.NewAuthorizationV2(m.opts.Credentials),
		Idempotency:   client.IdempotencyDefault,
	}
	req.SetFormBody(form)
	// A batch with failed elements comes back as 298; that still parses
	// as a success here and the failures stay in-line per element.
	var results []BatchResult
	if err := m.cli.CallJSON(ctx, req, &results); err != nil {
		return nil, err
	}
	return results, nil
}
