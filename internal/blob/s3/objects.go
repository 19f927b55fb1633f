package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// minPartSize is the S3 multipart minimum (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

const ndjson = "application/x-ndjson"

// Objects reads and writes archive objects under the client's key prefix.
// Uploads carry a SHA-256 checksum which S3 verifies before accepting them.
type Objects struct {
	client *s3.Client
	bucket string
	prefix string
}

var (
	_ domain.BlobWriter = (*Objects)(nil)
	_ domain.BlobReader = (*Objects)(nil)
)

// NewObjects creates an Objects over the client's bucket and prefix.
func NewObjects(c *Client) *Objects {
	return &Objects{client: c.s3, bucket: c.bucket, prefix: c.prefix}
}

func (o *Objects) key(p string) string {
	if o.prefix == "" {
		return p
	}
	return path.Join(o.prefix, p)
}

// Put uploads data in one PutObject call.
func (o *Objects) Put(ctx context.Context, p string, data io.Reader, contentType string) error {
	if contentType == "" {
		contentType = ndjson
	}
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(o.bucket),
		Key:               aws.String(o.key(p)),
		Body:              data,
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", p, err)
	}
	return nil
}

// PutMultipart uploads data in concurrent parts of partSize bytes, clamped
// to the S3 minimum. A failed upload is aborted so no parts are left billed.
func (o *Objects) PutMultipart(ctx context.Context, p string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(o.client, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
		u.LeavePartsOnError = false
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(o.bucket),
		Key:               aws.String(o.key(p)),
		Body:              data,
		ContentType:       aws.String(ndjson),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		var mu manager.MultiUploadFailure
		if errors.As(err, &mu) {
			return fmt.Errorf("s3blob: multipart %s (upload %s): %w", p, mu.UploadID(), err)
		}
		return fmt.Errorf("s3blob: multipart %s: %w", p, err)
	}
	return nil
}

// Get returns the object body, which the caller closes. A missing object
// yields domain.ErrNotFound.
func (o *Objects) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", p, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", p, err)
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}
