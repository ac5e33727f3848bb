package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store implements ObjectStore on Amazon S3.
type S3Store struct {
	client   S3API
	uploader *manager.Uploader // nil when built from a bare S3API
	logger   *slog.Logger
}

// NewS3Store creates an S3Store. Large Puts go through the multipart uploader.
func NewS3Store(client *s3.Client, logger *slog.Logger) *S3Store {
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		logger:   logger.With("component", "s3"),
	}
}

// NewS3StoreWithAPI creates an S3Store over any S3API implementation.
// Puts are single-request.
func NewS3StoreWithAPI(api S3API, logger *slog.Logger) *S3Store {
	return &S3Store{client: api, logger: logger.With("component", "s3")}
}

// Exists issues a HEAD request; 404 responses report false.
func (s *S3Store) Exists(ctx context.Context, loc URI) (bool, error) {
	s.logger.Debug("s3", "op", "head", "bucket", loc.Bucket, "key", loc.Key)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", loc, err)
}

func (s *S3Store) Get(ctx context.Context, loc URI) (io.ReadCloser, error) {
	s.logger.Debug("s3", "op", "get", "bucket", loc.Bucket, "key", loc.Key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", loc, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, loc URI, body io.Reader, contentType string) error {
	s.logger.Debug("s3", "op", "put", "bucket", loc.Bucket, "key", loc.Key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	var err error
	if s.uploader != nil {
		_, err = s.uploader.Upload(ctx, input)
	} else {
		_, err = s.client.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", loc, err)
	}
	return nil
}

// isNotFound recognises the different ways S3 reports a missing object:
// typed NotFound/NoSuchKey errors, a bare API error code, or an HTTP 404.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
