package s3db

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store implements ObjectStore against AWS S3 or any S3-compatible
// endpoint (MinIO, R2, etc. via BaseEndpoint + path-style addressing).
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates an S3-backed object store.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return ErrNotFound
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return ErrBucketNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"):
		return ErrNotFound
	case strings.Contains(msg, "AccessDenied"):
		return ErrUnauthorized
	case strings.Contains(msg, "NoSuchBucket"):
		return ErrBucketNotFound
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "TooManyRequests"):
		return ErrThrottled
	case strings.Contains(msg, "PreconditionFailed"), strings.Contains(msg, "ConditionalRequestConflict"):
		return ErrConflict
	}
	return err
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	if opts.IfMatch != "" {
		head, err := s.Head(ctx, key)
		if err != nil {
			return "", err
		}
		if head.ETag != opts.IfMatch {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key": key, "expected": opts.IfMatch, "actual": head.ETag,
			})
		}
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if opts.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		input.ContentEncoding = aws.String(opts.ContentEncoding)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	result, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket, "key": key})
	}
	return strings.Trim(aws.ToString(result.ETag), `"`), nil
}

func (s *S3Store) get(ctx context.Context, key string, withBody bool) (*Object, error) {
	if withBody {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket, "key": key})
		}
		defer func() { _ = result.Body.Close() }()

		body, err := io.ReadAll(result.Body)
		if err != nil {
			return nil, err
		}
		return &Object{
			Body:          body,
			Metadata:      result.Metadata,
			ContentType:   aws.ToString(result.ContentType),
			ContentLength: aws.ToInt64(result.ContentLength),
			ETag:          strings.Trim(aws.ToString(result.ETag), `"`),
			LastModified:  aws.ToTime(result.LastModified),
		}, nil
	}

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket, "key": key})
	}
	return &Object{
		Metadata:      result.Metadata,
		ContentType:   aws.ToString(result.ContentType),
		ContentLength: aws.ToInt64(result.ContentLength),
		ETag:          strings.Trim(aws.ToString(result.ETag), `"`),
		LastModified:  aws.ToTime(result.LastModified),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error)  { return s.get(ctx, key, true) }
func (s *S3Store) Head(ctx context.Context, key string) (*Object, error) { return s.get(ctx, key, false) }

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket, "key": key})
	}
	return nil
}

// DeleteBatch chunks at 1000 keys (S3's DeleteObjects limit) and reports
// per-key success, per §4.1.
func (s *S3Store) DeleteBatch(ctx context.Context, keys []string) ([]DeleteResult, error) {
	var results []DeleteResult
	for _, chunk := range chunkKeys(keys, maxDeleteBatch) {
		objs := make([]types.ObjectIdentifier, len(chunk))
		for i, k := range chunk {
			objs[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objs},
		})
		if err != nil {
			for _, k := range chunk {
				results = append(results, DeleteResult{Key: k, Deleted: false, Err: mapS3Error(err)})
			}
			continue
		}

		deleted := make(map[string]bool, len(out.Deleted))
		for _, d := range out.Deleted {
			deleted[aws.ToString(d.Key)] = true
		}
		errored := make(map[string]error, len(out.Errors))
		for _, e := range out.Errors {
			errored[aws.ToString(e.Key)] = WithContext(ErrBackendUnavailable, map[string]interface{}{
				"code": aws.ToString(e.Code), "message": aws.ToString(e.Message),
			})
		}
		for _, k := range chunk {
			if err, failed := errored[k]; failed {
				results = append(results, DeleteResult{Key: k, Deleted: false, Err: err})
			} else {
				results = append(results, DeleteResult{Key: k, Deleted: deleted[k]})
			}
		}
	}
	return results, nil
}

// Copy issues a server-side CopyObject.
func (s *S3Store) Copy(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(s.bucket + "/" + from),
	})
	if err != nil {
		return WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket, "from": from, "to": to})
	}
	return nil
}

// Move is copy-then-delete; S3 has no atomic rename (§4.1).
func (s *S3Store) Move(ctx context.Context, from, to string) error {
	if err := s.Copy(ctx, from, to); err != nil {
		return err
	}
	return s.Delete(ctx, from)
}

func (s *S3Store) List(ctx context.Context, opts ListOptions) (*ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(opts.Prefix),
		MaxKeys: aws.Int32(int32(clampMaxKeys(opts.MaxKeys))),
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket, "prefix": opts.Prefix})
	}

	keys := make([]string, len(out.Contents))
	for i, obj := range out.Contents {
		keys[i] = aws.ToString(obj.Key)
	}

	return &ListPage{
		Contents:              keys,
		IsTruncated:           aws.ToBool(out.IsTruncated),
		NextContinuationToken: aws.ToString(out.NextContinuationToken),
	}, nil
}

func (s *S3Store) ListAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var all []string
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(prefix)}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket, "prefix": prefix})
		}
		for _, obj := range page.Contents {
			all = append(all, aws.ToString(obj.Key))
		}
	}
	return all, nil
}

func (s *S3Store) CountKeys(ctx context.Context, prefix string) (int, error) {
	keys, err := s.ListAllKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *S3Store) DeleteAllUnder(ctx context.Context, prefix string) error {
	keys, err := s.ListAllKeys(ctx, prefix)
	if err != nil {
		return err
	}
	_, err = s.DeleteBatch(ctx, keys)
	return err
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return WithContext(mapS3Error(err), map[string]interface{}{"bucket": s.bucket})
	}
	return nil
}

func (s *S3Store) Close() error { return nil }
