package s3db

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore against Google Cloud Storage, backing
// the gcs:// scheme. Unlike S3, GCS supports true atomic conditional
// writes via generation preconditions, so Put's IfMatch path has no race
// window the way S3Store's does.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string // optional; falls back to Application Default Credentials
}

// NewGCSStore creates a GCS-backed object store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3db: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (g *GCSStore) obj(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(key)
}

func (g *GCSStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	handle := g.obj(key)
	if opts.IfMatch != "" {
		var gen int64
		if _, err := fmt.Sscanf(opts.IfMatch, "%d", &gen); err != nil {
			return "", WithContext(ErrInvalidConfig, map[string]interface{}{"ifMatch": opts.IfMatch, "reason": "not a GCS generation"})
		}
		handle = handle.If(storage.Conditions{GenerationMatch: gen})
	}
	if opts.IfNoneMatch {
		handle = handle.If(storage.Conditions{DoesNotExist: true})
	}

	writer := handle.NewWriter(ctx)
	if opts.ContentType != "" {
		writer.ContentType = opts.ContentType
	}
	if opts.ContentEncoding != "" {
		writer.ContentEncoding = opts.ContentEncoding
	}
	if len(opts.Metadata) > 0 {
		writer.Metadata = opts.Metadata
	}

	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		if strings.Contains(err.Error(), "conditionNotMet") || strings.Contains(err.Error(), "precondition") {
			return "", WithContext(ErrConflict, map[string]interface{}{"key": key, "expected": opts.IfMatch})
		}
		return "", err
	}

	attrs, err := g.obj(key).Attrs(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", attrs.Generation), nil
}

func (g *GCSStore) attrsToObject(attrs *storage.ObjectAttrs) *Object {
	return &Object{
		Metadata:      attrs.Metadata,
		ContentType:   attrs.ContentType,
		ContentLength: attrs.Size,
		ETag:          fmt.Sprintf("%d", attrs.Generation),
		LastModified:  attrs.Updated,
	}
}

func (g *GCSStore) Get(ctx context.Context, key string) (*Object, error) {
	attrs, err := g.obj(key).Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, WithContext(ErrNotFound, map[string]interface{}{"key": key})
		}
		return nil, err
	}
	reader, err := g.obj(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	result := g.attrsToObject(attrs)
	result.Body = body
	return result, nil
}

func (g *GCSStore) Head(ctx context.Context, key string) (*Object, error) {
	attrs, err := g.obj(key).Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, WithContext(ErrNotFound, map[string]interface{}{"key": key})
		}
		return nil, err
	}
	return g.attrsToObject(attrs), nil
}

func (g *GCSStore) Delete(ctx context.Context, key string) error {
	err := g.obj(key).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}
	return err
}

func (g *GCSStore) DeleteBatch(ctx context.Context, keys []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(keys))
	for _, chunk := range chunkKeys(keys, maxDeleteBatch) {
		for _, key := range chunk {
			err := g.Delete(ctx, key)
			results = append(results, DeleteResult{Key: key, Deleted: err == nil, Err: err})
		}
	}
	return results, nil
}

func (g *GCSStore) Copy(ctx context.Context, from, to string) error {
	_, err := g.obj(to).CopierFrom(g.obj(from)).Run(ctx)
	return err
}

func (g *GCSStore) Move(ctx context.Context, from, to string) error {
	if err := g.Copy(ctx, from, to); err != nil {
		return err
	}
	return g.Delete(ctx, from)
}

func (g *GCSStore) List(ctx context.Context, opts ListOptions) (*ListPage, error) {
	// google-cloud-go's iterator doesn't expose continuation tokens the
	// way S3 does; ListAllKeys + in-memory paging gives callers the same
	// ListPage contract.
	all, err := g.ListAllKeys(ctx, opts.Prefix)
	if err != nil {
		return nil, err
	}
	maxKeys := clampMaxKeys(opts.MaxKeys)
	start := 0
	if opts.ContinuationToken != "" {
		for i, k := range all {
			if k > opts.ContinuationToken {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + maxKeys
	truncated := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	page := &ListPage{Contents: all[start:end], IsTruncated: truncated}
	if truncated {
		page.NextContinuationToken = all[end-1]
	}
	return page, nil
}

func (g *GCSStore) ListAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *GCSStore) CountKeys(ctx context.Context, prefix string) (int, error) {
	keys, err := g.ListAllKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (g *GCSStore) DeleteAllUnder(ctx context.Context, prefix string) error {
	keys, err := g.ListAllKeys(ctx, prefix)
	if err != nil {
		return err
	}
	_, err = g.DeleteBatch(ctx, keys)
	return err
}

func (g *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.Head(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *GCSStore) Ping(ctx context.Context) error {
	_, err := g.client.Bucket(g.bucket).Attrs(ctx)
	return err
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
