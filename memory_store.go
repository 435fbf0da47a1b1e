package s3db

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryObject is the in-process representation of a stored object,
// keeping body+metadata+etag together the way a real object store would.
type memoryObject struct {
	body         []byte
	metadata     map[string]string
	contentType  string
	etag         string
	lastModified time.Time
}

// MemoryStore is an in-process ObjectStore backing the memory:// scheme.
// It is the reference implementation used by the resource runtime's own
// tests — no network, no disk, fully deterministic.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func etagFor(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.IfMatch != "" {
		existing, ok := m.objects[key]
		if !ok || existing.etag != opts.IfMatch {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": opts.IfMatch,
			})
		}
	}
	if opts.IfNoneMatch {
		if _, ok := m.objects[key]; ok {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":    key,
				"reason": "already exists",
			})
		}
	}

	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	etag := etagFor(body)
	m.objects[key] = memoryObject{
		body:         append([]byte(nil), body...),
		metadata:     meta,
		contentType:  opts.ContentType,
		etag:         etag,
		lastModified: time.Now(),
	}
	return etag, nil
}

func (m *MemoryStore) get(key string, withBody bool) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}

	result := &Object{
		Metadata:      obj.metadata,
		ContentType:   obj.contentType,
		ContentLength: int64(len(obj.body)),
		ETag:          obj.etag,
		LastModified:  obj.lastModified,
	}
	if withBody {
		result.Body = append([]byte(nil), obj.body...)
	}
	return result, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Object, error) {
	return m.get(key, true)
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*Object, error) {
	return m.get(key, false)
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) DeleteBatch(ctx context.Context, keys []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(keys))
	for _, chunk := range chunkKeys(keys, maxDeleteBatch) {
		for _, key := range chunk {
			err := m.Delete(ctx, key)
			results = append(results, DeleteResult{Key: key, Deleted: err == nil, Err: err})
		}
	}
	return results, nil
}

func (m *MemoryStore) Copy(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[from]
	if !ok {
		return WithContext(ErrNotFound, map[string]interface{}{"key": from})
	}
	copied := obj
	copied.body = append([]byte(nil), obj.body...)
	copied.lastModified = time.Now()
	m.objects[to] = copied
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, from, to string) error {
	if err := m.Copy(ctx, from, to); err != nil {
		return err
	}
	return m.Delete(ctx, from)
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) (*ListPage, error) {
	m.mu.RLock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		for i, k := range keys {
			if k > opts.ContinuationToken {
				start = i
				break
			}
			start = i + 1
		}
	}

	maxKeys := clampMaxKeys(opts.MaxKeys)
	end := start + maxKeys
	truncated := end < len(keys)
	if end > len(keys) {
		end = len(keys)
	}

	page := &ListPage{Contents: keys[start:end], IsTruncated: truncated}
	if truncated {
		page.NextContinuationToken = keys[end-1]
	}
	return page, nil
}

func (m *MemoryStore) ListAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var all []string
	token := ""
	for {
		page, err := m.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token, MaxKeys: maxListKeys})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Contents...)
		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	return all, nil
}

func (m *MemoryStore) CountKeys(ctx context.Context, prefix string) (int, error) {
	keys, err := m.ListAllKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (m *MemoryStore) DeleteAllUnder(ctx context.Context, prefix string) error {
	keys, err := m.ListAllKeys(ctx, prefix)
	if err != nil {
		return err
	}
	_, err = m.DeleteBatch(ctx, keys)
	return err
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Head(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
