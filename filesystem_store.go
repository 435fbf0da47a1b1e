package s3db

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fsEnvelope is how FilesystemStore persists metadata alongside a body:
// the local filesystem has no header concept, so body and metadata are
// packed into one JSON envelope per key, the way the teacher's
// FilesystemBackend packs everything into a single file per key.
type fsEnvelope struct {
	Body        []byte            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
}

// FilesystemStore implements ObjectStore on the local filesystem,
// backing the file:// scheme (development and single-node deployments).
type FilesystemStore struct {
	basePath string
	locks    *StripedLocks
}

// NewFilesystemStore creates a filesystem-backed object store rooted at
// basePath, with 32 lock stripes guarding per-key conditional writes.
func NewFilesystemStore(basePath string) *FilesystemStore {
	return &FilesystemStore{basePath: basePath, locks: NewStripedLocks(32)}
}

func (f *FilesystemStore) path(key string) string {
	return filepath.Join(f.basePath, key)
}

func (f *FilesystemStore) readEnvelope(key string) (*fsEnvelope, error) {
	raw, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WithContext(ErrNotFound, map[string]interface{}{"key": key})
		}
		if os.IsPermission(err) {
			return nil, WithContext(ErrUnauthorized, map[string]interface{}{"key": key})
		}
		return nil, err
	}
	var env fsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"key": key, "cause": err.Error()})
	}
	return &env, nil
}

func (f *FilesystemStore) writeEnvelope(key string, env *fsEnvelope) (string, error) {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, DefaultFilePermissions); err != nil {
		return "", err
	}
	sum := md5.Sum(env.Body)
	return hex.EncodeToString(sum[:]), nil
}

func (f *FilesystemStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	unlock := f.locks.Lock(key)
	defer unlock()

	if opts.IfMatch != "" {
		existing, err := f.readEnvelope(key)
		if err != nil && !IsNotFound(err) {
			return "", err
		}
		currentETag := ""
		if existing != nil {
			sum := md5.Sum(existing.Body)
			currentETag = hex.EncodeToString(sum[:])
		}
		if currentETag != opts.IfMatch {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key": key, "expected": opts.IfMatch, "actual": currentETag,
			})
		}
	}
	if opts.IfNoneMatch {
		if _, err := f.readEnvelope(key); err == nil {
			return "", WithContext(ErrConflict, map[string]interface{}{"key": key, "reason": "already exists"})
		} else if !IsNotFound(err) {
			return "", err
		}
	}

	env := &fsEnvelope{Body: body, Metadata: opts.Metadata, ContentType: opts.ContentType}
	return f.writeEnvelope(key, env)
}

func (f *FilesystemStore) get(key string, withBody bool) (*Object, error) {
	env, err := f.readEnvelope(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(f.path(key))
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(env.Body)
	obj := &Object{
		Metadata:      env.Metadata,
		ContentType:   env.ContentType,
		ContentLength: int64(len(env.Body)),
		ETag:          hex.EncodeToString(sum[:]),
		LastModified:  info.ModTime(),
	}
	if withBody {
		obj.Body = env.Body
	}
	return obj, nil
}

func (f *FilesystemStore) Get(ctx context.Context, key string) (*Object, error)  { return f.get(key, true) }
func (f *FilesystemStore) Head(ctx context.Context, key string) (*Object, error) { return f.get(key, false) }

func (f *FilesystemStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return WithContext(ErrNotFound, map[string]interface{}{"key": key})
		}
		if os.IsPermission(err) {
			return WithContext(ErrUnauthorized, map[string]interface{}{"key": key})
		}
		return err
	}
	return nil
}

func (f *FilesystemStore) DeleteBatch(ctx context.Context, keys []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(keys))
	for _, chunk := range chunkKeys(keys, maxDeleteBatch) {
		for _, key := range chunk {
			err := f.Delete(ctx, key)
			results = append(results, DeleteResult{Key: key, Deleted: err == nil, Err: err})
		}
	}
	return results, nil
}

func (f *FilesystemStore) Copy(ctx context.Context, from, to string) error {
	env, err := f.readEnvelope(from)
	if err != nil {
		return err
	}
	_, err = f.writeEnvelope(to, env)
	return err
}

func (f *FilesystemStore) Move(ctx context.Context, from, to string) error {
	if err := f.Copy(ctx, from, to); err != nil {
		return err
	}
	return f.Delete(ctx, from)
}

func (f *FilesystemStore) List(ctx context.Context, opts ListOptions) (*ListPage, error) {
	keys, err := f.ListAllKeys(ctx, opts.Prefix)
	if err != nil {
		return nil, err
	}
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

func (f *FilesystemStore) ListAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	searchPath := f.path(prefix)

	if _, err := os.Stat(searchPath); os.IsNotExist(err) {
		return keys, nil
	}

	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(f.basePath, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	return keys, err
}

func (f *FilesystemStore) CountKeys(ctx context.Context, prefix string) (int, error) {
	keys, err := f.ListAllKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (f *FilesystemStore) DeleteAllUnder(ctx context.Context, prefix string) error {
	keys, err := f.ListAllKeys(ctx, prefix)
	if err != nil {
		return err
	}
	_, err = f.DeleteBatch(ctx, keys)
	return err
}

func (f *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *FilesystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(f.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return WithContext(ErrInvalidConfig, map[string]interface{}{"basePath": f.basePath, "reason": "not a directory"})
	}
	probe := filepath.Join(f.basePath, ".s3db_health")
	if err := os.WriteFile(probe, []byte("ok"), DefaultFilePermissions); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{"cause": err.Error()})
	}
	return os.Remove(probe)
}

func (f *FilesystemStore) Close() error { return nil }

// normalizeFSKey strips a leading slash so file:// keys behave like S3
// keys (no absolute-path semantics inside the store root).
func normalizeFSKey(key string) string {
	return strings.TrimPrefix(filepath.ToSlash(key), "/")
}
