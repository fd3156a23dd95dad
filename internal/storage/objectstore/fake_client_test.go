package objectstore

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
)

type fakeClient struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]byte
	denied   map[string]bool
	failErr  error
	failKeys map[string]bool
	onRemove func(key string)

	copies []minio.CopyDestOptions
	puts   []minio.PutObjectOptions
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		buckets:  map[string]map[string][]byte{},
		denied:   map[string]bool{},
		failKeys: map[string]bool{},
	}
}

func (f *fakeClient) put(bucket, key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets[bucket] == nil {
		f.buckets[bucket] = map[string][]byte{}
	}
	f.buckets[bucket][key] = []byte(body)
}

func (f *fakeClient) keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.buckets[bucket]))
	for k := range f.buckets[bucket] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func forbidden() error {
	return minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied", Message: "Access Denied"}
}

func (f *fakeClient) BucketExists(_ context.Context, bucket string) (bool, error) {
	if f.failErr != nil {
		return false, f.failErr
	}
	if f.denied[bucket] {
		return false, forbidden()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.buckets[bucket]
	return ok, nil
}

func (f *fakeClient) StatObject(_ context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if f.failErr != nil {
		return minio.ObjectInfo{}, f.failErr
	}
	if f.denied[bucket] {
		return minio.ObjectInfo{}, forbidden()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.buckets[bucket][key]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (f *fakeClient) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo)
	keys := f.keys(bucket)
	go func() {
		defer close(ch)
		if f.failErr != nil {
			select {
			case ch <- minio.ObjectInfo{Err: f.failErr}:
			case <-ctx.Done():
			}
			return
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, opts.Prefix) || key <= opts.StartAfter {
				continue
			}
			select {
			case ch <- minio.ObjectInfo{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (f *fakeClient) CopyObject(_ context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	if f.failErr != nil {
		return minio.UploadInfo{}, f.failErr
	}
	f.mu.Lock()
	body, ok := f.buckets[src.Bucket][src.Object]
	f.copies = append(f.copies, dst)
	f.mu.Unlock()
	if !ok {
		return minio.UploadInfo{}, minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	}
	f.put(dst.Bucket, dst.Object, string(body))
	return minio.UploadInfo{Bucket: dst.Bucket, Key: dst.Object}, nil
}

func (f *fakeClient) FPutObject(_ context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.failErr != nil {
		return minio.UploadInfo{}, f.failErr
	}
	body, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	f.puts = append(f.puts, opts)
	f.mu.Unlock()
	f.put(bucket, key, string(body))
	return minio.UploadInfo{Bucket: bucket, Key: key}, nil
}

func (f *fakeClient) FGetObject(_ context.Context, bucket, key, filePath string, _ minio.GetObjectOptions) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.mu.Lock()
	body, ok := f.buckets[bucket][key]
	f.mu.Unlock()
	if !ok {
		return minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	}
	return os.WriteFile(filePath, body, 0o644)
}

func (f *fakeClient) RemoveObject(_ context.Context, bucket, key string, _ minio.RemoveObjectOptions) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buckets[bucket], key)
	return nil
}

func (f *fakeClient) RemoveObjects(_ context.Context, bucket string, objects <-chan minio.ObjectInfo, _ minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError {
	out := make(chan minio.RemoveObjectError)
	go func() {
		defer close(out)
		for obj := range objects {
			if f.failKeys[obj.Key] {
				out <- minio.RemoveObjectError{ObjectName: obj.Key, Err: forbidden()}
				continue
			}
			f.mu.Lock()
			delete(f.buckets[bucket], obj.Key)
			f.mu.Unlock()
			if f.onRemove != nil {
				f.onRemove(obj.Key)
			}
		}
	}()
	return out
}
