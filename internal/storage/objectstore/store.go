package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	platformstore "github.com/animus-labs/bundlerun/internal/platform/objectstore"
)

var (
	ErrCopyFailed   = errors.New("object copy failed")
	ErrPutFailed    = errors.New("object put failed")
	ErrGetFailed    = errors.New("object get failed")
	ErrDeleteFailed = errors.New("object delete failed")
	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("object access denied")
)

// Existence is the outcome of an existence check. AccessDenied is kept apart
// from Absent because S3 answers 403 for missing keys the caller may not list.
type Existence int

const (
	Absent Existence = iota
	Exists
	AccessDenied
)

func (e Existence) String() string {
	switch e {
	case Exists:
		return "exists"
	case AccessDenied:
		return "access_denied"
	default:
		return "absent"
	}
}

// OpError reports a failed store operation against Target.
type OpError struct {
	Op         string
	Target     string
	StatusCode int
	Code       string
	Kind       error
	Err        error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Target != "" {
		b.WriteString(" " + e.Target)
	}
	if e.Kind != nil {
		b.WriteString(": " + e.Kind.Error())
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d", e.StatusCode)
		if e.Code != "" {
			b.WriteString(" " + e.Code)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// client is the subset of *minio.Client the store calls.
type client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucket, key, filePath string, opts minio.GetObjectOptions) error
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	RemoveObjects(ctx context.Context, bucket string, objects <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

// Store performs bundle transfers against an S3-compatible service.
// Uploads and copies are encrypted at rest with SSE-S3.
type Store struct {
	client client
	logger *slog.Logger
}

func NewStore(cfg platformstore.Config, logger *slog.Logger) (*Store, error) {
	c, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewStoreWithClient(c, logger)
}

func NewStoreWithClient(c *minio.Client, logger *slog.Logger) (*Store, error) {
	if c == nil {
		return nil, errors.New("minio client is required")
	}
	return newStore(c, logger), nil
}

func newStore(c client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: c, logger: logger}
}

func (s *Store) ready() error {
	if s == nil || s.client == nil {
		return errors.New("object store not initialized")
	}
	return nil
}

// ContainerExistence reports whether the container exists. Failures other
// than not-found and access-denied are returned as *OpError.
func (s *Store) ContainerExistence(ctx context.Context, name string) (Existence, error) {
	if err := s.ready(); err != nil {
		return Absent, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Absent, ErrEmptyContainer
	}
	ok, err := s.client.BucketExists(ctx, name)
	if err == nil {
		if ok {
			return Exists, nil
		}
		return Absent, nil
	}
	target := Locator{Container: name}.String()
	switch classify(err) {
	case ErrNotFound:
		return Absent, nil
	case ErrAccessDenied:
		return AccessDenied, nil
	}
	return Absent, opError("bucket_exists", target, nil, err)
}

// ContainerExists folds AccessDenied into false and logs it.
func (s *Store) ContainerExists(ctx context.Context, name string) (bool, error) {
	state, err := s.ContainerExistence(ctx, name)
	if err != nil {
		return false, err
	}
	if state == AccessDenied {
		s.logger.Warn("container existence check denied, treating as absent", "container", name)
	}
	return state == Exists, nil
}

// ObjectExistence checks a single object. A locator without a key checks the
// container instead.
func (s *Store) ObjectExistence(ctx context.Context, loc Locator) (Existence, error) {
	if err := s.ready(); err != nil {
		return Absent, err
	}
	if !loc.HasKey() {
		return s.ContainerExistence(ctx, loc.Container)
	}
	_, err := s.client.StatObject(ctx, loc.Container, loc.Key, minio.StatObjectOptions{})
	if err == nil {
		return Exists, nil
	}
	switch classify(err) {
	case ErrNotFound:
		return Absent, nil
	case ErrAccessDenied:
		return AccessDenied, nil
	}
	return Absent, opError("stat_object", loc.String(), nil, err)
}

func (s *Store) ObjectExists(ctx context.Context, loc Locator) (bool, error) {
	state, err := s.ObjectExistence(ctx, loc)
	if err != nil {
		return false, err
	}
	if state == AccessDenied {
		s.logger.Warn("object existence check denied, treating as absent", "locator", loc.String())
	}
	return state == Exists, nil
}

// Copy copies src server-side under dstPrefix, keeping the source base name.
func (s *Store) Copy(ctx context.Context, src, dstPrefix Locator) (Locator, error) {
	if err := s.ready(); err != nil {
		return Locator{}, err
	}
	if !src.HasKey() || src.IsPrefix() {
		return Locator{}, fmt.Errorf("%w: source %q is not an object", ErrCopyFailed, src.String())
	}
	dst := dstPrefix.Join(src.Base())
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dst.Container, Object: dst.Key, Encryption: encrypt.NewSSE()},
		minio.CopySrcOptions{Bucket: src.Container, Object: src.Key},
	)
	if err != nil {
		return Locator{}, opError("copy", src.String()+" -> "+dst.String(), ErrCopyFailed, err)
	}
	return dst, nil
}

// Put uploads localPath under dstPrefix and returns the uploaded base name.
func (s *Store) Put(ctx context.Context, localPath string, dstPrefix Locator) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	localPath = strings.TrimSpace(localPath)
	if localPath == "" {
		return "", errors.New("local path is required")
	}
	name := filepath.Base(localPath)
	dst := dstPrefix.Join(name)
	_, err := s.client.FPutObject(ctx, dst.Container, dst.Key, localPath, minio.PutObjectOptions{
		ServerSideEncryption: encrypt.NewSSE(),
	})
	if err != nil {
		return "", opError("put", dst.String(), ErrPutFailed, err)
	}
	return name, nil
}

// Get downloads loc to dest, or to the object's base name in the working
// directory when dest is empty. Missing parent directories are created.
func (s *Store) Get(ctx context.Context, loc Locator, dest string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if !loc.HasKey() || loc.IsPrefix() {
		return "", fmt.Errorf("%w: %q is not an object", ErrGetFailed, loc.String())
	}
	dest = strings.TrimSpace(dest)
	if dest == "" {
		dest = loc.Base()
	}
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", opError("get", loc.String(), ErrGetFailed, err)
		}
	}
	if err := s.client.FGetObject(ctx, loc.Container, loc.Key, dest, minio.GetObjectOptions{}); err != nil {
		return "", opError("get", loc.String(), ErrGetFailed, err)
	}
	return dest, nil
}

func (s *Store) DeleteObject(ctx context.Context, loc Locator) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !loc.HasKey() {
		return fmt.Errorf("%w: %q has no key", ErrDeleteFailed, loc.String())
	}
	if err := s.client.RemoveObject(ctx, loc.Container, loc.Key, minio.RemoveObjectOptions{}); err != nil {
		return opError("delete", loc.String(), ErrDeleteFailed, err)
	}
	return nil
}

// DeletePrefix enumerates every key under prefix and removes them in batches.
// It is not transactional: on error some keys may already be gone. The
// returned count is the number of keys removed.
func (s *Store) DeletePrefix(ctx context.Context, prefix Locator) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var keys []string
	for info := range s.client.ListObjects(ctx, prefix.Container, minio.ListObjectsOptions{
		Prefix:    prefix.Key,
		Recursive: true,
	}) {
		if info.Err != nil {
			return 0, opError("delete_prefix", prefix.String(), ErrDeleteFailed, info.Err)
		}
		keys = append(keys, info.Key)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	objects := make(chan minio.ObjectInfo)
	fed := make(chan struct{})
	sent := 0
	go func() {
		defer close(fed)
		defer close(objects)
		for _, key := range keys {
			select {
			case objects <- minio.ObjectInfo{Key: key}:
				sent++
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := 0
	var firstErr error
	for rerr := range s.client.RemoveObjects(ctx, prefix.Container, objects, minio.RemoveObjectsOptions{}) {
		failed++
		if firstErr == nil {
			firstErr = opError("delete_prefix", Locator{Scheme: prefix.Scheme, Container: prefix.Container, Key: rerr.ObjectName}.String(), ErrDeleteFailed, rerr.Err)
		}
	}
	<-fed
	removed := max(sent-failed, 0)
	if firstErr != nil {
		return removed, firstErr
	}
	if err := ctx.Err(); err != nil {
		return removed, opError("delete_prefix", prefix.String(), ErrDeleteFailed, err)
	}
	s.logger.Debug("deleted prefix", "prefix", prefix.String(), "count", removed)
	return removed, nil
}

// ListURLs returns the URL of every object under prefix, up to the default
// listing limit.
func (s *Store) ListURLs(ctx context.Context, prefix Locator) ([]string, error) {
	listing := s.List(ctx, prefix, ListOptions{})
	defer listing.Close()
	var out []string
	for listing.Next() {
		out = append(out, listing.Object().Locator.String())
	}
	return out, listing.Err()
}

func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.Code == "NotFound":
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden, resp.Code == "AccessDenied":
		return ErrAccessDenied
	}
	return nil
}

func opError(op, target string, kind, err error) *OpError {
	resp := minio.ToErrorResponse(err)
	return &OpError{
		Op:         op,
		Target:     target,
		StatusCode: resp.StatusCode,
		Code:       resp.Code,
		Kind:       kind,
		Err:        err,
	}
}
