package objectstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
)

const DefaultMaxResults = 1024

type ListOptions struct {
	// MaxResults caps one listing call. Zero means DefaultMaxResults.
	MaxResults int
	// StartAfter resumes after this key, usually a ContinuationToken.
	StartAfter string
}

type ObjectDescriptor struct {
	Locator      Locator
	Size         int64
	ETag         string
	LastModified time.Time
}

// Listing walks the objects under a prefix lazily, in key order, like
// sql.Rows. It yields at most MaxResults objects; Truncated then reports
// whether more keys remain and ContinuationToken resumes after the last one.
type Listing struct {
	prefix    Locator
	ch        <-chan minio.ObjectInfo
	cancel    context.CancelFunc
	limit     int
	seen      int
	cur       ObjectDescriptor
	last      string
	err       error
	truncated bool
	done      bool
	logger    *slog.Logger
}

// List starts a listing of every key beginning with prefix.Key.
func (s *Store) List(ctx context.Context, prefix Locator, opts ListOptions) *Listing {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	l := &Listing{prefix: prefix, limit: limit}
	if err := s.ready(); err != nil {
		l.err = err
		l.done = true
		return l
	}
	l.logger = s.logger

	listCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	page := 0
	if limit < 1000 {
		page = limit + 1
	}
	l.ch = s.client.ListObjects(listCtx, prefix.Container, minio.ListObjectsOptions{
		Prefix:     prefix.Key,
		Recursive:  true,
		MaxKeys:    page,
		StartAfter: opts.StartAfter,
	})
	return l
}

func (l *Listing) Next() bool {
	if l.done {
		return false
	}
	info, ok := <-l.ch
	if !ok {
		l.finish()
		return false
	}
	if info.Err != nil {
		l.err = opError("list", l.prefix.String(), nil, info.Err)
		l.finish()
		return false
	}
	if l.seen == l.limit {
		l.truncated = true
		l.logger.Warn("object listing truncated", "prefix", l.prefix.String(), "max_results", l.limit)
		l.finish()
		return false
	}
	l.seen++
	l.last = info.Key
	l.cur = ObjectDescriptor{
		Locator:      Locator{Scheme: l.prefix.Scheme, Container: l.prefix.Container, Key: info.Key},
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}
	return true
}

func (l *Listing) Object() ObjectDescriptor {
	return l.cur
}

func (l *Listing) Err() error {
	return l.err
}

func (l *Listing) Truncated() bool {
	return l.truncated
}

// ContinuationToken is empty unless the listing was truncated.
func (l *Listing) ContinuationToken() string {
	if !l.truncated {
		return ""
	}
	return l.last
}

// Close stops the background listing. It is safe to call more than once.
func (l *Listing) Close() error {
	l.finish()
	return nil
}

func (l *Listing) finish() {
	l.done = true
	if l.cancel != nil {
		l.cancel()
	}
}
