package objectstore

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/minio/minio-go/v7"
)

func TestContainerExistence(t *testing.T) {
	fake := newFakeClient()
	fake.put("present", "k", "v")
	fake.denied["locked"] = true
	store := newStore(fake, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		want   Existence
		exists bool
	}{
		{name: "present", want: Exists, exists: true},
		{name: "missing", want: Absent},
		{name: "locked", want: AccessDenied},
	}
	for _, tc := range cases {
		got, err := store.ContainerExistence(ctx, tc.name)
		if err != nil {
			t.Fatalf("ContainerExistence(%q) err=%v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("ContainerExistence(%q)=%v, want %v", tc.name, got, tc.want)
		}
		exists, err := store.ContainerExists(ctx, tc.name)
		if err != nil {
			t.Fatalf("ContainerExists(%q) err=%v", tc.name, err)
		}
		if exists != tc.exists {
			t.Fatalf("ContainerExists(%q)=%v, want %v", tc.name, exists, tc.exists)
		}
	}
}

func TestContainerExistsPropagatesOtherFailures(t *testing.T) {
	fake := newFakeClient()
	fake.failErr = minio.ErrorResponse{StatusCode: http.StatusInternalServerError, Code: "InternalError"}
	store := newStore(fake, nil)

	_, err := store.ContainerExists(context.Background(), "bucket")
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("ContainerExists() err=%v, want *OpError", err)
	}
	if opErr.StatusCode != http.StatusInternalServerError || opErr.Code != "InternalError" {
		t.Fatalf("OpError=%+v", opErr)
	}
}

func TestObjectExistence(t *testing.T) {
	fake := newFakeClient()
	fake.put("bucket", "dir/file.txt", "x")
	fake.denied["locked"] = true
	store := newStore(fake, nil)
	ctx := context.Background()

	cases := []struct {
		raw  string
		want Existence
	}{
		{raw: "s3://bucket/dir/file.txt", want: Exists},
		{raw: "s3://bucket/dir/other.txt", want: Absent},
		{raw: "s3://bucket", want: Exists},
		{raw: "s3://nobucket", want: Absent},
		{raw: "s3://locked/file", want: AccessDenied},
	}
	for _, tc := range cases {
		got, err := store.ObjectExistence(ctx, mustParse(tc.raw))
		if err != nil {
			t.Fatalf("ObjectExistence(%q) err=%v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ObjectExistence(%q)=%v, want %v", tc.raw, got, tc.want)
		}
	}
	if ok, err := store.ObjectExists(ctx, mustParse("s3://locked/file")); err != nil || ok {
		t.Fatalf("ObjectExists(denied)=%v err=%v, want false", ok, err)
	}
}

func TestListTruncatesAtMaxResults(t *testing.T) {
	fake := newFakeClient()
	for _, key := range []string{"p/1", "p/2", "p/3", "p/4", "p/5", "q/1"} {
		fake.put("bucket", key, "x")
	}
	store := newStore(fake, nil)
	prefix := mustParse("s3://bucket/p/")

	listing := store.List(context.Background(), prefix, ListOptions{MaxResults: 3})
	var got []string
	for listing.Next() {
		got = append(got, listing.Object().Locator.Key)
	}
	if err := listing.Err(); err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if diff := cmp.Diff([]string{"p/1", "p/2", "p/3"}, got); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}
	if !listing.Truncated() || listing.ContinuationToken() != "p/3" {
		t.Fatalf("Truncated()=%v token=%q", listing.Truncated(), listing.ContinuationToken())
	}
	listing.Close()

	rest := store.List(context.Background(), prefix, ListOptions{MaxResults: 3, StartAfter: "p/3"})
	defer rest.Close()
	got = got[:0]
	for rest.Next() {
		got = append(got, rest.Object().Locator.Key)
	}
	if diff := cmp.Diff([]string{"p/4", "p/5"}, got); diff != "" {
		t.Fatalf("second page mismatch (-want +got):\n%s", diff)
	}
	if rest.Truncated() || rest.ContinuationToken() != "" {
		t.Fatalf("second page reported truncation")
	}
}

func TestListExactlyMaxResultsIsNotTruncated(t *testing.T) {
	fake := newFakeClient()
	fake.put("bucket", "a", "x")
	fake.put("bucket", "b", "x")
	store := newStore(fake, nil)

	listing := store.List(context.Background(), mustParse("s3://bucket"), ListOptions{MaxResults: 2})
	defer listing.Close()
	n := 0
	for listing.Next() {
		n++
	}
	if n != 2 || listing.Truncated() {
		t.Fatalf("n=%d truncated=%v, want 2 false", n, listing.Truncated())
	}
}

func TestListURLs(t *testing.T) {
	fake := newFakeClient()
	fake.put("bucket", "d/x", "1")
	fake.put("bucket", "d/y", "2")
	store := newStore(fake, nil)

	got, err := store.ListURLs(context.Background(), mustParse("s3://bucket/d/"))
	if err != nil {
		t.Fatalf("ListURLs() err=%v", err)
	}
	if diff := cmp.Diff([]string{"s3://bucket/d/x", "s3://bucket/d/y"}, got); diff != "" {
		t.Fatalf("ListURLs() mismatch (-want +got):\n%s", diff)
	}
}

func TestDeletePrefix(t *testing.T) {
	fake := newFakeClient()
	for _, key := range []string{"a/1", "a/2", "b/1"} {
		fake.put("bucket", key, "x")
	}
	store := newStore(fake, nil)

	n, err := store.DeletePrefix(context.Background(), mustParse("s3://bucket/a/"))
	if err != nil {
		t.Fatalf("DeletePrefix() err=%v", err)
	}
	if n != 2 {
		t.Fatalf("DeletePrefix()=%d, want 2", n)
	}
	if diff := cmp.Diff([]string{"b/1"}, fake.keys("bucket")); diff != "" {
		t.Fatalf("remaining keys mismatch (-want +got):\n%s", diff)
	}
}

func TestDeletePrefixPartialFailure(t *testing.T) {
	fake := newFakeClient()
	for _, key := range []string{"a/1", "a/2"} {
		fake.put("bucket", key, "x")
	}
	fake.failKeys["a/2"] = true
	store := newStore(fake, nil)

	n, err := store.DeletePrefix(context.Background(), mustParse("s3://bucket/a/"))
	if !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("DeletePrefix() err=%v, want ErrDeleteFailed", err)
	}
	if n != 1 {
		t.Fatalf("DeletePrefix()=%d, want 1", n)
	}
}

func TestCopyKeepsBaseNameAndEncrypts(t *testing.T) {
	fake := newFakeClient()
	fake.put("src", "in/data.csv", "rows")
	store := newStore(fake, nil)

	dst, err := store.Copy(context.Background(), mustParse("s3://src/in/data.csv"), mustParse("s3://dst/out/"))
	if err != nil {
		t.Fatalf("Copy() err=%v", err)
	}
	if dst.String() != "s3://dst/out/data.csv" {
		t.Fatalf("Copy()=%q", dst.String())
	}
	if len(fake.copies) != 1 || fake.copies[0].Encryption == nil {
		t.Fatalf("copy options=%+v, want encryption", fake.copies)
	}
}

func TestCopyFailure(t *testing.T) {
	store := newStore(newFakeClient(), nil)
	_, err := store.Copy(context.Background(), mustParse("s3://src/missing"), mustParse("s3://dst/"))
	if !errors.Is(err, ErrCopyFailed) {
		t.Fatalf("Copy() err=%v, want ErrCopyFailed", err)
	}
	if _, err := store.Copy(context.Background(), mustParse("s3://src/dir/"), mustParse("s3://dst/")); !errors.Is(err, ErrCopyFailed) {
		t.Fatalf("Copy(prefix) err=%v, want ErrCopyFailed", err)
	}
}

func TestPutAndGet(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "bundle.json")
	if err := os.WriteFile(local, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fake := newFakeClient()
	store := newStore(fake, nil)
	ctx := context.Background()

	name, err := store.Put(ctx, local, mustParse("s3://bucket/ctx/"))
	if err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	if name != "bundle.json" {
		t.Fatalf("Put()=%q, want bundle.json", name)
	}
	if len(fake.puts) != 1 || fake.puts[0].ServerSideEncryption == nil {
		t.Fatalf("put options=%+v, want encryption", fake.puts)
	}

	dest := filepath.Join(dir, "nested", "deeper", "copy.json")
	got, err := store.Get(ctx, mustParse("s3://bucket/ctx/bundle.json"), dest)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	body, err := os.ReadFile(got)
	if err != nil || string(body) != `{"ok":true}` {
		t.Fatalf("downloaded body=%q err=%v", body, err)
	}
}

func TestGetDefaultsToBaseName(t *testing.T) {
	t.Chdir(t.TempDir())
	fake := newFakeClient()
	fake.put("bucket", "a/b/report.txt", "hi")
	store := newStore(fake, nil)

	got, err := store.Get(context.Background(), mustParse("s3://bucket/a/b/report.txt"), "")
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got != "report.txt" {
		t.Fatalf("Get()=%q, want report.txt", got)
	}
	if _, err := os.Stat("report.txt"); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestGetFailure(t *testing.T) {
	store := newStore(newFakeClient(), nil)
	_, err := store.Get(context.Background(), mustParse("s3://bucket/missing"), filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrGetFailed) {
		t.Fatalf("Get() err=%v, want ErrGetFailed", err)
	}
}

func TestNilStore(t *testing.T) {
	var store *Store
	if _, err := store.ContainerExists(context.Background(), "b"); err == nil {
		t.Fatalf("ContainerExists() expected error on nil store")
	}
	listing := store.List(context.Background(), mustParse("s3://b"), ListOptions{})
	if listing.Next() || listing.Err() == nil {
		t.Fatalf("List() on nil store should fail")
	}
}

func TestDeletePrefixCanceledCountsRemoved(t *testing.T) {
	fake := newFakeClient()
	for _, key := range []string{"a/1", "a/2", "a/3"} {
		fake.put("bucket", key, "x")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onRemove = func(string) { cancel() }
	store := newStore(fake, nil)

	n, err := store.DeletePrefix(ctx, mustParse("s3://bucket/a/"))
	if !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("DeletePrefix() err=%v, want ErrDeleteFailed", err)
	}
	removed := 3 - len(fake.keys("bucket"))
	if n < 1 || n != removed {
		t.Fatalf("DeletePrefix()=%d, want %d removed objects", n, removed)
	}
}
