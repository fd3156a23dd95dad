package objectstore

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrInvalidScheme  = errors.New("invalid object store scheme")
	ErrEmptyContainer = errors.New("object store url has no container")
)

// schemes accepted by ParseLocator. The first entry is used when a locator
// is built without one.
var schemes = [...]string{"s3", "s3n"}

// Locator addresses a container, or an object or prefix inside it.
// A key ending in "/" addresses a prefix.
type Locator struct {
	Scheme    string
	Container string
	Key       string
}

// ParseLocator splits scheme://container/key into its parts. Leading "/" are
// stripped from the key and an empty key means the container itself.
func ParseLocator(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		// s3:/bucket/key has a scheme but no authority.
		if scheme, _, found := strings.Cut(raw, ":"); found && knownScheme(scheme) {
			return Locator{}, fmt.Errorf("%w: %q", ErrEmptyContainer, raw)
		}
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidScheme, raw)
	}
	if !knownScheme(scheme) {
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidScheme, raw)
	}
	container, key, _ := strings.Cut(rest, "/")
	if container == "" {
		return Locator{}, fmt.Errorf("%w: %q", ErrEmptyContainer, raw)
	}
	return Locator{
		Scheme:    strings.ToLower(scheme),
		Container: container,
		Key:       strings.TrimLeft(key, "/"),
	}, nil
}

func knownScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)
	for _, s := range schemes {
		if s == scheme {
			return true
		}
	}
	return false
}

func (l Locator) String() string {
	scheme := l.Scheme
	if scheme == "" {
		scheme = schemes[0]
	}
	if l.Key == "" {
		return scheme + "://" + l.Container
	}
	return scheme + "://" + l.Container + "/" + l.Key
}

func (l Locator) HasKey() bool {
	return l.Key != ""
}

func (l Locator) IsPrefix() bool {
	return l.Key == "" || strings.HasSuffix(l.Key, "/")
}

// Join appends path elements to the key. A trailing "/" on the last element
// is kept so the result can still address a prefix.
func (l Locator) Join(elem ...string) Locator {
	parts := make([]string, 0, len(elem)+1)
	if key := strings.TrimRight(l.Key, "/"); key != "" {
		parts = append(parts, key)
	}
	for _, e := range elem {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	out := l
	out.Key = strings.Join(parts, "/")
	if len(elem) > 0 && strings.HasSuffix(elem[len(elem)-1], "/") && out.Key != "" {
		out.Key += "/"
	}
	return out
}

// Base is the last element of the key, or "" for a container locator.
func (l Locator) Base() string {
	key := strings.TrimRight(l.Key, "/")
	if key == "" {
		return ""
	}
	return path.Base(key)
}
