package bundlectx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/bundlerun/internal/storage/objectstore"
)

const (
	stateFile     = "state.yaml"
	bundlesDir    = "bundles"
	uploadWorkers = 4
)

var (
	ErrNoContext      = errors.New("no active context")
	ErrBundleNotFound = errors.New("bundle not found")
)

// State is the on-disk record of the active context.
type State struct {
	Context string `yaml:"context"`
	Branch  string `yaml:"branch,omitempty"`
	Remote  string `yaml:"remote,omitempty"`
}

type Uploader interface {
	Put(ctx context.Context, localPath string, dstPrefix objectstore.Locator) (string, error)
}

// Context is the local bundle workspace rooted at the metadata directory.
// Committed bundles live at <dir>/<context>/bundles/<name>/<uuid>/.
type Context struct {
	dir      string
	state    State
	uploader Uploader
	logger   *slog.Logger
}

// Load reads the state file under dir. A missing file yields an empty state.
func Load(dir string, uploader Uploader, logger *slog.Logger) (*Context, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("metadata dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Context{dir: dir, uploader: uploader, logger: logger}

	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context state: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c.state); err != nil {
		return nil, fmt.Errorf("parse context state: %w", err)
	}
	if c.state.Remote != "" {
		if _, err := objectstore.ParseLocator(c.state.Remote); err != nil {
			return nil, fmt.Errorf("context remote: %w", err)
		}
	}
	return c, nil
}

func (c *Context) Dir() string {
	return c.dir
}

func (c *Context) Name() string {
	return strings.TrimSpace(c.state.Context)
}

// Branch defaults to the context name.
func (c *Context) Branch() string {
	if b := strings.TrimSpace(c.state.Branch); b != "" {
		return b
	}
	return c.Name()
}

func (c *Context) Remote() string {
	return strings.TrimSpace(c.state.Remote)
}

// Switch makes name the active context and persists it.
func (c *Context) Switch(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("context name is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid context name %q", name)
	}
	c.state.Context = name
	return c.save()
}

// SetRemote binds the active context to an object store URL and persists it.
func (c *Context) SetRemote(raw string) error {
	if c.Name() == "" {
		return ErrNoContext
	}
	loc, err := objectstore.ParseLocator(raw)
	if err != nil {
		return err
	}
	c.state.Remote = loc.String()
	return c.save()
}

func (c *Context) save() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	raw, err := yaml.Marshal(c.state)
	if err != nil {
		return fmt.Errorf("encode context state: %w", err)
	}
	tmp := filepath.Join(c.dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write context state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(c.dir, stateFile))
}

// LatestBundle returns the newest committed uuid directory of a bundle.
func (c *Context) LatestBundle(name string) (uuid string, path string, err error) {
	if c.Name() == "" {
		return "", "", ErrNoContext
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", errors.New("bundle name is required")
	}
	root := filepath.Join(c.dir, c.Name(), bundlesDir, name)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("%w: %s", ErrBundleNotFound, name)
	}
	if err != nil {
		return "", "", fmt.Errorf("read bundle %s: %w", name, err)
	}

	var newest time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", "", err
		}
		if uuid == "" || info.ModTime().After(newest) {
			uuid, newest = e.Name(), info.ModTime()
		}
	}
	if uuid == "" {
		return "", "", fmt.Errorf("%w: %s has no committed versions", ErrBundleNotFound, name)
	}
	return uuid, filepath.Join(root, uuid), nil
}

// Push uploads the newest committed version of a bundle to
// <remote>/<context>/bundles/<name>/<uuid>/ and returns that prefix.
func (c *Context) Push(ctx context.Context, name string) (objectstore.Locator, error) {
	if c.uploader == nil {
		return objectstore.Locator{}, errors.New("no object store configured for push")
	}
	if c.Remote() == "" {
		return objectstore.Locator{}, errors.New("context has no remote")
	}
	remote, err := objectstore.ParseLocator(c.Remote())
	if err != nil {
		return objectstore.Locator{}, err
	}
	uuid, dir, err := c.LatestBundle(name)
	if err != nil {
		return objectstore.Locator{}, err
	}
	dst := remote.Join(c.Name(), bundlesDir, strings.TrimSpace(name), uuid+"/")

	files, err := listFiles(dir)
	if err != nil {
		return objectstore.Locator{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)
	for _, rel := range files {
		prefix := dst
		if sub := filepath.Dir(rel); sub != "." {
			prefix = dst.Join(filepath.ToSlash(sub) + "/")
		}
		local := filepath.Join(dir, rel)
		g.Go(func() error {
			if _, err := c.uploader.Put(gctx, local, prefix); err != nil {
				return fmt.Errorf("push %s: %w", rel, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return objectstore.Locator{}, err
	}
	c.logger.Info("pushed bundle", "bundle", name, "uuid", uuid, "files", len(files), "remote", dst.String())
	return dst, nil
}

func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bundle: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
