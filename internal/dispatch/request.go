package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/animus-labs/bundlerun/internal/runtimeexec"
)

const (
	// NoInput as the input bundle means the pipeline reads no bundle.
	NoInput = "-"
	// DefaultOutput as the output bundle lets the pipeline name its output.
	DefaultOutput = "-"
)

var ErrInvalidTag = errors.New("invalid tag")

// Request is one pipeline invocation. Dispatch copies it on entry.
type Request struct {
	InputBundle         string
	OutputBundle        string
	Pipeline            string
	Params              []string
	Backend             runtimeexec.Backend
	Force               bool
	PushInput           bool
	SessionTokenSeconds int32
	InputTags           []string
	OutputTags          []string
	Fetch               []string
	// OutputUUID is generated when empty.
	OutputUUID string
}

func (r Request) clone() Request {
	r.Params = slices.Clone(r.Params)
	r.InputTags = slices.Clone(r.InputTags)
	r.OutputTags = slices.Clone(r.OutputTags)
	r.Fetch = slices.Clone(r.Fetch)
	return r
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Pipeline) == "" {
		return errors.New("pipeline is required")
	}
	if strings.TrimSpace(r.InputBundle) == "" {
		return errors.New("input bundle is required")
	}
	if strings.TrimSpace(r.OutputBundle) == "" {
		return errors.New("output bundle is required")
	}
	if r.SessionTokenSeconds < 0 {
		return errors.New("session token duration must be >= 0")
	}
	if _, err := ParseTags(r.InputTags); err != nil {
		return fmt.Errorf("input tags: %w", err)
	}
	if _, err := ParseTags(r.OutputTags); err != nil {
		return fmt.Errorf("output tags: %w", err)
	}
	return nil
}

type Tag struct {
	Key   string
	Value string
}

func (t Tag) String() string {
	return t.Key + ":" + t.Value
}

// ParseTag splits "key:value" at the first colon. The key must be non-empty.
func ParseTag(raw string) (Tag, error) {
	key, value, ok := strings.Cut(raw, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Tag{}, fmt.Errorf("%w: %q, want key:value", ErrInvalidTag, raw)
	}
	return Tag{Key: key, Value: value}, nil
}

func ParseTags(raw []string) ([]Tag, error) {
	out := make([]Tag, 0, len(raw))
	for _, r := range raw {
		tag, err := ParseTag(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, nil
}

// Prepared holds what Prepare resolves before anything is staged.
type Prepared struct {
	Branch     string
	Remote     string
	OutputUUID string
}

// BuildArgs renders the argument list every backend hands to the pipeline
// container entrypoint:
//
//	--branch B --remote R --output-bundle-uuid U [--force] [--fetch F]...
//	[--input-tag K:V]... [--output-tag K:V]... INPUT OUTPUT PIPELINE [PARAMS...]
func BuildArgs(req Request, p Prepared) []string {
	args := []string{
		"--branch", p.Branch,
		"--remote", p.Remote,
		"--output-bundle-uuid", p.OutputUUID,
	}
	if req.Force {
		args = append(args, "--force")
	}
	for _, f := range req.Fetch {
		args = append(args, "--fetch", f)
	}
	for _, tag := range req.InputTags {
		args = append(args, "--input-tag", tag)
	}
	for _, tag := range req.OutputTags {
		args = append(args, "--output-tag", tag)
	}
	args = append(args, req.InputBundle, req.OutputBundle, req.Pipeline)
	return append(args, req.Params...)
}
