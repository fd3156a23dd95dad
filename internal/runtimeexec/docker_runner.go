package runtimeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/animus-labs/bundlerun/internal/imageref"
)

const (
	containerAWSDir    = "/root/.aws"
	containerMetaDir   = "/root/.bundlerun"
	containerConfigDir = "/opt/ml/input/config/"
	hyperparamsFile    = "hyperparameters.json"
	trainDirective     = "train"
)

// execFunc runs a command, streaming its output to stdout and stderr.
type execFunc func(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error

func runCommand(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

type DockerConfig struct {
	Bin string
	// Training selects the local managed-training variant.
	Training bool
	// Profile is propagated to the container as AWS_PROFILE when set.
	Profile string
	// AWSConfigDir and MetaDir are mounted read-write when they exist.
	AWSConfigDir string
	MetaDir      string
}

// DockerRunner runs pipeline images synchronously with the local docker CLI.
type DockerRunner struct {
	dockerBin string
	cfg       DockerConfig
	exec      execFunc
	goos      string
	stdout    io.Writer
	stderr    io.Writer
	logger    *slog.Logger
}

func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) (*DockerRunner, error) {
	bin := strings.TrimSpace(cfg.Bin)
	if bin == "" {
		bin = "docker"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return newDockerRunner(bin, cfg, runCommand, logger), nil
}

func newDockerRunner(bin string, cfg DockerConfig, run execFunc, logger *slog.Logger) *DockerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{
		dockerBin: bin,
		cfg:       cfg,
		exec:      run,
		goos:      runtime.GOOS,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		logger:    logger,
	}
}

func (r *DockerRunner) Backend() Backend {
	if r.cfg.Training {
		return LocalManagedTraining
	}
	return Local
}

func (r *DockerRunner) ResolveImageID(ctx context.Context, imageRef string) (string, error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return "", errors.New("image ref is required")
	}

	var out bytes.Buffer
	err := r.exec(ctx, &out, &out, r.dockerBin, "image", "inspect", "--format", "{{.Id}}", imageRef)
	text := strings.TrimSpace(out.String())
	if err != nil {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such image") || strings.Contains(lower, "not found") || strings.Contains(lower, "no such object") {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, imageRef)
		}
		return "", fmt.Errorf("docker image inspect failed: %w: %s", err, text)
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty docker image id for %s", ErrImageNotFound, imageRef)
	}
	return fields[0], nil
}

// Launch runs the pipeline container to completion. A missing local image is
// reported through the result status, not as an error. Local runs have no
// handle.
func (r *DockerRunner) Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error) {
	if r == nil || r.exec == nil {
		return LaunchResult{}, errors.New("docker runner not initialized")
	}
	pipeline := strings.TrimSpace(spec.Pipeline)
	if pipeline == "" {
		return LaunchResult{}, errors.New("pipeline is required")
	}
	result := LaunchResult{Backend: r.Backend(), JobName: spec.JobName}

	image := imageref.ImageName(pipeline)
	if r.cfg.Training {
		image = imageref.TrainingImageName(pipeline)
	}
	if _, err := r.ResolveImageID(ctx, image); err != nil {
		if errors.Is(err, ErrImageNotFound) {
			r.logger.Error("pipeline image not found locally, build it first", "image", image, "pipeline", pipeline)
			result.Status = StatusImageNotFound
			return result, nil
		}
		return LaunchResult{}, err
	}

	envs := map[string]string{}
	if profile := strings.TrimSpace(r.cfg.Profile); profile != "" {
		envs["AWS_PROFILE"] = profile
	}
	envs = mergeEnv(spec.Env, envs)

	// The container stays unnamed: job names repeat within a second and
	// concurrent runs of one pipeline must not collide.
	args := []string{"run", "--rm", "--init"}
	for _, key := range sortedKeys(envs) {
		args = append(args, "-e", key+"="+envs[key])
	}
	if dir := existingDir(r.cfg.AWSConfigDir); dir != "" {
		args = append(args, "-v", dir+":"+containerAWSDir)
	}
	if dir := existingDir(r.cfg.MetaDir); dir != "" {
		args = append(args, "-v", dir+":"+containerMetaDir)
	}

	cmdArgs := spec.Args
	if r.cfg.Training {
		dir, err := writeHyperparameters(spec.Args)
		if err != nil {
			return LaunchResult{}, err
		}
		defer os.RemoveAll(dir)
		args = append(args, "-v", r.hostPath(dir)+":"+containerConfigDir)
		cmdArgs = []string{trainDirective}
	}
	args = append(args, image)
	args = append(args, cmdArgs...)

	r.logger.Info("running pipeline container", "image", image, "backend", r.Backend().String(), "job_name", spec.JobName)
	if err := r.exec(ctx, r.stdout, r.stderr, r.dockerBin, args...); err != nil {
		return LaunchResult{}, fmt.Errorf("docker run failed: %w", err)
	}
	result.Status = StatusCompleted
	return result, nil
}

// hostPath maps a temp directory to the path the docker daemon sees. On
// darwin the temp dir lives under /private, which docker for mac shares.
func (r *DockerRunner) hostPath(dir string) string {
	if r.goos == "darwin" && !strings.HasPrefix(dir, "/private/") {
		return "/private" + dir
	}
	return dir
}

func writeHyperparameters(args []string) (string, error) {
	params, err := hyperparameters(args)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode hyperparameters: %w", err)
	}
	dir, err := os.MkdirTemp("", "bundlerun-config-")
	if err != nil {
		return "", fmt.Errorf("create hyperparameters dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, hyperparamsFile), body, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write hyperparameters: %w", err)
	}
	return dir, nil
}

func existingDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
