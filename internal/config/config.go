package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-ini/ini"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/bundlerun/internal/jobdef"
	"github.com/animus-labs/bundlerun/internal/platform/awsauth"
	"github.com/animus-labs/bundlerun/internal/platform/env"
	"github.com/animus-labs/bundlerun/internal/platform/objectstore"
	"github.com/animus-labs/bundlerun/internal/platform/postgres"
	"github.com/animus-labs/bundlerun/internal/runtimeexec"
	storage "github.com/animus-labs/bundlerun/internal/storage/objectstore"
)

// ErrMissingKey reports a setting the selected backend needs but nobody set.
var ErrMissingKey = errors.New("missing configuration key")

type Core struct {
	MetaDir      string `yaml:"meta_dir" toml:"meta_dir" ini:"meta_dir"`
	AWSConfigDir string `yaml:"aws_config_dir" toml:"aws_config_dir" ini:"aws_config_dir"`
}

type Docker struct {
	Registry         string `yaml:"registry" toml:"registry" ini:"registry"`
	RepositoryPrefix string `yaml:"repository_prefix" toml:"repository_prefix" ini:"repository_prefix"`
	Bin              string `yaml:"bin" toml:"bin" ini:"bin"`
}

type Run struct {
	Backend string `yaml:"backend" toml:"backend" ini:"backend"`

	BatchQueue         string `yaml:"batch_queue" toml:"batch_queue" ini:"batch_queue"`
	BatchJobDefinition string `yaml:"batch_job_definition" toml:"batch_job_definition" ini:"batch_job_definition"`
	BatchVCPUs         int32  `yaml:"batch_vcpus" toml:"batch_vcpus" ini:"batch_vcpus"`
	BatchMemoryMiB     int32  `yaml:"batch_memory_mib" toml:"batch_memory_mib" ini:"batch_memory_mib"`

	TrainingRoleARN           string `yaml:"training_role_arn" toml:"training_role_arn" ini:"training_role_arn"`
	TrainingInputURI          string `yaml:"training_input_uri" toml:"training_input_uri" ini:"training_input_uri"`
	TrainingOutputURI         string `yaml:"training_output_uri" toml:"training_output_uri" ini:"training_output_uri"`
	TrainingInstanceType      string `yaml:"training_instance_type" toml:"training_instance_type" ini:"training_instance_type"`
	TrainingInstanceCount     int32  `yaml:"training_instance_count" toml:"training_instance_count" ini:"training_instance_count"`
	TrainingVolumeSizeGB      int32  `yaml:"training_volume_size_gb" toml:"training_volume_size_gb" ini:"training_volume_size_gb"`
	TrainingMaxRuntimeSeconds int32  `yaml:"training_max_runtime_seconds" toml:"training_max_runtime_seconds" ini:"training_max_runtime_seconds"`
}

type Log struct {
	Format string `yaml:"format" toml:"format" ini:"format"`
	Level  string `yaml:"level" toml:"level" ini:"level"`
}

// Config is built once by the command and handed to each component. File
// sections are optional; the platform sections come from the environment only.
type Config struct {
	Core   Core   `yaml:"core" toml:"core" ini:"core"`
	Docker Docker `yaml:"docker" toml:"docker" ini:"docker"`
	Run    Run    `yaml:"run" toml:"run" ini:"run"`
	Log    Log    `yaml:"log" toml:"log" ini:"log"`

	ObjectStore objectstore.Config `yaml:"-" toml:"-" ini:"-"`
	Database    postgres.Config    `yaml:"-" toml:"-" ini:"-"`
	AWS         awsauth.Config     `yaml:"-" toml:"-" ini:"-"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Core: Core{
			MetaDir:      filepath.Join(home, ".bundlerun"),
			AWSConfigDir: filepath.Join(home, ".aws"),
		},
		Docker: Docker{Bin: "docker"},
		Run: Run{
			Backend:        runtimeexec.Local.String(),
			BatchVCPUs:     jobdef.DefaultVCPUs,
			BatchMemoryMiB: jobdef.DefaultMemoryMiB,
		},
		Log: Log{Format: "json", Level: "info"},
	}
}

// Load reads path when it is non-empty, picking the decoder from the file
// extension, then applies BUNDLERUN_* environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.ObjectStore, err = objectstore.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("object store config: %w", err)
	}
	if cfg.Database, err = postgres.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("database config: %w", err)
	}
	cfg.AWS = awsauth.ConfigFromEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, raw []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		md, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown key %q", undecoded[0].String())
		}
		return nil
	case ".ini", ".cfg":
		f, err := ini.Load(raw)
		if err != nil {
			return err
		}
		if err := checkINIKeys(f); err != nil {
			return err
		}
		return f.MapTo(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// checkINIKeys rejects sections and keys that have no ini tag on Config, so
// a typo fails the load the way it does for yaml and toml.
func checkINIKeys(f *ini.File) error {
	known := iniKeys(reflect.TypeOf(Config{}))
	for _, sec := range f.Sections() {
		keys, ok := known[sec.Name()]
		if !ok && sec.Name() != ini.DefaultSection {
			return fmt.Errorf("unknown section %q", sec.Name())
		}
		for _, key := range sec.Keys() {
			if !keys[key.Name()] {
				return fmt.Errorf("unknown key %q", sec.Name()+"."+key.Name())
			}
		}
	}
	return nil
}

func iniKeys(t reflect.Type) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		section := field.Tag.Get("ini")
		if section == "" || section == "-" || field.Type.Kind() != reflect.Struct {
			continue
		}
		keys := map[string]bool{}
		for j := 0; j < field.Type.NumField(); j++ {
			if key := field.Type.Field(j).Tag.Get("ini"); key != "" && key != "-" {
				keys[key] = true
			}
		}
		out[section] = keys
	}
	return out
}

func (c *Config) applyEnv() error {
	c.Core.MetaDir = env.First(c.Core.MetaDir, "BUNDLERUN_META_DIR")
	c.Core.AWSConfigDir = env.First(c.Core.AWSConfigDir, "AWS_CONFIG_DIR")

	c.Docker.Registry = env.First(c.Docker.Registry, "BUNDLERUN_DOCKER_REGISTRY")
	c.Docker.RepositoryPrefix = env.First(c.Docker.RepositoryPrefix, "BUNDLERUN_DOCKER_REPOSITORY_PREFIX")
	c.Docker.Bin = env.First(c.Docker.Bin, "BUNDLERUN_DOCKER_BIN")

	c.Run.Backend = env.First(c.Run.Backend, "BUNDLERUN_BACKEND")
	c.Run.BatchQueue = env.First(c.Run.BatchQueue, "BUNDLERUN_BATCH_QUEUE")
	c.Run.BatchJobDefinition = env.First(c.Run.BatchJobDefinition, "BUNDLERUN_BATCH_JOB_DEFINITION")
	c.Run.TrainingRoleARN = env.First(c.Run.TrainingRoleARN, "BUNDLERUN_TRAINING_ROLE_ARN")
	c.Run.TrainingInputURI = env.First(c.Run.TrainingInputURI, "BUNDLERUN_TRAINING_INPUT_URI")
	c.Run.TrainingOutputURI = env.First(c.Run.TrainingOutputURI, "BUNDLERUN_TRAINING_OUTPUT_URI")
	c.Run.TrainingInstanceType = env.First(c.Run.TrainingInstanceType, "BUNDLERUN_TRAINING_INSTANCE_TYPE")

	ints := []struct {
		key string
		dst *int32
	}{
		{"BUNDLERUN_BATCH_VCPUS", &c.Run.BatchVCPUs},
		{"BUNDLERUN_BATCH_MEMORY_MIB", &c.Run.BatchMemoryMiB},
		{"BUNDLERUN_TRAINING_INSTANCE_COUNT", &c.Run.TrainingInstanceCount},
		{"BUNDLERUN_TRAINING_VOLUME_SIZE_GB", &c.Run.TrainingVolumeSizeGB},
		{"BUNDLERUN_TRAINING_MAX_RUNTIME_SECONDS", &c.Run.TrainingMaxRuntimeSeconds},
	}
	for _, v := range ints {
		n, err := env.Int32(v.key, *v.dst)
		if err != nil {
			return err
		}
		*v.dst = n
	}

	c.Log.Format = env.First(c.Log.Format, "BUNDLERUN_LOG_FORMAT")
	c.Log.Level = env.First(c.Log.Level, "BUNDLERUN_LOG_LEVEL")
	return nil
}

// Validate checks shape only. Keys a backend needs are checked by the
// Require accessors when that backend is selected.
func (c Config) Validate() error {
	if _, err := c.Backend(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Run.BatchVCPUs < 0 || c.Run.BatchMemoryMiB < 0 {
		return errors.New("run.batch_vcpus and run.batch_memory_mib must be >= 0")
	}
	if c.Run.TrainingInstanceCount < 0 || c.Run.TrainingVolumeSizeGB < 0 || c.Run.TrainingMaxRuntimeSeconds < 0 {
		return errors.New("training sizes must be >= 0")
	}
	for key, uri := range map[string]string{
		"run.training_input_uri":  c.Run.TrainingInputURI,
		"run.training_output_uri": c.Run.TrainingOutputURI,
	} {
		if strings.TrimSpace(uri) == "" {
			continue
		}
		if _, err := storage.ParseLocator(uri); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Backend is the configured default backend. Empty means Local.
func (c Config) Backend() (runtimeexec.Backend, error) {
	if strings.TrimSpace(c.Run.Backend) == "" {
		return runtimeexec.Local, nil
	}
	return runtimeexec.ParseBackend(c.Run.Backend)
}

func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func (c Config) RequireRegistry() (string, error) {
	registry := strings.TrimSpace(c.Docker.Registry)
	if registry == "" {
		return "", missing("docker.registry", "BUNDLERUN_DOCKER_REGISTRY")
	}
	return registry, nil
}

func (c Config) RequireBatchQueue() (string, error) {
	queue := strings.TrimSpace(c.Run.BatchQueue)
	if queue == "" {
		return "", missing("run.batch_queue", "BUNDLERUN_BATCH_QUEUE")
	}
	return queue, nil
}

// RequireTraining reports the first unset training key.
func (c Config) RequireTraining() (runtimeexec.TrainingConfig, error) {
	r := c.Run
	switch {
	case strings.TrimSpace(r.TrainingRoleARN) == "":
		return runtimeexec.TrainingConfig{}, missing("run.training_role_arn", "BUNDLERUN_TRAINING_ROLE_ARN")
	case strings.TrimSpace(r.TrainingInputURI) == "":
		return runtimeexec.TrainingConfig{}, missing("run.training_input_uri", "BUNDLERUN_TRAINING_INPUT_URI")
	case strings.TrimSpace(r.TrainingOutputURI) == "":
		return runtimeexec.TrainingConfig{}, missing("run.training_output_uri", "BUNDLERUN_TRAINING_OUTPUT_URI")
	case strings.TrimSpace(r.TrainingInstanceType) == "":
		return runtimeexec.TrainingConfig{}, missing("run.training_instance_type", "BUNDLERUN_TRAINING_INSTANCE_TYPE")
	case r.TrainingInstanceCount == 0:
		return runtimeexec.TrainingConfig{}, missing("run.training_instance_count", "BUNDLERUN_TRAINING_INSTANCE_COUNT")
	case r.TrainingVolumeSizeGB == 0:
		return runtimeexec.TrainingConfig{}, missing("run.training_volume_size_gb", "BUNDLERUN_TRAINING_VOLUME_SIZE_GB")
	case r.TrainingMaxRuntimeSeconds == 0:
		return runtimeexec.TrainingConfig{}, missing("run.training_max_runtime_seconds", "BUNDLERUN_TRAINING_MAX_RUNTIME_SECONDS")
	}
	return runtimeexec.TrainingConfig{
		RoleARN:           strings.TrimSpace(r.TrainingRoleARN),
		InputURI:          strings.TrimSpace(r.TrainingInputURI),
		OutputURI:         strings.TrimSpace(r.TrainingOutputURI),
		InstanceType:      strings.TrimSpace(r.TrainingInstanceType),
		InstanceCount:     r.TrainingInstanceCount,
		VolumeSizeGB:      r.TrainingVolumeSizeGB,
		MaxRuntimeSeconds: r.TrainingMaxRuntimeSeconds,
	}, nil
}

func (c Config) JobDefinitions() jobdef.Config {
	return jobdef.Config{
		Override:  strings.TrimSpace(c.Run.BatchJobDefinition),
		VCPUs:     c.Run.BatchVCPUs,
		MemoryMiB: c.Run.BatchMemoryMiB,
	}
}

func (c Config) DockerRunner(training bool) runtimeexec.DockerConfig {
	return runtimeexec.DockerConfig{
		Bin:          c.Docker.Bin,
		Training:     training,
		Profile:      c.AWS.Profile,
		AWSConfigDir: c.Core.AWSConfigDir,
		MetaDir:      c.Core.MetaDir,
	}
}

func missing(key, envKey string) error {
	return fmt.Errorf("%w: %s (or %s)", ErrMissingKey, key, envKey)
}
