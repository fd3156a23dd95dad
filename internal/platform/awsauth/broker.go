package awsauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-ini/ini"

	"github.com/animus-labs/bundlerun/internal/platform/awsapi"
	"github.com/animus-labs/bundlerun/internal/platform/env"
)

const defaultProfile = "default"

var ErrUnknownProfile = errors.New("unknown aws profile")

// Config selects the AWS account context. Profile empty means "default".
type Config struct {
	Profile         string
	RegionOverride  string
	ConfigFile      string
	CredentialsFile string
}

func ConfigFromEnv() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Profile:         env.First("", "AWS_PROFILE", "AWS_DEFAULT_PROFILE"),
		RegionOverride:  env.First("", "AWS_REGION", "AWS_DEFAULT_REGION"),
		ConfigFile:      env.String("AWS_CONFIG_FILE", filepath.Join(home, ".aws", "config")),
		CredentialsFile: env.String("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(home, ".aws", "credentials")),
	}
}

// ActiveProfile is the profile name used for lookups.
func (c Config) ActiveProfile() string {
	if p := strings.TrimSpace(c.Profile); p != "" {
		return p
	}
	return defaultProfile
}

// STSAPI is the part of the STS client the broker calls.
type STSAPI interface {
	GetSessionToken(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error)
}

// Credentials are short-lived keys minted for a single dispatch.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Duration        time.Duration
	Expiration      time.Time
}

// Env returns the credentials as container environment overrides.
func (c Credentials) Env() map[string]string {
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": c.SecretAccessKey,
		"AWS_SESSION_TOKEN":     c.SessionToken,
	}
}

type Broker struct {
	cfg    Config
	sts    STSAPI
	logger *slog.Logger
}

func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{cfg: cfg, logger: logger}
}

// WithSTS returns a copy of the broker that mints tokens through client.
func (b *Broker) WithSTS(client STSAPI) *Broker {
	out := *b
	out.sts = client
	return &out
}

func (b *Broker) Profile() string {
	return b.cfg.ActiveProfile()
}

// ResolveRegion returns the region override when set. Otherwise it follows
// the source_profile chain of the active profile through the shared config
// and credentials files and returns the first region found, or "" when the
// chain ends without one. Only an undefined active profile is an error.
func (b *Broker) ResolveRegion() (string, error) {
	if b == nil {
		return "", errors.New("aws broker not initialized")
	}
	if region := strings.TrimSpace(b.cfg.RegionOverride); region != "" {
		return region, nil
	}

	files, err := loadProfiles(b.cfg.ConfigFile, b.cfg.CredentialsFile)
	if err != nil {
		return "", err
	}

	seen := map[string]bool{}
	name := b.cfg.ActiveProfile()
	for {
		if seen[name] {
			b.logger.Warn("aws profile chain loops, stopping", "profile", name)
			return "", nil
		}
		seen[name] = true

		sec, ok := files.section(name)
		if !ok {
			if len(seen) == 1 {
				return "", fmt.Errorf("%w: %q", ErrUnknownProfile, name)
			}
			b.logger.Warn("aws source_profile not defined, no region", "profile", name)
			return "", nil
		}
		if region := strings.TrimSpace(sec.Key("region").String()); region != "" {
			return region, nil
		}
		next := strings.TrimSpace(sec.Key("source_profile").String())
		if next == "" {
			return "", nil
		}
		name = next
	}
}

// MintSessionToken asks STS for credentials valid for exactly seconds.
func (b *Broker) MintSessionToken(ctx context.Context, seconds int32) (Credentials, error) {
	if b == nil || b.sts == nil {
		return Credentials{}, errors.New("aws broker sts client not initialized")
	}
	if seconds <= 0 {
		return Credentials{}, errors.New("session token duration must be positive")
	}
	out, err := b.sts.GetSessionToken(ctx, &sts.GetSessionTokenInput{DurationSeconds: aws.Int32(seconds)})
	if err != nil {
		return Credentials{}, awsapi.Wrap("GetSessionToken", err)
	}
	if out == nil || out.Credentials == nil {
		return Credentials{}, errors.New("GetSessionToken: empty credentials")
	}
	creds := Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Duration:        time.Duration(seconds) * time.Second,
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}
	b.logger.Info("minted session token", "duration_seconds", seconds, "expiration", creds.Expiration)
	return creds, nil
}

// AWSConfig loads SDK configuration for the active profile and resolved region.
// A profile named explicitly must exist in the shared files; the default
// profile may be missing when credentials come from the environment.
func (b *Broker) AWSConfig(ctx context.Context) (aws.Config, error) {
	if b == nil {
		return aws.Config{}, errors.New("aws broker not initialized")
	}
	profile := strings.TrimSpace(b.cfg.Profile)
	if profile != "" {
		if err := b.requireProfile(profile); err != nil {
			return aws.Config{}, err
		}
	}
	region, err := b.ResolveRegion()
	if err != nil && (profile != "" || !errors.Is(err, ErrUnknownProfile)) {
		return aws.Config{}, err
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func (b *Broker) requireProfile(name string) error {
	files, err := loadProfiles(b.cfg.ConfigFile, b.cfg.CredentialsFile)
	if err != nil {
		return err
	}
	if _, ok := files.section(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return nil
}

type profileFiles struct {
	config      *ini.File
	credentials *ini.File
}

func loadProfiles(configFile, credentialsFile string) (profileFiles, error) {
	var out profileFiles
	var err error
	if out.config, err = loadOptional(configFile); err != nil {
		return profileFiles{}, fmt.Errorf("load aws config file: %w", err)
	}
	if out.credentials, err = loadOptional(credentialsFile); err != nil {
		return profileFiles{}, fmt.Errorf("load aws credentials file: %w", err)
	}
	return out, nil
}

func loadOptional(path string) (*ini.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ini.Empty(), nil
	}
	return ini.LooseLoad(path)
}

// section merges a profile across both files. In the config file non-default
// profiles are written "[profile name]"; the config file wins per key.
func (f profileFiles) section(name string) (*ini.Section, bool) {
	merged := ini.Empty().Section(name)
	found := false
	if sec, err := f.credentials.GetSection(name); err == nil {
		found = true
		copyKeys(merged, sec)
	}
	configName := "profile " + name
	if name == defaultProfile {
		configName = defaultProfile
	}
	for _, candidate := range []string{configName, name} {
		if sec, err := f.config.GetSection(candidate); err == nil {
			found = true
			copyKeys(merged, sec)
			break
		}
	}
	return merged, found
}

func copyKeys(dst, src *ini.Section) {
	for _, key := range src.Keys() {
		_, _ = dst.NewKey(key.Name(), key.Value())
	}
}
