package objectstore

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/animus-labs/bundlerun/internal/platform/env"
)

const DefaultEndpoint = "s3.amazonaws.com"

// Config describes how to reach the S3-compatible service that backs remotes.
// Static keys are optional; when absent the client walks the usual AWS chain
// (environment, shared credentials file for Profile, instance role).
type Config struct {
	Endpoint        string
	Region          string
	UseSSL          bool
	Profile         string
	CredentialsFile string
	AccessKey       string
	SecretKey       string
	SessionToken    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("BUNDLERUN_S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("BUNDLERUN_S3_ENDPOINT", DefaultEndpoint),
		Region:          env.First("", "BUNDLERUN_S3_REGION", "AWS_REGION", "AWS_DEFAULT_REGION"),
		UseSSL:          useSSL,
		Profile:         env.String("AWS_PROFILE", ""),
		CredentialsFile: env.String("AWS_SHARED_CREDENTIALS_FILE", ""),
		AccessKey:       env.String("BUNDLERUN_S3_ACCESS_KEY", ""),
		SecretKey:       env.String("BUNDLERUN_S3_SECRET_KEY", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if (strings.TrimSpace(c.AccessKey) == "") != (strings.TrimSpace(c.SecretKey) == "") {
		return errors.New("access key and secret key must be set together")
	}
	return nil
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     credentialChain(cfg),
		Secure:    cfg.UseSSL,
		Region:    strings.TrimSpace(cfg.Region),
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func credentialChain(cfg Config) *credentials.Credentials {
	if strings.TrimSpace(cfg.AccessKey) != "" {
		return credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{
			Filename: strings.TrimSpace(cfg.CredentialsFile),
			Profile:  strings.TrimSpace(cfg.Profile),
		},
		&credentials.IAM{},
	})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
