// Package awsconf turns the shared AWS_* environment keys into an aws.Config
// for the sns and sqs providers.
package awsconf

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// Config holds the AWS keys shared by every AWS-backed provider.
type Config struct {
	Region          string `env:"AWS_REGION"`
	AccountID       string `env:"AWS_ACCOUNT_ID"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint        string `env:"AWS_ENDPOINT"`
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// Load builds an aws.Config from cfg on top of the SDK's default chain.
func Load(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		logger.Info("Using static AWS credentials from environment", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(StaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": cfg.Region})
		return aws.Config{}, err
	}

	// The loader may ignore options in tests.
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	endpoint, err := cfg.EndpointURL()
	if err != nil {
		return aws.Config{}, err
	}
	if endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}

	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": endpoint != nil,
	})
	return awsCfg, nil
}

// EndpointURL parses AWS_ENDPOINT. It returns nil when unset.
func (c Config) EndpointURL() (*url.URL, error) {
	if c.Endpoint == "" {
		return nil, nil
	}
	parsed, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("AWS endpoint %q must be an absolute URL", c.Endpoint)
	}
	return parsed, nil
}

// ResolveAccountID returns the configured account, falling back to the
// LocalStack default when a custom endpoint is used without a valid one.
func (c Config) ResolveAccountID(logger watermill.LoggerAdapter) string {
	accountID := strings.Trim(c.AccountID, "\"' ")
	if c.Endpoint == "" {
		return accountID
	}
	if accountID == "" {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID
	}
	if len(accountID) != awsAccountIDLength {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		return localstackAccountID
	}
	return accountID
}

// StaticCredentials returns a provider for fixed credentials.
func StaticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "abe-environment",
		}, nil
	})
}
