// Package archive uploads the retrieved files of finished calculations to
// S3 or an S3-compatible store.
package archive

import "strings"

// Config configures an S3 archive.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi)
// set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Prefix is prepended to every object key, e.g. "runs/".
	Prefix string

	// Region is the AWS region. Without an Endpoint it defaults to
	// us-east-1 when neither the environment nor the profile sets one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

// resolveRegion keeps the SDK-resolved region, else defaults AWS S3 to
// us-east-1. S3-compatible endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
