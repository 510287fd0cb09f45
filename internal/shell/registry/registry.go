// Package registry provides the container registry adapter for image tag
// hygiene and push authentication.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	smithy "github.com/aws/smithy-go"
)

// latestTag is cleaned alongside the environment tag on every run.
const latestTag = "latest"

// =============================================================================
// Registry Client
// =============================================================================

// API is the subset of the registry control interface the client uses.
type API interface {
	BatchGetImage(ctx context.Context, params *ecr.BatchGetImageInput, optFns ...func(*ecr.Options)) (*ecr.BatchGetImageOutput, error)
	BatchDeleteImage(ctx context.Context, params *ecr.BatchDeleteImageInput, optFns ...func(*ecr.Options)) (*ecr.BatchDeleteImageOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// NewAPI creates a registry API client for one account and region.
func NewAPI(region, accessKeyID, secretAccessKey string) *ecr.Client {
	return ecr.New(ecr.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	})
}

// Client wraps the registry control interface with tag hygiene operations.
type Client struct {
	api    API
	logger *slog.Logger
}

// NewClient creates a registry client.
func NewClient(api API, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    api,
		logger: logger.With("component", "registry"),
	}
}

// =============================================================================
// Tag Operations
// =============================================================================

// TagExists reports whether the repository currently has an image under the
// given tag. A missing tag is not an error.
func (c *Client) TagExists(ctx context.Context, repository, tag string) (bool, error) {
	out, err := c.api.BatchGetImage(ctx, &ecr.BatchGetImageInput{
		RepositoryName: aws.String(repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RepositoryNotFoundException" {
			return false, NewRegistryError("TagExists", repository, tag, "repository does not exist", ErrRepositoryNotFound)
		}
		return false, NewRegistryError("TagExists", repository, tag, fmt.Sprintf("failed to look up tag: %v", err), err)
	}

	for _, failure := range out.Failures {
		if failure.FailureCode == ecrtypes.ImageFailureCodeImageNotFound {
			return false, nil
		}
		return false, NewRegistryError("TagExists", repository, tag,
			fmt.Sprintf("lookup failed: %s (%s)", aws.ToString(failure.FailureReason), failure.FailureCode), nil)
	}

	return len(out.Images) > 0, nil
}

// DeleteTag removes the image under the given tag. A missing tag is treated
// as success so cleanup stays idempotent even when it races another run.
func (c *Client) DeleteTag(ctx context.Context, repository, tag string) error {
	out, err := c.api.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
		RepositoryName: aws.String(repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RepositoryNotFoundException" {
			return NewRegistryError("DeleteTag", repository, tag, "repository does not exist", ErrRepositoryNotFound)
		}
		return NewRegistryError("DeleteTag", repository, tag, fmt.Sprintf("failed to delete tag: %v", err), err)
	}

	for _, failure := range out.Failures {
		if failure.FailureCode == ecrtypes.ImageFailureCodeImageNotFound {
			c.logger.Debug("tag already absent", "repository", repository, "tag", tag)
			continue
		}
		return NewRegistryError("DeleteTag", repository, tag,
			fmt.Sprintf("delete failed: %s (%s)", aws.ToString(failure.FailureReason), failure.FailureCode), nil)
	}

	return nil
}

// CleanStaleTags deletes the environment tag and the latest tag if present.
// Tags are immutable on push, so stale references must be cleared before the
// new image is published. Absent tags are skipped. Returns the tags that
// were actually deleted.
func (c *Client) CleanStaleTags(ctx context.Context, repository, environmentTag string) ([]string, error) {
	deleted := make([]string, 0, 2)

	for _, tag := range []string{environmentTag, latestTag} {
		exists, err := c.TagExists(ctx, repository, tag)
		if err != nil {
			return deleted, err
		}
		if !exists {
			c.logger.Debug("tag absent, nothing to clean", "repository", repository, "tag", tag)
			continue
		}

		if err := c.DeleteTag(ctx, repository, tag); err != nil {
			return deleted, err
		}
		c.logger.Info("stale tag deleted", "repository", repository, "tag", tag)
		deleted = append(deleted, tag)
	}

	return deleted, nil
}

// =============================================================================
// Authentication
// =============================================================================

// Auth carries decoded registry credentials for pushing images.
type Auth struct {
	ServerAddress string
	Username      string
	Password      string
	ExpiresAt     time.Time
}

// Login fetches and decodes an authorization token for the registry. The
// returned server address is the registry host the image reference must be
// prefixed with.
func (c *Client) Login(ctx context.Context) (Auth, error) {
	out, err := c.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Auth{}, NewRegistryError("Login", "", "", fmt.Sprintf("failed to get authorization token: %v", err), ErrAuthFailed)
	}
	if len(out.AuthorizationData) == 0 {
		return Auth{}, NewRegistryError("Login", "", "", "no authorization data returned", ErrAuthFailed)
	}

	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return Auth{}, NewRegistryError("Login", "", "", "malformed authorization token", ErrAuthFailed)
	}

	// The token decodes to "user:password" with a fixed user.
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return Auth{}, NewRegistryError("Login", "", "", "malformed authorization token", ErrAuthFailed)
	}

	auth := Auth{
		ServerAddress: strings.TrimPrefix(aws.ToString(data.ProxyEndpoint), "https://"),
		Username:      parts[0],
		Password:      parts[1],
	}
	if data.ExpiresAt != nil {
		auth.ExpiresAt = *data.ExpiresAt
	}

	c.logger.Debug("registry login succeeded", "server", auth.ServerAddress, "expires_at", auth.ExpiresAt)
	return auth, nil
}

// ImageRef composes the fully qualified reference for a repository and tag
// within this registry.
func (a Auth) ImageRef(repository, tag string) string {
	return fmt.Sprintf("%s/%s:%s", a.ServerAddress, repository, tag)
}
