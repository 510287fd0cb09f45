// Package docker provides a Docker client for building, tagging and pushing
// the application image.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/go-archive"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// Client wraps the Docker SDK for the image publish stage.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewClient creates a Docker client.
// If host is empty, it uses the default Docker host from environment.
func NewClient(host string, logger *slog.Logger) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewClient", "", "failed to create client", ErrConnectionFailed)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cli:    cli,
		logger: logger.With("component", "docker"),
	}, nil
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// BuildImage builds an image from the spec's context directory. The classic
// builder is used so the push carries a plain manifest without provenance
// or SBOM attestation layers the registry cleanup would not account for.
func (c *Client) BuildImage(ctx context.Context, spec BuildSpec) error {
	if spec.ContextDir == "" || len(spec.Tags) == 0 {
		return NewDockerError("BuildImage", "", "context dir and at least one tag are required", ErrInvalidBuildSpec)
	}

	contextTar, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return NewDockerError("BuildImage", spec.Tags[0], fmt.Sprintf("failed to tar build context: %v", err), err)
	}
	defer contextTar.Close()

	args := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		args[k] = &v
	}

	c.logger.Info("building image",
		"tags", spec.Tags,
		"dockerfile", spec.Dockerfile,
		"build_args", buildArgNames(spec.BuildArgs),
	)

	resp, err := c.cli.ImageBuild(ctx, contextTar, build.ImageBuildOptions{
		Tags:        spec.Tags,
		Dockerfile:  spec.Dockerfile,
		BuildArgs:   args,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
		Version:     build.BuilderV1,
	})
	if err != nil {
		return NewDockerError("BuildImage", spec.Tags[0], err.Error(), ErrBuildFailed)
	}
	defer resp.Body.Close()

	// The daemon streams progress; failures arrive inside the stream.
	if err := drainStream(resp.Body); err != nil {
		return NewDockerError("BuildImage", spec.Tags[0], err.Error(), ErrBuildFailed)
	}

	c.logger.Info("image built", "tags", spec.Tags)
	return nil
}

// TagImage applies an additional reference to an existing image.
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	if err := c.cli.ImageTag(ctx, source, target); err != nil {
		return NewDockerError("TagImage", source, fmt.Sprintf("failed to tag as %s: %v", target, err), err)
	}
	return nil
}

// PushImage pushes an image reference using the given registry credentials.
func (c *Client) PushImage(ctx context.Context, ref string, auth RegistryAuth) error {
	encoded, err := dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	})
	if err != nil {
		return NewDockerError("PushImage", ref, "failed to encode registry auth", err)
	}

	c.logger.Info("pushing image", "ref", ref)

	reader, err := c.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return NewDockerError("PushImage", ref, err.Error(), classifyPushError(err.Error()))
	}
	defer reader.Close()

	if err := drainStream(reader); err != nil {
		return NewDockerError("PushImage", ref, err.Error(), classifyPushError(err.Error()))
	}

	c.logger.Info("image pushed", "ref", ref)
	return nil
}

// =============================================================================
// Stream Handling
// =============================================================================

// drainStream consumes a daemon JSON message stream and surfaces any error
// message embedded in it.
func drainStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
	}
}

// classifyPushError maps daemon error text to a sentinel.
func classifyPushError(msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "denied") ||
		strings.Contains(lower, "authentication required") ||
		strings.Contains(lower, "repository does not exist") {
		return ErrPushDenied
	}
	return ErrPushFailed
}

// buildArgNames returns the arg names only, keeping values out of logs.
func buildArgNames(args map[string]string) []string {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	return names
}
