// Package orchestrator provides the container orchestration adapter for
// task definition management, service updates and stability waits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	smithy "github.com/aws/smithy-go"

	"github.com/artpar/shipper/internal/core/stability"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the stability wait.
type Config struct {
	// PollInterval is the time between service descriptions while waiting.
	// Default: 15 seconds.
	PollInterval time.Duration

	// WaitTimeout is the maximum time to wait for the service to stabilize.
	// Default: 10 minutes.
	WaitTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		WaitTimeout:  10 * time.Minute,
	}
}

// =============================================================================
// Orchestrator Client
// =============================================================================

// API is the subset of the orchestration control interface the client uses.
type API interface {
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
}

// NewAPI creates an orchestration API client for one account and region.
func NewAPI(region, accessKeyID, secretAccessKey string) *ecs.Client {
	return ecs.New(ecs.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	})
}

// Client wraps the orchestration control interface.
type Client struct {
	api    API
	config Config
	logger *slog.Logger
}

// NewClient creates an orchestrator client.
func NewClient(api API, config Config, logger *slog.Logger) *Client {
	if config.PollInterval == 0 {
		config.PollInterval = 15 * time.Second
	}
	if config.WaitTimeout == 0 {
		config.WaitTimeout = 10 * time.Minute
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:    api,
		config: config,
		logger: logger.With("component", "orchestrator"),
	}
}

// =============================================================================
// Task Definition Operations
// =============================================================================

// FetchTaskDefinition describes the latest active revision of a family.
func (c *Client) FetchTaskDefinition(ctx context.Context, family string) (*ecstypes.TaskDefinition, error) {
	out, err := c.api.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(family),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ClientException" {
			return nil, NewOrchestratorError("FetchTaskDefinition", "task_definition", family,
				"family has no registered revision", ErrTaskFamilyNotFound)
		}
		return nil, NewOrchestratorError("FetchTaskDefinition", "task_definition", family,
			fmt.Sprintf("describe failed: %v", err), err)
	}
	if out.TaskDefinition == nil {
		return nil, NewOrchestratorError("FetchTaskDefinition", "task_definition", family,
			"empty describe response", ErrTaskFamilyNotFound)
	}

	c.logger.Debug("task definition fetched",
		"family", family,
		"revision", out.TaskDefinition.Revision,
		"arn", aws.ToString(out.TaskDefinition.TaskDefinitionArn),
	)
	return out.TaskDefinition, nil
}

// RegisterTaskDefinition registers an adapted task definition and returns
// the new revision's ARN. The orchestration service assigns the revision.
func (c *Client) RegisterTaskDefinition(ctx context.Context, input *ecs.RegisterTaskDefinitionInput) (string, int32, error) {
	out, err := c.api.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return "", 0, NewOrchestratorError("RegisterTaskDefinition", "task_definition", aws.ToString(input.Family),
			fmt.Sprintf("register failed: %v", err), ErrRegisterFailed)
	}
	if out.TaskDefinition == nil {
		return "", 0, NewOrchestratorError("RegisterTaskDefinition", "task_definition", aws.ToString(input.Family),
			"empty register response", ErrRegisterFailed)
	}

	arn := aws.ToString(out.TaskDefinition.TaskDefinitionArn)
	revision := out.TaskDefinition.Revision
	c.logger.Info("task definition registered",
		"family", aws.ToString(input.Family),
		"revision", revision,
		"arn", arn,
	)
	return arn, revision, nil
}

// =============================================================================
// Service Operations
// =============================================================================

// UpdateService points the service at a task definition and forces a new
// deployment so tasks are replaced even when the definition is unchanged.
func (c *Client) UpdateService(ctx context.Context, cluster, service, taskDefARN string) error {
	_, err := c.api.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(cluster),
		Service:            aws.String(service),
		TaskDefinition:     aws.String(taskDefARN),
		ForceNewDeployment: true,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ServiceNotFoundException" {
			return NewOrchestratorError("UpdateService", "service", service, "service does not exist", ErrServiceNotFound)
		}
		return NewOrchestratorError("UpdateService", "service", service,
			fmt.Sprintf("update failed: %v", err), err)
	}

	c.logger.Info("service update requested",
		"cluster", cluster,
		"service", service,
		"task_definition", taskDefARN,
	)
	return nil
}

// WaitForStable polls the service until it stabilizes, the rollout fails,
// or the configured timeout elapses. There is no automatic rollback on
// timeout; the caller surfaces the failure to the operator.
func (c *Client) WaitForStable(ctx context.Context, cluster, service string) error {
	deadline := time.Now().Add(c.config.WaitTimeout)
	c.logger.Info("waiting for service stability",
		"cluster", cluster,
		"service", service,
		"poll_interval", c.config.PollInterval,
		"timeout", c.config.WaitTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.PollInterval):
		}

		snapshot, err := c.describeService(ctx, cluster, service)
		if err != nil {
			return err
		}

		switch stability.Evaluate(snapshot) {
		case stability.StateStable:
			c.logger.Info("service stable", "cluster", cluster, "service", service, "task_definition", snapshot.TaskDefinition)
			return nil
		case stability.StateFailed:
			return NewOrchestratorError("WaitForStable", "service", service,
				fmt.Sprintf("rollout cannot converge: status=%s rollout=%s", snapshot.Status, snapshot.RolloutState), ErrRolloutFailed)
		}

		c.logger.Debug("service converging", "service", service, "progress", stability.Progress(snapshot))

		if time.Now().After(deadline) {
			return NewOrchestratorError("WaitForStable", "service", service,
				fmt.Sprintf("not stable after %s", c.config.WaitTimeout), ErrStabilityTimeout)
		}
	}
}

// describeService fetches the service and reduces it to a snapshot.
func (c *Client) describeService(ctx context.Context, cluster, service string) (stability.ServiceSnapshot, error) {
	out, err := c.api.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return stability.ServiceSnapshot{}, NewOrchestratorError("DescribeService", "service", service,
			fmt.Sprintf("describe failed: %v", err), err)
	}
	if len(out.Services) == 0 {
		return stability.ServiceSnapshot{}, NewOrchestratorError("DescribeService", "service", service,
			"service does not exist", ErrServiceNotFound)
	}

	svc := out.Services[0]
	snapshot := stability.ServiceSnapshot{
		Status:          aws.ToString(svc.Status),
		DesiredCount:    svc.DesiredCount,
		RunningCount:    svc.RunningCount,
		PendingCount:    svc.PendingCount,
		DeploymentCount: len(svc.Deployments),
	}
	for _, d := range svc.Deployments {
		if aws.ToString(d.Status) == "PRIMARY" {
			snapshot.TaskDefinition = aws.ToString(d.TaskDefinition)
			snapshot.RolloutState = string(d.RolloutState)
			break
		}
	}

	return snapshot, nil
}
