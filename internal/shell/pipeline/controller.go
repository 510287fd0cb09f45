// Package pipeline drives deployment runs across the registry, image
// publisher and orchestrator adapters.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/artpar/shipper/internal/core/environment"
	core "github.com/artpar/shipper/internal/core/pipeline"
	"github.com/artpar/shipper/internal/core/taskdef"
	"github.com/artpar/shipper/internal/shell/docker"
	"github.com/artpar/shipper/internal/shell/registry"
	"github.com/artpar/shipper/internal/shell/store"
)

var (
	// ErrNoTarget is returned when no deploy target is configured for the
	// resolved environment.
	ErrNoTarget = errors.New("no deploy target for environment")

	// ErrNoRollbackTarget is returned when an environment has no stable run
	// to roll back to.
	ErrNoRollbackTarget = errors.New("no stable run to roll back to")
)

// environmentBuildArg is the build argument the application image uses to
// bake in its target environment.
const environmentBuildArg = "ENV"

// =============================================================================
// Adapter Interfaces
// =============================================================================

// Registry is the registry adapter surface the controller uses.
type Registry interface {
	Login(ctx context.Context) (registry.Auth, error)
	CleanStaleTags(ctx context.Context, repository, environmentTag string) ([]string, error)
}

// Publisher is the image build and push surface the controller uses.
type Publisher interface {
	BuildImage(ctx context.Context, spec docker.BuildSpec) error
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string, auth docker.RegistryAuth) error
}

// Orchestrator is the service orchestration surface the controller uses.
type Orchestrator interface {
	FetchTaskDefinition(ctx context.Context, family string) (*ecstypes.TaskDefinition, error)
	RegisterTaskDefinition(ctx context.Context, input *ecs.RegisterTaskDefinitionInput) (string, int32, error)
	UpdateService(ctx context.Context, cluster, service, taskDefARN string) error
	WaitForStable(ctx context.Context, cluster, service string) error
}

// Target bundles the environment-specific adapters. Each environment lives
// in its own account, so registries and orchestrators come in pairs.
type Target struct {
	Registry     Registry
	Orchestrator Orchestrator
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the controller.
type Config struct {
	// Repository is the registry repository the application image lives in.
	Repository string

	// Cluster is the orchestration cluster holding the app services.
	Cluster string

	// BuildContext is the docker build context directory. Default: ".".
	BuildContext string

	// Dockerfile is the path of the Dockerfile relative to the build
	// context. Default: "Dockerfile".
	Dockerfile string
}

// =============================================================================
// Controller
// =============================================================================

// Controller executes deployment runs: it resolves the target environment
// from the ref, publishes the image and redeploys the service, persisting
// every step transition.
type Controller struct {
	store     store.Store
	publisher Publisher
	targets   map[environment.Name]Target
	config    Config
	logger    *slog.Logger
}

// NewController creates a pipeline controller.
func NewController(s store.Store, publisher Publisher, targets map[environment.Name]Target, config Config, logger *slog.Logger) *Controller {
	if config.BuildContext == "" {
		config.BuildContext = "."
	}
	if config.Dockerfile == "" {
		config.Dockerfile = "Dockerfile"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		store:     s,
		publisher: publisher,
		targets:   targets,
		config:    config,
		logger:    logger.With("component", "pipeline"),
	}
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy runs the full two-stage pipeline for a ref. The returned run
// carries the terminal step; on failure the causal error is returned
// alongside the failed run. There is no retry and no automatic rollback.
func (c *Controller) Deploy(ctx context.Context, trigger core.Trigger, ref string) (*core.Run, error) {
	run := core.NewRun(trigger, ref)
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	env := environment.Resolve(ref)
	logger := c.logger.With("run_id", run.ID, "ref", env.Ref, "environment", env.Environment.String())
	logger.Info("pipeline run started", "trigger", trigger)

	target, ok := c.targets[env.Environment]
	if !ok {
		return run, c.failRun(ctx, run, fmt.Errorf("%w: %s", ErrNoTarget, env.Environment), logger)
	}

	run.Environment = env.Environment.String()
	if err := c.advance(ctx, run, core.StepEnvironmentResolved); err != nil {
		return run, c.failRun(ctx, run, err, logger)
	}
	logger.Info("environment resolved",
		"service", env.ServiceName,
		"task_family", env.TaskFamily,
		"image_tag", env.ImageTag,
	)

	if err := c.store.AcquireLock(ctx, run.Environment, run.ID); err != nil {
		return run, c.failRun(ctx, run, err, logger)
	}
	defer c.releaseLock(run.Environment, run.ID, logger)

	if err := c.publish(ctx, run, env, target, logger); err != nil {
		return run, err
	}
	if err := c.redeploy(ctx, run, env, target, logger); err != nil {
		return run, err
	}

	logger.Info("pipeline run complete", "image", run.Image, "task_definition", run.NewTaskDefARN)
	return run, nil
}

// publish is the build-and-publish stage: clean stale tags, build the image
// with the environment baked in, tag and push it.
func (c *Controller) publish(ctx context.Context, run *core.Run, env environment.Context, target Target, logger *slog.Logger) error {
	auth, err := target.Registry.Login(ctx)
	if err != nil {
		return c.failRun(ctx, run, fmt.Errorf("registry login: %w", err), logger)
	}

	deleted, err := target.Registry.CleanStaleTags(ctx, c.config.Repository, env.ImageTag)
	if err != nil {
		return c.failRun(ctx, run, fmt.Errorf("clean stale tags: %w", err), logger)
	}
	if err := c.advance(ctx, run, core.StepTagsCleaned); err != nil {
		return c.failRun(ctx, run, err, logger)
	}
	logger.Info("stale tags cleaned", "repository", c.config.Repository, "deleted", deleted)

	localRef := fmt.Sprintf("%s:%s", c.config.Repository, env.ImageTag)
	remoteRef := auth.ImageRef(c.config.Repository, env.ImageTag)

	buildSpec := docker.BuildSpec{
		ContextDir: c.config.BuildContext,
		Dockerfile: c.config.Dockerfile,
		Tags:       []string{localRef},
		BuildArgs:  map[string]string{environmentBuildArg: env.Environment.String()},
		Labels: map[string]string{
			"shipper.run-id":      run.ID,
			"shipper.environment": run.Environment,
		},
	}
	if err := c.publisher.BuildImage(ctx, buildSpec); err != nil {
		return c.failRun(ctx, run, fmt.Errorf("build image: %w", err), logger)
	}
	if err := c.publisher.TagImage(ctx, localRef, remoteRef); err != nil {
		return c.failRun(ctx, run, fmt.Errorf("tag image: %w", err), logger)
	}
	if err := c.publisher.PushImage(ctx, remoteRef, docker.RegistryAuth{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	}); err != nil {
		return c.failRun(ctx, run, fmt.Errorf("push image: %w", err), logger)
	}

	run.Image = remoteRef
	if err := c.advance(ctx, run, core.StepImagePublished); err != nil {
		return c.failRun(ctx, run, err, logger)
	}
	logger.Info("image published", "image", remoteRef)

	return nil
}

// redeploy is the service update stage: fetch the active task definition,
// adapt it to the new image, register the revision and force a redeploy.
func (c *Controller) redeploy(ctx context.Context, run *core.Run, env environment.Context, target Target, logger *slog.Logger) error {
	fetched, err := target.Orchestrator.FetchTaskDefinition(ctx, env.TaskFamily)
	if err != nil {
		return c.failRun(ctx, run, fmt.Errorf("fetch task definition: %w", err), logger)
	}
	run.PreviousTaskDefARN = aws.ToString(fetched.TaskDefinitionArn)
	if err := c.advance(ctx, run, core.StepTaskDefinitionFetched); err != nil {
		return c.failRun(ctx, run, err, logger)
	}

	input, err := taskdef.Adapt(fetched, run.Image)
	if err != nil {
		return c.failRun(ctx, run, fmt.Errorf("adapt task definition: %w", err), logger)
	}
	if err := c.advance(ctx, run, core.StepTaskDefinitionAdapted); err != nil {
		return c.failRun(ctx, run, err, logger)
	}

	arn, revision, err := target.Orchestrator.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return c.failRun(ctx, run, fmt.Errorf("register task definition: %w", err), logger)
	}
	run.NewTaskDefARN = arn
	if err := c.advance(ctx, run, core.StepTaskDefinitionRegistered); err != nil {
		return c.failRun(ctx, run, err, logger)
	}
	logger.Info("task definition registered", "arn", arn, "revision", revision)

	if err := target.Orchestrator.UpdateService(ctx, c.config.Cluster, env.ServiceName, arn); err != nil {
		return c.failRun(ctx, run, fmt.Errorf("update service: %w", err), logger)
	}
	if err := c.advance(ctx, run, core.StepServiceUpdateRequested); err != nil {
		return c.failRun(ctx, run, err, logger)
	}

	if err := target.Orchestrator.WaitForStable(ctx, c.config.Cluster, env.ServiceName); err != nil {
		return c.failRun(ctx, run, fmt.Errorf("wait for stability: %w", err), logger)
	}
	if err := c.advance(ctx, run, core.StepStable); err != nil {
		return c.failRun(ctx, run, err, logger)
	}
	logger.Info("service stable", "service", env.ServiceName)

	return nil
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback re-points the environment's service at the task definition of
// the last stable run and waits for stability. The image is not rebuilt.
func (c *Controller) Rollback(ctx context.Context, env environment.Name) (*core.Run, error) {
	previous, err := c.store.LatestSucceededRun(ctx, env.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoRollbackTarget, env)
		}
		return nil, err
	}
	if previous.NewTaskDefARN == "" {
		return nil, fmt.Errorf("%w: run %s recorded no task definition", ErrNoRollbackTarget, previous.ID)
	}

	run := core.NewRun(core.TriggerRollback, previous.Ref)
	run.Environment = env.String()
	run.Image = previous.Image
	run.NewTaskDefARN = previous.NewTaskDefARN
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	logger := c.logger.With("run_id", run.ID, "environment", env.String(), "target_run_id", previous.ID)
	logger.Info("rollback started", "task_definition", previous.NewTaskDefARN)

	target, ok := c.targets[env]
	if !ok {
		return run, c.failRun(ctx, run, fmt.Errorf("%w: %s", ErrNoTarget, env), logger)
	}

	if err := c.advance(ctx, run, core.StepEnvironmentResolved); err != nil {
		return run, c.failRun(ctx, run, err, logger)
	}

	if err := c.store.AcquireLock(ctx, run.Environment, run.ID); err != nil {
		return run, c.failRun(ctx, run, err, logger)
	}
	defer c.releaseLock(run.Environment, run.ID, logger)

	envCtx := environment.ContextFor(env)
	if err := target.Orchestrator.UpdateService(ctx, c.config.Cluster, envCtx.ServiceName, previous.NewTaskDefARN); err != nil {
		return run, c.failRun(ctx, run, fmt.Errorf("update service: %w", err), logger)
	}
	if err := c.advance(ctx, run, core.StepServiceUpdateRequested); err != nil {
		return run, c.failRun(ctx, run, err, logger)
	}

	if err := target.Orchestrator.WaitForStable(ctx, c.config.Cluster, envCtx.ServiceName); err != nil {
		return run, c.failRun(ctx, run, fmt.Errorf("wait for stability: %w", err), logger)
	}
	if err := c.advance(ctx, run, core.StepStable); err != nil {
		return run, c.failRun(ctx, run, err, logger)
	}

	logger.Info("rollback complete", "task_definition", run.NewTaskDefARN)
	return run, nil
}

// =============================================================================
// Helpers
// =============================================================================

// advance moves the run to the next step and persists it.
func (c *Controller) advance(ctx context.Context, run *core.Run, to core.Step) error {
	if err := run.Advance(to); err != nil {
		return err
	}
	return c.store.UpdateRun(ctx, run)
}

// failRun marks the run failed, persists it and returns the causal error.
func (c *Controller) failRun(ctx context.Context, run *core.Run, cause error, logger *slog.Logger) error {
	logger.Error("pipeline run failed", "step", run.Step, "error", cause)

	if err := run.Fail(cause.Error()); err != nil {
		return cause
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		logger.Error("failed to persist run failure", "error", err)
	}

	return cause
}

// releaseLock frees the environment lock. The deploy context may already be
// canceled when this runs.
func (c *Controller) releaseLock(environment, holder string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.ReleaseLock(ctx, environment, holder); err != nil {
		logger.Warn("failed to release environment lock", "environment", environment, "error", err)
	}
}
