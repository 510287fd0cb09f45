package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	core "github.com/artpar/shipper/internal/core/pipeline"
)

// =============================================================================
// Configuration
// =============================================================================

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	// QueueSize is the number of push events that can wait for deployment.
	QueueSize int

	// DeployTimeout bounds a single deployment end to end.
	DeployTimeout time.Duration
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:     16,
		DeployTimeout: 30 * time.Minute,
	}
}

// =============================================================================
// Deployer Interface
// =============================================================================

// Deployer starts a pipeline run for a ref.
type Deployer interface {
	Deploy(ctx context.Context, trigger core.Trigger, ref string) (*core.Run, error)
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher consumes queued push events one at a time and hands each to the
// deployer. Deployments run sequentially so two runs never race for the same
// environment lock.
type Dispatcher struct {
	deployer Deployer
	config   DispatcherConfig
	queue    chan string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deployer Deployer, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	if config.DeployTimeout <= 0 {
		config.DeployTimeout = DefaultDispatcherConfig().DeployTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		deployer: deployer,
		config:   config,
		queue:    make(chan string, config.QueueSize),
		logger:   logger.With("component", "dispatcher"),
	}
}

// Start begins consuming the queue in the background.
func (d *Dispatcher) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.run()
	d.logger.Info("dispatcher started", "queue_size", d.config.QueueSize)
}

// Stop cancels the in-flight deployment and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue queues a ref for deployment. It returns false when the queue is
// full.
func (d *Dispatcher) Enqueue(ref string) bool {
	select {
	case d.queue <- ref:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ref := <-d.queue:
			d.dispatch(ref)
		}
	}
}

func (d *Dispatcher) dispatch(ref string) {
	logger := d.logger.With("ref", ref)
	logger.Info("starting webhook deployment")

	ctx, cancel := context.WithTimeout(d.ctx, d.config.DeployTimeout)
	defer cancel()

	run, err := d.deployer.Deploy(ctx, core.TriggerWebhook, ref)
	if err != nil {
		if run != nil {
			logger.Error("webhook deployment failed", "run_id", run.ID, "step", run.Step, "error", err)
		} else {
			logger.Error("webhook deployment failed", "error", err)
		}
		return
	}

	logger.Info("webhook deployment complete", "run_id", run.ID, "environment", run.Environment, "image", run.Image)
}
