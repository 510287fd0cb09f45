package docker

// =============================================================================
// Build Types
// =============================================================================

// BuildSpec describes a single image build.
type BuildSpec struct {
	// ContextDir is the directory sent to the daemon as build context.
	ContextDir string
	// Dockerfile is the path of the Dockerfile within the context.
	Dockerfile string
	// Tags are applied to the built image. At least one is required.
	Tags []string
	// BuildArgs are passed to the build (e.g. ENV=prod).
	BuildArgs map[string]string
	// Labels are attached to the built image.
	Labels map[string]string
}

// RegistryAuth carries credentials for pushing to a registry.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}
