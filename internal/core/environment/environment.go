package environment

import (
	"fmt"
	"strings"
)

// =============================================================================
// Environments
// =============================================================================

type Name string

const (
	Prod Name = "prod"
	Dev  Name = "dev"
)

func (n Name) String() string {
	return string(n)
}

// ParseName parses an environment name as typed by an operator.
func ParseName(s string) (Name, error) {
	switch Name(strings.ToLower(s)) {
	case Prod:
		return Prod, nil
	case Dev:
		return Dev, nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// =============================================================================
// Naming Patterns
// =============================================================================

const (
	branchRefPrefix = "refs/heads/"
	prodBranch      = "main"

	servicePattern    = "app-service-%s"
	taskFamilyPattern = "game-jam-task-%s"
)

// =============================================================================
// Resolution
// =============================================================================

// Context carries the environment resolved from a ref and every identifier
// derived from it. All fields agree on the same environment because Resolve
// is the only constructor.
type Context struct {
	Environment Name   `json:"environment" yaml:"environment"`
	Ref         string `json:"ref" yaml:"ref"`
	ImageTag    string `json:"image_tag" yaml:"image_tag"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	TaskFamily  string `json:"task_family" yaml:"task_family"`
}

// NormalizeRef strips the fully qualified branch prefix from a ref.
//
// Example:
//
//	NormalizeRef("refs/heads/main") // returns "main"
//	NormalizeRef("feature/login")   // returns "feature/login"
func NormalizeRef(ref string) string {
	return strings.TrimPrefix(ref, branchRefPrefix)
}

// Resolve maps a source ref to its target environment and derives the
// identifiers both pipeline stages use. The main branch deploys to prod;
// every other ref deploys to dev. Comparison is exact and case-sensitive.
//
// Example:
//
//	Resolve("refs/heads/main") // prod, app-service-prod, game-jam-task-prod
//	Resolve("develop")         // dev, app-service-dev, game-jam-task-dev
func Resolve(ref string) Context {
	branch := NormalizeRef(ref)

	env := Dev
	if branch == prodBranch {
		env = Prod
	}

	ctx := ContextFor(env)
	ctx.Ref = branch
	return ctx
}

// ContextFor derives the identifiers for a known environment directly,
// without a source ref. Rollbacks address an environment, not a branch.
func ContextFor(env Name) Context {
	return Context{
		Environment: env,
		ImageTag:    string(env),
		ServiceName: fmt.Sprintf(servicePattern, env),
		TaskFamily:  fmt.Sprintf(taskFamilyPattern, env),
	}
}
