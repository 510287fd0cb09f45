// Package environment provides pure functions for resolving the target
// environment from a source ref.
//
// All identifiers a pipeline run needs (image tag, service name, task
// family) are derived here exactly once; the resulting Context is passed
// explicitly through both pipeline stages so the stages can never disagree
// about which environment they are acting on.
//
//	ctx := environment.Resolve("refs/heads/main")
//	ctx.Environment // "prod"
//	ctx.ServiceName // "app-service-prod"
package environment
