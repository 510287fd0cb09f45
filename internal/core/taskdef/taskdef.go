// Package taskdef contains pure functions for adapting a fetched task
// definition into a register request. This is part of the Functional Core -
// no I/O, no API calls.
package taskdef

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrNilTaskDefinition = errors.New("task definition is nil")
	ErrNoContainers      = errors.New("task definition has no container definitions")
	ErrMissingFamily     = errors.New("task definition has no family")
	ErrEmptyImage        = errors.New("image reference is empty")
)

// =============================================================================
// Adaptation
// =============================================================================

// preservedFields documents the exact set of fields carried from a fetched
// task definition into the register request:
//
//	family, containerDefinitions, executionRoleArn, taskRoleArn,
//	networkMode, volumes, placementConstraints, requiresCompatibilities,
//	cpu, memory
//
// Everything else the describe call returns (revision, status, ARN,
// registration metadata, computed attributes) is output-only and must not
// be sent back; the orchestration service assigns those on registration.

// Adapt builds a register request from a fetched task definition, keeping
// the preserved fields and overwriting every container's image with the
// given reference. The input is not mutated.
func Adapt(fetched *ecstypes.TaskDefinition, image string) (*ecs.RegisterTaskDefinitionInput, error) {
	if fetched == nil {
		return nil, ErrNilTaskDefinition
	}
	if image == "" {
		return nil, ErrEmptyImage
	}
	if aws.ToString(fetched.Family) == "" {
		return nil, ErrMissingFamily
	}
	if len(fetched.ContainerDefinitions) == 0 {
		return nil, ErrNoContainers
	}

	containers := make([]ecstypes.ContainerDefinition, len(fetched.ContainerDefinitions))
	copy(containers, fetched.ContainerDefinitions)
	for i := range containers {
		containers[i].Image = aws.String(image)
	}

	return &ecs.RegisterTaskDefinitionInput{
		Family:                  fetched.Family,
		ContainerDefinitions:    containers,
		ExecutionRoleArn:        fetched.ExecutionRoleArn,
		TaskRoleArn:             fetched.TaskRoleArn,
		NetworkMode:             fetched.NetworkMode,
		Volumes:                 fetched.Volumes,
		PlacementConstraints:    fetched.PlacementConstraints,
		RequiresCompatibilities: fetched.RequiresCompatibilities,
		Cpu:                     fetched.Cpu,
		Memory:                  fetched.Memory,
	}, nil
}
