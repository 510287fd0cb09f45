package docker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) *Client {
	t.Helper()
	cli, err := NewClient("", nil)
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestNewClient(t *testing.T) {
	cli, err := NewClient("", nil)
	require.NoError(t, err)
	defer cli.Close()

	assert.NotNil(t, cli)
}

func TestPing(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	assert.NoError(t, cli.Ping(context.Background()))
}

// =============================================================================
// Build Spec Validation Tests
// =============================================================================

func TestBuildImage_MissingContextDir(t *testing.T) {
	cli, err := NewClient("", nil)
	require.NoError(t, err)
	defer cli.Close()

	err = cli.BuildImage(context.Background(), BuildSpec{
		Tags: []string{"game-jam:dev"},
	})
	assert.ErrorIs(t, err, ErrInvalidBuildSpec)
}

func TestBuildImage_MissingTags(t *testing.T) {
	cli, err := NewClient("", nil)
	require.NoError(t, err)
	defer cli.Close()

	err = cli.BuildImage(context.Background(), BuildSpec{
		ContextDir: ".",
	})
	assert.ErrorIs(t, err, ErrInvalidBuildSpec)
}

// =============================================================================
// Stream Handling Tests
// =============================================================================

func TestDrainStream_CleanStream(t *testing.T) {
	stream := strings.NewReader(
		`{"stream":"Step 1/4 : FROM python:3.12-slim"}` + "\n" +
			`{"stream":" ---> a1b2c3d4"}` + "\n" +
			`{"aux":{"ID":"sha256:deadbeef"}}` + "\n",
	)

	assert.NoError(t, drainStream(stream))
}

func TestDrainStream_EmbeddedError(t *testing.T) {
	stream := strings.NewReader(
		`{"stream":"Step 3/4 : RUN pip install -r requirements.txt"}` + "\n" +
			`{"errorDetail":{"code":1,"message":"executor failed running"},"error":"executor failed running"}` + "\n",
	)

	err := drainStream(stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor failed running")
}

func TestDrainStream_Empty(t *testing.T) {
	assert.NoError(t, drainStream(strings.NewReader("")))
}

func TestDrainStream_TruncatedJSON(t *testing.T) {
	err := drainStream(strings.NewReader(`{"stream":"Step 1/4`))
	assert.Error(t, err)
}

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestClassifyPushError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"denied", "denied: User is not authorized", ErrPushDenied},
		{"auth-required", "authentication required", ErrPushDenied},
		{"repo-missing", "name unknown: repository does not exist", ErrPushDenied},
		{"network", "dial tcp: connection refused", ErrPushFailed},
		{"other", "blob upload invalid", ErrPushFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyPushError(tt.msg), tt.want)
		})
	}
}
