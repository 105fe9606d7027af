package v1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEnvFile(t *testing.T) {
	envs := RedactEnvFile("API_KEY=secret\n\n# a comment\nEMPTY=\n  SPACED = value \nBROKEN-LINE\n=novalue")
	require.Len(t, envs, 3)

	assert.Equal(t, "API_KEY", envs[0].Key)
	require.NotNil(t, envs[0].Value)
	assert.Equal(t, "**********", *envs[0].Value)

	assert.Equal(t, "EMPTY", envs[1].Key)
	assert.Nil(t, envs[1].Value, "empty values are not masked")

	assert.Equal(t, "SPACED", envs[2].Key)
	require.NotNil(t, envs[2].Value)
}

func TestRedactEnvFileEmpty(t *testing.T) {
	assert.Empty(t, RedactEnvFile(""))
	assert.Empty(t, RedactEnvFile("# only a comment\n"))
}

func TestTaskStatusInFlight(t *testing.T) {
	assert.True(t, TaskPending.InFlight())
	assert.True(t, TaskStarted.InFlight())
	assert.False(t, TaskSuccess.InFlight())
	assert.False(t, TaskFailure.InFlight())
}
