package fermionctl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefinition(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJobDefinition(t *testing.T) {
	path := writeDefinition(t, `
programId: sampler
backend: backend-a
params:
  shots: 1024
tags:
  - exp-7
`)
	def, err := LoadJobDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "sampler", def.ProgramID)
	assert.Equal(t, "backend-a", def.Backend)
	assert.Equal(t, 1024, def.Params["shots"])
	assert.Equal(t, []string{"exp-7"}, def.Tags)
}

func TestLoadJobDefinition_MissingProgramId(t *testing.T) {
	path := writeDefinition(t, `backend: backend-a`)
	_, err := LoadJobDefinition(path)
	assert.Error(t, err)
}

func TestLoadJobDefinition_MissingBackend(t *testing.T) {
	path := writeDefinition(t, `programId: sampler`)
	_, err := LoadJobDefinition(path)
	assert.Error(t, err)
}

func TestLoadJobDefinition_MissingFile(t *testing.T) {
	_, err := LoadJobDefinition(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
