package env

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePrecedence(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "a.env")
	f2 := filepath.Join(dir, "b.env")
	require.NoError(t, os.WriteFile(f1, []byte("MODEL_DIR=/models\nLEVEL=file1\n# comment\n"), 0o600))
	require.NoError(t, os.WriteFile(f2, []byte("LEVEL=file2\nEMBEDDING_MODEL_PATH=${MODEL_DIR}/nomic.gguf\n"), 0o600))

	e := New(false)
	require.NoError(t, e.LoadFiles(f1, f2))
	require.NoError(t, e.SetPairs([]string{"GLOBAL=1", "LEVEL=global"}))
	out := e.Merge([]string{"LEVEL=service", "PORT=8001", "URL=http://127.0.0.1:${PORT}"})

	assert.True(t, slices.IsSorted(out))
	assert.Contains(t, out, "LEVEL=service")
	assert.Contains(t, out, "GLOBAL=1")
	assert.Contains(t, out, "MODEL_DIR=/models")
	assert.Contains(t, out, "URL=http://127.0.0.1:8001")
}

func TestMergeOSEnv(t *testing.T) {
	t.Setenv("STACKCTL_ENV_TEST", "from-os")
	assert.Contains(t, New(true).Merge(nil), "STACKCTL_ENV_TEST=from-os")
	assert.NotContains(t, New(false).Merge(nil), "STACKCTL_ENV_TEST=from-os")
}

func TestSetPairsRejectsMalformed(t *testing.T) {
	e := New(false)
	assert.Error(t, e.SetPairs([]string{"NOEQUALS"}))
	assert.Error(t, e.SetPairs([]string{"=value"}))
}

func TestLoadFilesMissing(t *testing.T) {
	err := New(false).LoadFiles(filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}

func TestLookupIgnoresOS(t *testing.T) {
	t.Setenv("STACKCTL_LOOKUP_OS", "1")
	e := New(true)
	e.Set("EMBEDDING_PORT", "9001")
	v, ok := e.Lookup("EMBEDDING_PORT")
	assert.True(t, ok)
	assert.Equal(t, "9001", v)
	_, ok = e.Lookup("STACKCTL_LOOKUP_OS")
	assert.False(t, ok)
}

func TestExpandArgs(t *testing.T) {
	t.Setenv("STACKCTL_EXPAND_HOME", "/home/dev")
	e := New(true)
	require.NoError(t, e.SetPairs([]string{"MODEL_DIR=${STACKCTL_EXPAND_HOME}/models"}))

	out := e.ExpandArgs([]string{"--model", "${MODEL_DIR}/model.gguf", "--tag", "${TAG}", "${UNSET_VAR}", "$MODEL_DIR", "x{}$"},
		[]string{"TAG=v1"})
	assert.Equal(t, []string{"--model", "/home/dev/models/model.gguf", "--tag", "v1", "${UNSET_VAR}", "$MODEL_DIR", "x{}$"}, out)
	assert.Nil(t, e.ExpandArgs(nil, nil))
}
