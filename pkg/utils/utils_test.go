package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("LD_TEST_STR", "  value ")
	t.Setenv("LD_TEST_BOOL", "true")
	t.Setenv("LD_TEST_INT", "42")
	t.Setenv("LD_TEST_BAD", "x")

	assert.Equal(t, "value", GetEnv("LD_TEST_STR"))
	assert.True(t, GetBoolEnv("LD_TEST_BOOL"))
	assert.False(t, GetBoolEnv("LD_TEST_BAD"))
	assert.Equal(t, int64(42), GetIntEnv("LD_TEST_INT"))
	assert.Equal(t, int64(0), GetIntEnv("LD_TEST_BAD"))
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	assert.Error(t, LoadEnv("staging"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LD_LOADED=base\nLD_ONLY_BASE=1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.staging"), []byte("LD_LOADED=staging\n"), 0o644))
	os.Unsetenv("LD_LOADED")
	os.Unsetenv("LD_ONLY_BASE")
	defer os.Unsetenv("LD_LOADED")
	defer os.Unsetenv("LD_ONLY_BASE")

	require.NoError(t, LoadEnv("staging"))
	assert.Equal(t, "staging", GetEnv("LD_LOADED"))
	assert.Equal(t, "1", GetEnv("LD_ONLY_BASE"))
}

func TestRandTextAndIDs(t *testing.T) {
	assert.Len(t, RandText(24), 24)
	assert.NotEqual(t, RandText(16), RandText(16))

	v := NewVisitorID()
	assert.True(t, strings.HasPrefix(v, "v_"))
	assert.Len(t, v, 18)
	assert.Len(t, NewID(), 36)
}

func TestInitDatabase(t *testing.T) {
	db, err := InitDatabase(nil, "sqlite", ":memory:")
	require.NoError(t, err)
	require.NotNil(t, db)

	type row struct {
		ID   uint
		Name string
	}
	require.NoError(t, MakeMigrates(db, []any{&row{}}))
	assert.True(t, db.Migrator().HasTable(&row{}))

	_, err = InitDatabase(nil, "oracle", "x")
	assert.Error(t, err)
}
