package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/martin-go/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_DefaultsAndBasicFields(t *testing.T) {
	path := writeConfig(t, `
listen_addresses: "0.0.0.0:3000"
mbtiles:
  world: /data/world.mbtiles
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:3000", f.ListenAddresses)
	assert.Equal(t, 75, f.KeepAlive)
	assert.Equal(t, "brotli", f.PreferredEncoding)
	assert.Equal(t, "/data/world.mbtiles", f.MBTiles["world"])
}

func TestLoad_EnvVarSubstitution(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5432")

	path := writeConfig(t, `
postgres:
  - connection_string: "postgres://user@${DB_HOST}:$DB_PORT/gis"
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Postgres, 1)
	assert.Equal(t, "postgres://user@db.internal:5432/gis", f.Postgres[0].ConnectionString)
}

func TestLoad_UnsetEnvVarLeftLiteral(t *testing.T) {
	os.Unsetenv("MARTIN_GO_TEST_UNSET_VAR")
	path := writeConfig(t, `listen_addresses: "$MARTIN_GO_TEST_UNSET_VAR"`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "$MARTIN_GO_TEST_UNSET_VAR", f.ListenAddresses)
}

func TestLoad_KeepAliveOverride(t *testing.T) {
	path := writeConfig(t, "keep_alive: 30\n")
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, f.KeepAlive)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	assert.Error(t, err)
}

func TestSplitBucketLocation_LocalPath(t *testing.T) {
	bucketURL, key, err := splitBucketLocation("/data/archives/world.pmtiles")
	require.NoError(t, err)
	assert.Equal(t, "file:///data/archives", bucketURL)
	assert.Equal(t, "world.pmtiles", key)
}

func TestSplitBucketLocation_RelativePath(t *testing.T) {
	bucketURL, key, err := splitBucketLocation("world.pmtiles")
	require.NoError(t, err)
	assert.Equal(t, "file://.", bucketURL)
	assert.Equal(t, "world.pmtiles", key)
}

func TestSplitBucketLocation_S3URL(t *testing.T) {
	bucketURL, key, err := splitBucketLocation("s3://my-bucket/path/to/world.pmtiles")
	require.NoError(t, err)
	assert.Equal(t, "s3://my-bucket", bucketURL)
	assert.Equal(t, "path/to/world.pmtiles", key)
}

func TestSplitBucketLocation_SchemeWithoutKey(t *testing.T) {
	_, _, err := splitBucketLocation("s3://my-bucket")
	assert.Error(t, err)
}

func TestOpenSpec_UnknownKind(t *testing.T) {
	_, err := openSpec(context.Background(), worker.Spec{Kind: "nonsense"})
	assert.Error(t, err)
}
