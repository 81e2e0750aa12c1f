package replicate

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/replica/pkg/copier"
	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/metrics"
	"github.com/sidkik/replica/pkg/publish"
)

func writeConfig(t *testing.T, dir string) string {
	path := filepath.Join(dir, "replica.yaml")
	cfg := fmt.Sprintf(`version: v1alpha1
indexes:
  - name: products
    sourceBase: %s
    indexBase: %s
`, filepath.Join(dir, "master"), filepath.Join(dir, "local"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	built := filepath.Join(dir, "build")
	require.NoError(t, os.MkdirAll(built, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(built, "segments_1"), []byte("data"), 0644))

	_, err := publish.Publish(context.Background(), afero.NewOsFs(), built,
		filepath.Join(dir, "master", "products"), copier.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := options{configPath: writeConfig(t, dir)}
	errs := make(chan error, 1)
	go func() {
		errs <- run(ctx, opts)
	}()

	replicaFile := filepath.Join(dir, "local", "products", "1", "segments_1")
	assert.Eventually(t, func() bool {
		contents, err := os.ReadFile(replicaFile)
		return err == nil && string(contents) == "data"
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("replicator didn't stop after cancellation")
	}

	_, err = os.Stat(filepath.Join(dir, "local", "products", "current1"))
	assert.NoError(t, err)
}

func TestRunWithoutSource(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), options{configPath: writeConfig(t, dir)})

	var configErr errors.ConfigurationError
	require.True(t, errors.As(err, &configErr), "unexpected error: %v", err)
	assert.Equal(t, "products", configErr.Index)
	assert.True(t, errors.Is(err, errors.ErrNoCurrentMarker))
}

func TestRunMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	err := run(context.Background(), options{configPath: path})
	assert.Equal(t, errors.NewFriendlyError("The replicator config "+
		"file doesn't exist at %q. Pass the path to the config with "+
		"--config.", path), err)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).ForIndex("products").Sync(metrics.ResultCopied)

	srv := httptest.NewServer(metricsHandler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body),
		`replica_sync_total{index="products",result="copied"} 1`)
}
