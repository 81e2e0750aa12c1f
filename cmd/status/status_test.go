package status

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/replica/pkg/marker"
)

func TestPrintStatus(t *testing.T) {
	fs = afero.NewMemMapFs()
	color = func(str string, _ int) string { return str }
	var out bytes.Buffer
	stdout = &out

	for _, dir := range []string{"/one", "/two", "/both", "/empty"} {
		require.NoError(t, fs.MkdirAll(dir, 0755))
	}
	require.NoError(t, marker.Publish(fs, "/one", marker.One))
	require.NoError(t, marker.Publish(fs, "/two", marker.Two))
	require.NoError(t, marker.Publish(fs, "/both", marker.One))
	require.NoError(t, marker.Publish(fs, "/both", marker.Two))

	printStatus([]string{"/one", "/two", "/both", "/empty", "/missing"})
	assert.Equal(t, "/one: generation 1\n"+
		"/two: generation 2\n"+
		"/both: generation 1 (both markers present)\n"+
		"/empty: no current generation\n"+
		"/missing: missing\n", out.String())

	// Reading the status never cleans up markers.
	exists, err := afero.Exists(fs, "/both/current2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDescribeColors(t *testing.T) {
	fs = afero.NewMemMapFs()
	var colors []int
	color = func(str string, c int) string {
		colors = append(colors, c)
		return fmt.Sprintf("%d:%s", c, str)
	}

	require.NoError(t, fs.MkdirAll("/one", 0755))
	require.NoError(t, marker.Publish(fs, "/one", marker.One))
	describe("/one")
	describe("/missing")
	assert.Len(t, colors, 2)
	assert.NotEqual(t, colors[0], colors[1])
}

func TestConfiguredDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
indexes:
  - name: products
    sourceBase: /mnt/master
    indexBase: /var/index
  - name: orders
    sourceBase: /mnt/master
    indexBase: /var/index
`), 0644))

	dirs, err := configuredDirs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/mnt/master/products", "/var/index/products",
		"/mnt/master/orders", "/var/index/orders",
	}, dirs)
}
