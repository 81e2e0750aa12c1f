package publish

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/marker"
)

func TestRun(t *testing.T) {
	fs = afero.NewMemMapFs()
	var out bytes.Buffer
	stdout = &out

	require.NoError(t, afero.WriteFile(fs, "/build/segments_1", []byte("data"), 0644))
	require.NoError(t, run(context.Background(), "/build", "/mnt/master/products", 1, 1))
	assert.Equal(t, "Published /build as generation 1 of /mnt/master/products\n", out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), "/build", "/mnt/master/products", 1, 1))
	assert.Equal(t, "Published /build as generation 2 of /mnt/master/products\n", out.String())

	gen, err := marker.Current(fs, "/mnt/master/products")
	require.NoError(t, err)
	assert.Equal(t, marker.Two, gen)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name         string
		bufferSizeMB int64
		expError     error
	}{
		{
			name:         "Missing build",
			bufferSizeMB: 1,
			expError:     errors.NewFriendlyError("The built index doesn't exist at %q.", "/build"),
		},
		{
			name:         "Invalid buffer size",
			bufferSizeMB: 0,
			expError:     errors.NewFriendlyError("--buffer-size-mb must be positive, got %d.", 0),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			err := run(context.Background(), "/build", "/mnt/master/products", test.bufferSizeMB, 1)
			assert.Equal(t, test.expError, err)
		})
	}
}
