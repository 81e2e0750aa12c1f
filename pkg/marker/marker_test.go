package marker

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent(t *testing.T) {
	tests := []struct {
		name    string
		markers []string
		exp     Generation
	}{
		{
			name: "Neither marker",
			exp:  None,
		},
		{
			name:    "Only current1",
			markers: []string{"current1"},
			exp:     One,
		},
		{
			name:    "Only current2",
			markers: []string{"current2"},
			exp:     Two,
		},
		{
			name:    "Both markers prefer generation 1",
			markers: []string{"current2", "current1"},
			exp:     One,
		},
		{
			name:    "Unrelated files are ignored",
			markers: []string{"current", "current3", "1"},
			exp:     None,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, fs.MkdirAll("/index", 0755))
			for _, m := range test.markers {
				require.NoError(t, afero.WriteFile(fs, "/index/"+m, nil, 0644))
			}

			gen, err := Current(fs, "/index")
			assert.NoError(t, err)
			assert.Equal(t, test.exp, gen)

			// Resolution is deterministic.
			gen, err = Current(fs, "/index")
			assert.NoError(t, err)
			assert.Equal(t, test.exp, gen)
		})
	}
}

func TestCurrentMissingDirectory(t *testing.T) {
	gen, err := Current(afero.NewMemMapFs(), "/does/not/exist")
	assert.NoError(t, err)
	assert.Equal(t, None, gen)
}

func TestResolveRemovesLeftover(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/index/current1", nil, 0644))
	require.NoError(t, afero.WriteFile(fs, "/index/current2", nil, 0644))

	gen, err := Resolve(fs, "/index")
	assert.NoError(t, err)
	assert.Equal(t, One, gen)

	exists, err := afero.Exists(fs, "/index/current2")
	assert.NoError(t, err)
	assert.False(t, exists)

	exists, err = afero.Exists(fs, "/index/current1")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestResolveKeepsSingleMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/index/current2", nil, 0644))

	gen, err := Resolve(fs, "/index")
	assert.NoError(t, err)
	assert.Equal(t, Two, gen)

	exists, err := afero.Exists(fs, "/index/current2")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestPublishAndRetract(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/index", 0755))

	assert.NoError(t, Publish(fs, "/index", Two))
	assert.NoError(t, Publish(fs, "/index", Two), "publish is idempotent")

	info, err := fs.Stat("/index/current2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	gen, err := Current(fs, "/index")
	assert.NoError(t, err)
	assert.Equal(t, Two, gen)

	assert.NoError(t, Retract(fs, "/index", Two))
	assert.NoError(t, Retract(fs, "/index", Two), "retracting a missing marker is fine")

	gen, err = Current(fs, "/index")
	assert.NoError(t, err)
	assert.Equal(t, None, gen)
}

func TestSwap(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/index", 0755))
	require.NoError(t, Publish(fs, "/index", One))

	assert.NoError(t, Swap(fs, "/index", One, Two))
	gen, err := Current(fs, "/index")
	assert.NoError(t, err)
	assert.Equal(t, Two, gen)

	exists, err := afero.Exists(fs, "/index/current1")
	assert.NoError(t, err)
	assert.False(t, exists)

	// Swapping from no generation only publishes.
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/index", 0755))
	assert.NoError(t, Swap(fs, "/index", None, One))
	gen, err = Current(fs, "/index")
	assert.NoError(t, err)
	assert.Equal(t, One, gen)
}

// failingRemoveFs fails every removal, which simulates a crash between the
// two steps of a swap.
type failingRemoveFs struct {
	afero.Fs
}

func (failingRemoveFs) Remove(name string) error {
	return errors.New("remove failed")
}

func TestSwapPublishesBeforeRetracting(t *testing.T) {
	fs := failingRemoveFs{afero.NewMemMapFs()}
	require.NoError(t, fs.MkdirAll("/index", 0755))
	require.NoError(t, Publish(fs, "/index", Two))

	assert.Error(t, Swap(fs, "/index", Two, One))

	// The new marker was written before the retract failed, so the
	// directory still has a current generation.
	for _, m := range []string{"/index/current1", "/index/current2"} {
		exists, err := afero.Exists(fs, m)
		assert.NoError(t, err)
		assert.True(t, exists, m)
	}

	gen, err := Current(fs, "/index")
	assert.NoError(t, err)
	assert.Equal(t, One, gen)
}

func TestGeneration(t *testing.T) {
	assert.Equal(t, Two, One.Other())
	assert.Equal(t, One, Two.Other())
	assert.Equal(t, One, None.Other())

	assert.True(t, One.Valid())
	assert.True(t, Two.Valid())
	assert.False(t, None.Valid())
	assert.False(t, Generation(3).Valid())

	assert.Equal(t, "current1", FileName(One))
	assert.Equal(t, "current2", FileName(Two))
	assert.Equal(t, "1", SlotName(One))
	assert.Equal(t, "2", SlotName(Two))
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "2", Two.String())
}
