package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/replica/pkg/version"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	stdout = &out

	cmd := New()
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "replica version: "+version.Version+"\n", out.String())
}

func TestVersionRejectsArgs(t *testing.T) {
	cmd := New()
	cmd.SetArgs([]string{"extra"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	assert.Error(t, cmd.Execute())
}
