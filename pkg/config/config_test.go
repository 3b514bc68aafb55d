package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzbkk/pacprism/pkg/config"
)

func TestParseSkipsBlankLinesAndComments(t *testing.T) {
	f, err := config.Parse(strings.NewReader(`
# a comment
upstream = ftp.debian.org

max_retries=5
`))
	require.NoError(t, err)

	assert.Equal(t, "ftp.debian.org", f.Get("upstream", ""))
	assert.Equal(t, "5", f.Get("max_retries", "3"))
	assert.False(t, f.Has("missing_key"))
}

func TestGetReturnsDefaultWhenMissing(t *testing.T) {
	f, err := config.Parse(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, "ftp.debian.org", f.Get("upstream", "ftp.debian.org"))
}

func TestParseIgnoresLineWithoutEquals(t *testing.T) {
	f, err := config.Parse(strings.NewReader("not-a-valid-line\nupstream=ftp.debian.org"))
	require.NoError(t, err)

	assert.Equal(t, "ftp.debian.org", f.Get("upstream", ""))
	assert.False(t, f.Has("not-a-valid-line"))
}

func TestLoadFileMissingReturnsEmpty(t *testing.T) {
	f, err := config.LoadFile("/nonexistent/path/to/config")
	require.NoError(t, err)

	assert.Equal(t, "default", f.Get("anything", "default"))
}

func TestParseTrimsWhitespaceAroundKeyAndValue(t *testing.T) {
	f, err := config.Parse(strings.NewReader("  upstream   =   ftp.debian.org  "))
	require.NoError(t, err)

	assert.Equal(t, "ftp.debian.org", f.Get("upstream", ""))
}
