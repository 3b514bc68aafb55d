package pkgpath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tzbkk/pacprism/pkg/pkgpath"
)

func TestParseBinaryDeb(t *testing.T) {
	info, ok := pkgpath.Parse("/debian/pool/main/v/vim/vim_9.0.0_amd64.deb")
	assert.True(t, ok)
	assert.Equal(t, pkgpath.Info{
		Name:         "vim",
		Version:      "9.0.0",
		Component:    "main",
		Extension:    ".deb",
		Architecture: "amd64",
	}, info)
}

func TestParseOrigTarGz(t *testing.T) {
	info, ok := pkgpath.Parse("/debian/pool/main/v/vim/vim_9.0.0.orig.tar.gz")
	assert.True(t, ok)
	assert.Equal(t, "source", info.Architecture)
	assert.Equal(t, "9.0.0", info.Version)
	assert.Equal(t, ".orig.tar.gz", info.Extension)
}

func TestParseOrigTarXz(t *testing.T) {
	info, ok := pkgpath.Parse("/debian/pool/contrib/v/vim/vim_9.0.0.orig.tar.xz")
	assert.True(t, ok)
	assert.Equal(t, "source", info.Architecture)
	assert.Equal(t, ".orig.tar.xz", info.Extension)
	assert.Equal(t, "contrib", info.Component)
}

func TestParseDsc(t *testing.T) {
	info, ok := pkgpath.Parse("/debian/pool/main/v/vim/vim_9.0.0.dsc")
	assert.True(t, ok)
	assert.Equal(t, "source", info.Architecture)
	assert.Equal(t, ".dsc", info.Extension)
	assert.Equal(t, "9.0.0", info.Version)
}

func TestParseBareTarGz(t *testing.T) {
	info, ok := pkgpath.Parse("/debian/pool/main/v/vim/vim_9.0.0.tar.gz")
	assert.True(t, ok)
	assert.Equal(t, "source", info.Architecture)
	assert.Equal(t, ".tar.gz", info.Extension)
}

func TestParseAcceptsNonFreeComponent(t *testing.T) {
	info, ok := pkgpath.Parse("/debian/pool/non-free/v/vim/vim_9.0.0_amd64.deb")
	assert.True(t, ok)
	assert.Equal(t, "non-free", info.Component)
}

func TestParseRejectsBadComponent(t *testing.T) {
	_, ok := pkgpath.Parse("/debian/pool/bogus/v/vim/vim_9.0.0_amd64.deb")
	assert.False(t, ok)
}

func TestParseRejectsMissingLetterPkgSegments(t *testing.T) {
	_, ok := pkgpath.Parse("/debian/pool/main/vim_9.0.0_amd64.deb")
	assert.False(t, ok)
}

func TestParseRejectsNonPoolPath(t *testing.T) {
	_, ok := pkgpath.Parse("/not/debian/pool/main/v/vim/vim_9.0.0_amd64.deb")
	assert.False(t, ok)
}

func TestParseRejectsNoUnderscore(t *testing.T) {
	_, ok := pkgpath.Parse("/debian/pool/main/v/vim/vim.deb")
	assert.False(t, ok)
}

func TestParseRejectsEmptyName(t *testing.T) {
	_, ok := pkgpath.Parse("/debian/pool/main/v/vim/_9.0.0_amd64.deb")
	assert.False(t, ok)
}

func TestParseRejectsMissingArchSegment(t *testing.T) {
	_, ok := pkgpath.Parse("/debian/pool/main/v/vim/vim_9.0.0.unknown")
	assert.False(t, ok)
}
