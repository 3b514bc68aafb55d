// Package pkgpath parses Debian pool paths into their component parts.
package pkgpath

import "strings"

// Info describes a parsed Debian pool path.
type Info struct {
	Name         string
	Version      string
	Component    string
	Extension    string
	Architecture string
}

const poolPrefix = "/debian/pool/"

func validComponent(c string) bool {
	return c == "main" || c == "contrib" || c == "non-free"
}

// Parse accepts /debian/pool/{main|contrib|non-free}/<letter>/<pkg>/<file>
// and recognizes four filename shapes: name_version.orig.tar.{gz|xz}
// (architecture "source"), name_version.dsc (architecture "source"),
// name_version.tar.{gz|xz} (architecture "source"), and
// name_version_arch.deb. Any other shape returns (Info{}, false).
func Parse(path string) (Info, bool) {
	if !strings.HasPrefix(path, poolPrefix) {
		return Info{}, false
	}

	rest := path[len(poolPrefix):]

	segments := strings.Split(rest, "/")
	// component / letter / pkg / file
	if len(segments) != 4 {
		return Info{}, false
	}

	component, letter, pkg, filename := segments[0], segments[1], segments[2], segments[3]

	if !validComponent(component) {
		return Info{}, false
	}

	if letter == "" || pkg == "" || filename == "" {
		return Info{}, false
	}

	info, ok := parseFilename(filename)
	if !ok {
		return Info{}, false
	}

	info.Component = component

	return info, true
}

// parseFilename implements the original parser's character-position
// algorithm for the four recognized filename shapes.
func parseFilename(filename string) (Info, bool) {
	firstUnderscore := strings.IndexByte(filename, '_')
	if firstUnderscore < 0 {
		return Info{}, false
	}

	name := filename[:firstUnderscore]
	if name == "" {
		return Info{}, false
	}

	lastDot := strings.LastIndexByte(filename, '.')
	if lastDot < 0 || lastDot <= firstUnderscore {
		return Info{}, false
	}

	// 1. name_version.orig.tar.{gz,xz}
	if origPos := strings.Index(filename, ".orig"); origPos > firstUnderscore {
		return Info{
			Name:         name,
			Version:      filename[firstUnderscore+1 : origPos],
			Architecture: "source",
			Extension:    filename[origPos:],
		}, true
	}

	// 2. name_version.dsc
	if strings.HasSuffix(filename, ".dsc") {
		return Info{
			Name:         name,
			Version:      filename[firstUnderscore+1 : lastDot],
			Architecture: "source",
			Extension:    ".dsc",
		}, true
	}

	// 3. name_version.tar.{gz,xz} (source, no .orig marker)
	if ext := filename[lastDot:]; ext == ".gz" || ext == ".xz" {
		if tarPos := strings.LastIndex(filename[:lastDot], ".tar"); tarPos > firstUnderscore {
			return Info{
				Name:         name,
				Version:      filename[firstUnderscore+1 : tarPos],
				Architecture: "source",
				Extension:    filename[tarPos:],
			}, true
		}
	}

	// 4. name_version_arch.deb (binary packages)
	secondUnderscore := strings.IndexByte(filename[firstUnderscore+1:], '_')
	if secondUnderscore < 0 {
		return Info{}, false
	}

	secondUnderscore += firstUnderscore + 1
	if secondUnderscore >= lastDot {
		return Info{}, false
	}

	return Info{
		Name:         name,
		Version:      filename[firstUnderscore+1 : secondUnderscore],
		Architecture: filename[secondUnderscore+1 : lastDot],
		Extension:    filename[lastDot:],
	}, true
}
