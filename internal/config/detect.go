package config

import (
	"os"
	"path/filepath"
)

// marker pairs a project-root file with the language it implies.
type marker struct {
	file     string
	language string
}

var markers = []marker{
	{"go.mod", "go"},
	{"package.json", "node"},
	{"Cargo.toml", "rust"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
}

// Detect inspects cwd for ecosystem marker files and returns a Project with Language
// pre-filled for --init. The first matching marker wins; Language is left empty if none
// match.
func Detect(cwd string) Project {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(cwd, m.file)); err == nil {
			return Project{Language: m.language}
		}
	}
	return Project{}
}
