// Package preflight implements the generic "project-manifest-implies-install-artifact"
// check (§4.7, §10.2): a manifest file that declares dependencies but has no corresponding
// install artifact on disk blocks a run before it starts.
package preflight

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ManifestCheck pairs a manifest file with the install artifact it implies. Applicable, if
// set, inspects the manifest's raw content to decide whether the pair is actually in play
// (e.g. an empty package.json with no dependencies needs no node_modules); nil means the
// manifest's mere presence is enough.
type ManifestCheck struct {
	Manifest   string
	Artifact   string
	Applicable func(manifestContent []byte) bool
}

// Failure reports one manifest present without its implied artifact.
type Failure struct {
	Manifest string
	Artifact string
}

// DefaultChecks returns the registry's built-in pairs: today, just Node's
// package.json/node_modules, gated on package.json actually declaring a dependency.
func DefaultChecks() []ManifestCheck {
	return []ManifestCheck{
		{Manifest: "package.json", Artifact: "node_modules", Applicable: declaresNodeDependency},
	}
}

// Run walks checks against cwd and reports a Failure for every manifest present whose
// implied artifact is missing. Callers may pass additional checks for other ecosystems
// without touching the sequential loop that calls this hook.
func Run(cwd string, checks []ManifestCheck) ([]Failure, error) {
	var failures []Failure

	for _, check := range checks {
		manifestPath := filepath.Join(cwd, check.Manifest)
		content, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		if check.Applicable != nil && !check.Applicable(content) {
			continue
		}

		artifactPath := filepath.Join(cwd, check.Artifact)
		if _, err := os.Stat(artifactPath); err != nil {
			if os.IsNotExist(err) {
				failures = append(failures, Failure{Manifest: check.Manifest, Artifact: check.Artifact})
				continue
			}
			return nil, err
		}
	}

	return failures, nil
}

// declaresNodeDependency reports whether a package.json's dependencies or devDependencies
// object is non-empty.
func declaresNodeDependency(content []byte) bool {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(content, &pkg); err != nil {
		return false
	}
	return len(pkg.Dependencies) > 0 || len(pkg.DevDependencies) > 0
}
