package state

import (
	"os"
	"path/filepath"
	"strings"
)

// ArtifactRoot resolves LOGPIPE_ARTIFACT_ROOT (or TEST_ARTIFACTS_ROOT) to an
// absolute path. Empty means artifacts go to their usual place.
func ArtifactRoot() string {
	for _, c := range []string{os.Getenv("LOGPIPE_ARTIFACT_ROOT"), os.Getenv("TEST_ARTIFACTS_ROOT")} {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if abs, err := filepath.Abs(c); err == nil {
			return abs
		}
		return c
	}
	return ""
}

// CrashRoot is where crash dumps land: the artifact root when set, else
// dataDir.
func CrashRoot(dataDir string) string {
	if root := ArtifactRoot(); root != "" {
		return root
	}
	return dataDir
}
