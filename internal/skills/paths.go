package skills

import (
	"os"
	"path/filepath"
	"strings"
)

// SkillsPathEnvVar is the environment variable name for custom skill paths.
const SkillsPathEnvVar = "SKILLS_PATH"

// DefaultSkillDirs are the default directories to search for skills.
// These are tried in order; missing directories are skipped.
var DefaultSkillDirs = []string{
	"config/skills",      // Development: relative to working directory
	"/app/config/skills", // Container: mounted config path
}

// ResolveSkillDirs returns the skill directories to scan.
//
// If SKILLS_PATH is set it wins and is read as a path-separated list (like
// PATH). Otherwise configured dirs are used, then DefaultSkillDirs.
func ResolveSkillDirs(configured []string) []string {
	if env := strings.TrimSpace(os.Getenv(SkillsPathEnvVar)); env != "" {
		return splitSearchPaths(env)
	}
	if len(configured) > 0 {
		out := make([]string, 0, len(configured))
		for _, d := range configured {
			if d = strings.TrimSpace(d); d != "" {
				out = append(out, filepath.Clean(d))
			}
		}
		return out
	}
	return DefaultSkillDirs
}

// splitSearchPaths splits a path-list string (like PATH) into individual paths.
// Empty entries are skipped and paths are cleaned.
func splitSearchPaths(value string) []string {
	parts := strings.Split(value, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, filepath.Clean(p))
		}
	}
	return out
}
