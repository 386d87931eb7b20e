package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFiles reads <dir>/.env and <dir>/.devops-agent/.env into the process
// environment. Variables already set are left alone, and missing files are
// skipped.
func LoadEnvFiles(dir string) ([]string, error) {
	var loaded []string
	for _, path := range []string{
		filepath.Join(dir, ".env"),
		filepath.Join(dir, ProjectConfigDir, ".env"),
	} {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("failed to load %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}
