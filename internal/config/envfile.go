package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"regexp"

	"github.com/joho/godotenv"
)

var envKey = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ErrInvalidUpdate reports an update that was refused before touching the
// file.
var ErrInvalidUpdate = errors.New("invalid configuration update")

// UpdateEnvFile merges updates into the .env file at path, creating it when
// it does not exist. The running server keeps its configuration; the new
// values apply on the next start.
func UpdateEnvFile(path string, updates map[string]string) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: no updates given", ErrInvalidUpdate)
	}
	for key := range updates {
		if !envKey.MatchString(key) {
			return fmt.Errorf("%w: invalid variable name %q", ErrInvalidUpdate, key)
		}
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		values = map[string]string{}
	}
	maps.Copy(values, updates)

	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
