package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// EnvAPIBase names the variable that overrides the backend origin at runtime.
const EnvAPIBase = "SPEAKER_API_BASE"

// Env holds the environment overlay.
type Env struct {
	// APIBase is the origin override. Only meaningful when HasAPIBase is set;
	// an empty value forces same-origin paths.
	APIBase    string
	HasAPIBase bool
}

// LoadEnv loads the given dotenv files into the process environment and
// reads the overlay. Variables already set in the environment win over file
// values. Missing files are skipped; with no arguments ".env" is tried.
func LoadEnv(files ...string) (Env, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Env{}, fmt.Errorf("config: stat %q: %w", f, err)
		}
		present = append(present, f)
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return Env{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var env Env
	env.APIBase, env.HasAPIBase = os.LookupEnv(EnvAPIBase)
	return env, nil
}
