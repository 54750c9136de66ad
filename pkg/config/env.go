package config

import (
	"log/slog"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

var (
	envVarWithDefault = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
	envVarBraced      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	envVarBare        = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// LoadEnvFiles loads .env.local then .env from the working directory.
// Already-set environment variables are never overridden; missing files are
// not an error.
func LoadEnvFiles() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			slog.Warn("failed to load env file", "file", name, "error", err)
		}
	}
}

// expandEnvVars substitutes ${VAR:-default}, ${VAR} and $VAR references.
// Unset variables without a default expand to the empty string.
func expandEnvVars(s string) string {
	s = envVarWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarWithDefault.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[2]
	})

	s = envVarBraced.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarBraced.FindStringSubmatch(match)
		return os.Getenv(groups[1])
	})

	s = envVarBare.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarBare.FindStringSubmatch(match)
		return os.Getenv(groups[1])
	})

	return s
}
