package configuration

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

var envVarPattern = regexp.MustCompile(`\${([^}]+)}`)

// ExpandEnvStrict substitutes ${NAME} references and fails on the first one
// that is not set.
func ExpandEnvStrict(s string) (string, error) {
	matches := envVarPattern.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		name := m[1]
		if _, ok := os.LookupEnv(name); !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
	}

	return os.Expand(s, func(name string) string {
		return os.Getenv(name)
	}), nil
}

// LoadEnvFiles reads .env and .env.local from the working directory when
// present. Variables already set in the environment win.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}
