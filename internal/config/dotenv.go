package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

var dotenvFiles = map[string]string{
	"development": ".env.development",
	"github":      ".env.github",
	"docker":      ".env.docker",
	"production":  ".env",
}

// LoadDotenv loads the dotenv file that belongs to appEnv, then the plain .env
// file. Variables already present in the environment are never overwritten and
// missing files are ignored.
func LoadDotenv(appEnv string) error {
	files := []string{".env"}
	if f, ok := dotenvFiles[appEnv]; ok && f != ".env" {
		files = append([]string{f}, files...)
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
