package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOFSEQ_"

// LoadEnv reads .env style files into the process environment. Variables
// that are already set win. A missing file is not an error; with no paths
// ".env" is tried.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// GetEnv returns TOFSEQ_<key>, or fallback if unset or empty.
func GetEnv(key, fallback string) string {
	if s := strings.TrimSpace(os.Getenv(EnvPrefix + key)); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns TOFSEQ_<key> as an integer, or fallback if it is unset
// or not a valid integer. Hex values with a 0x prefix are accepted.
func GetEnvInt(key string, fallback int) int {
	if s := GetEnv(key, ""); s != "" {
		if n, err := strconv.ParseInt(s, 0, 64); err == nil {
			return int(n)
		}
	}
	return fallback
}
