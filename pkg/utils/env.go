package utils

import (
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadConfig loads a .env file from path if one exists. Real deployments set
// the environment directly; the file is a development convenience.
func LoadConfig(path string) {
	envFile := filepath.Join(path, ".env")
	if err := godotenv.Load(envFile); err == nil {
		logrus.Debugf("[CONFIG] Loaded environment from %s", envFile)
	}
}
