// Package env loads the tool's runtime settings from the process
// environment, with an optional .env file for bench setups.
package env

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Environment struct {
	SerialPort string
	Baud       int
	DataURL    string
	CouchURI   string
	CouchDB    string
}

// LoadEnv reads the environment, after merging in a .env file when one is
// present. Only SERIAL_BAUD is validated here; the remaining values are
// optional and fall back at the point of use.
func LoadEnv(logger *zap.Logger) *Environment {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("loading .env file", zap.Error(err))
	}
	e := &Environment{
		SerialPort: os.Getenv("SERIAL_PORT"),
		DataURL:    os.Getenv("D2_DATA_URL"),
		CouchURI:   os.Getenv("COUCHDB_URI"),
		CouchDB:    os.Getenv("COUCHDB_DATABASE"),
	}
	if baud, ok := os.LookupEnv("SERIAL_BAUD"); ok {
		b, err := strconv.Atoi(baud)
		if err != nil {
			logger.Fatal("parsing SERIAL_BAUD", zap.Error(err))
		}
		e.Baud = b
	}
	return e
}
