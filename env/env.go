package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	validate = validator.New()

	validationMu sync.Mutex
	validations  = map[string]string{}
)

// RegisterValidation registers a validator tag that is checked against the value of
// key when ValidateEnv is called. Packages typically register their required keys in init.
func RegisterValidation(key, tag string) {
	validationMu.Lock()
	defer validationMu.Unlock()
	if existing, ok := validations[key]; ok && existing != tag {
		validations[key] = existing + "," + tag
		return
	}
	validations[key] = tag
}

// ValidateEnv validates every registered key and panics if any are invalid
func ValidateEnv() {
	if err := GetError(); err != nil {
		panic(err)
	}
}

// GetError returns an error describing every registered key whose value does not pass validation
func GetError() error {
	validationMu.Lock()
	defer validationMu.Unlock()

	var errs []string
	for key, tag := range validations {
		if err := validate.Var(viper.GetString(key), tag); err != nil {
			errs = append(errs, fmt.Sprintf("%s (%s)", key, tag))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, ", "))
	}
	return nil
}

// LoadConfigFile reads the YAML config for a service and environment, e.g. _local/server/local.yaml.
// A missing file is not an error; values from the process environment always take precedence.
func LoadConfigFile(service, envName string) {
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")
	path := filepath.Join("_local", service, envName+".yaml")
	if _, err := os.Stat(path); err != nil {
		return
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Sprintf("error reading config %s: %s", path, err))
		}
	}
}

// SetDefault sets a default value for a key
func SetDefault(key string, value any) {
	viper.SetDefault(key, value)
}

func GetString(key string) string {
	return viper.GetString(key)
}

func GetInt(key string) int {
	return viper.GetInt(key)
}

func GetInt64(key string) int64 {
	return viper.GetInt64(key)
}

func GetFloat(key string) float64 {
	return viper.GetFloat64(key)
}

func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// Set overrides a value. Intended for tests.
func Set(key string, value any) {
	viper.Set(key, value)
}
