package config

import (
	"errors"
	"io/fs"
)

// isNotExist reports a missing config file. viper only returns
// ConfigFileNotFoundError when searching paths, not for SetConfigFile.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
