package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/spf13/viper"
)

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("localaddress", ":1066")
	viper.SetDefault("ratelimit", 50.0)
	viper.SetDefault("rateburst", 100)
	viper.SetDefault("metrics", true)
}

// LoadConfig reads configFilePath over the server defaults. A missing file
// is not an error.
func LoadConfig(configFilePath string) error {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found", "configFilePath", configFilePath)
			return nil
		}
		return err
	}
	return nil
}
