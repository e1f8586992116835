package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/utils"
)

var ErrNoICEServers = errors.New("no ICE servers configured")

// LoadConfig reads configFilePath over the client defaults. A missing file
// is not an error.
func LoadConfig(configFilePath string) error {
	utils.SetViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			return err
		}
	}

	// Either a static list or an endpoint to fetch one from
	if len(viper.GetStringSlice("ICEServers")) == 0 && viper.GetString("iceserversurl") == "" {
		return ErrNoICEServers
	}
	return nil
}
