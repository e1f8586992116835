package utils

import (
	"time"

	"github.com/spf13/viper"
)

// Set the viper defaults for a roundmesh client
// For use in cmd/client, as well as the examples.
func SetViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("signallingserver", "ws://localhost:1066/ws")
	viper.SetDefault("room", "lobby")
	viper.SetDefault("name", "")
	viper.SetDefault("ICEServers", []string{"stun:stun.l.google.com:19302"})
	viper.SetDefault("iceserversurl", "")
	viper.SetDefault("iceserversttl", time.Hour)
	viper.SetDefault("iceserversretries", 2)
	viper.SetDefault("codecs", []string{"CodecPCMU8000Mono", "CodecOpus48000Stereo", "CodecVP8"})
	viper.SetDefault("graceperiod", 15*time.Second)
	viper.SetDefault("retrybasedelay", time.Second)
	viper.SetDefault("maxretryattempts", 3)
	viper.SetDefault("offerstabletimeout", 10*time.Second)
	viper.SetDefault("answerphasetimeout", 2*time.Second)
	viper.SetDefault("audiofile", "")
	viper.SetDefault("metricsaddress", "")
}
