package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/ktvcast/ktvcast/log"
	"github.com/spf13/viper"
)

// Sync transport modes.
const (
	SyncModeWS      = "WS"
	SyncModePolling = "POLLING"
)

type configOptions struct {
	LogLevel string

	// SyncMode selects how playlist changes are observed: WS keeps a
	// persistent socket to the room service, POLLING fetches snapshots
	// periodically. WS falls back to polling when the socket cannot be
	// established.
	SyncMode string

	// Nickname is advertised to renderers as dc:creator in DIDL-Lite.
	Nickname string

	ProxyAddress string
	ProxyPort    int

	// KeepAliveInterval is expressed in whole seconds, matching the
	// KEEP_ALIVE_INTERVAL environment variable.
	KeepAliveInterval int

	SSDPWindow         time.Duration
	SSDPMX             int
	DescriptionTimeout time.Duration

	SOAPTimeout         time.Duration
	ShutdownSOAPTimeout time.Duration

	WSConnectTimeout time.Duration
	PollInterval     time.Duration
	PositionInterval time.Duration
	TransportGrace   time.Duration
}

// Server holds the process-wide configuration. It is loaded once at
// startup and read-only afterwards.
var Server = &configOptions{}

// KeepAlive returns the keep-alive interval as a duration.
func (c *configOptions) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Second
}

// Load reads configuration from viper (defaults, environment, flags) into
// conf.Server.
func Load() error {
	if err := viper.Unmarshal(Server); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	Server.SyncMode = strings.ToUpper(Server.SyncMode)
	if Server.SyncMode != SyncModeWS && Server.SyncMode != SyncModePolling {
		log.Warn("Unknown sync mode, using WS", "syncMode", Server.SyncMode)
		Server.SyncMode = SyncModeWS
	}
	if Server.SSDPMX > 5 {
		Server.SSDPMX = 5
	}
	if Server.KeepAliveInterval <= 0 {
		Server.KeepAliveInterval = 30
	}
	log.SetLevelString(Server.LogLevel)
	return nil
}

// InitConfig registers defaults and environment bindings. Called from the
// cobra initializer before Load.
func InitConfig() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("syncmode", SyncModeWS)
	viper.SetDefault("nickname", "ktv-casting")
	viper.SetDefault("proxyaddress", "0.0.0.0")
	viper.SetDefault("proxyport", 8080)
	viper.SetDefault("keepaliveinterval", 30)
	viper.SetDefault("ssdpwindow", 5*time.Second)
	viper.SetDefault("ssdpmx", 3)
	viper.SetDefault("descriptiontimeout", 3*time.Second)
	viper.SetDefault("soaptimeout", 8*time.Second)
	viper.SetDefault("shutdownsoaptimeout", 2*time.Second)
	viper.SetDefault("wsconnecttimeout", 5*time.Second)
	viper.SetDefault("pollinterval", 3*time.Second)
	viper.SetDefault("positioninterval", 2*time.Second)
	viper.SetDefault("transportgrace", 60*time.Second)

	viper.SetEnvPrefix("KTV")
	viper.AutomaticEnv()
	// Documented variable names that don't follow the prefix/replacer
	// convention.
	_ = viper.BindEnv("syncmode", "KTV_SYNC_MODE")
	_ = viper.BindEnv("nickname", "KTV_NICKNAME")
	_ = viper.BindEnv("keepaliveinterval", "KEEP_ALIVE_INTERVAL")
}
