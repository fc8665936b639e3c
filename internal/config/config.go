// Package config loads ddnet settings from ddnet.toml, DDNET_* environment
// variables and command-line flags bound to the same keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chronologos/ddnet/internal/coordinator"
	"github.com/chronologos/ddnet/internal/multicast"
	"github.com/chronologos/ddnet/internal/peer"
	"github.com/chronologos/ddnet/internal/presence"
	"github.com/chronologos/ddnet/internal/transport"
)

const (
	configName = "ddnet"
	configType = "toml"
	configDir  = ".ddnet"
	envPrefix  = "DDNET"
)

// Keys.
const (
	KeyPollInterval   = "transport.poll_interval"
	KeyConnectTimeout = "transport.connect_timeout"
	KeyReadTimeout    = "transport.read_timeout"
	KeyWriteTimeout   = "transport.write_timeout"

	KeyServerAddr       = "server.addr"
	KeyServerMode       = "server.mode"
	KeyServerMaxWorkers = "server.max_workers"
	KeyServerKeepAlive  = "server.keep_alive"

	KeyStorageDir = "storage.dir"

	KeyPollWaitMin    = "poll.wait_min"
	KeyPollWaitAdd    = "poll.wait_add"
	KeyPollWaitAddPer = "poll.wait_add_per"
	KeyPollWaitMax    = "poll.wait_max"
	KeyPollWaitError  = "poll.wait_error"

	KeyMulticastGroup     = "multicast.group"
	KeyMulticastPort      = "multicast.port"
	KeyMulticastTTL       = "multicast.ttl"
	KeyMulticastInterface = "multicast.interface"
	KeyMulticastLoopback  = "multicast.loopback"

	KeyPresenceHeartbeat      = "presence.heartbeat"
	KeyPresenceBurst          = "presence.burst"
	KeyPresenceContinuous     = "presence.continuous"
	KeyPresenceAllowDuplicate = "presence.allow_duplicate"
	KeyPresencePlayer         = "presence.player"

	KeyAuthSecret = "auth.secret"
	KeyAuthKey    = "auth.key"

	KeyLobbyAddr = "lobby.addr"

	KeyDebug = "debug"
)

type Server struct {
	Addr       string
	Mode       transport.DialMode
	MaxWorkers int
	KeepAlive  bool
}

type Presence struct {
	Heartbeat      time.Duration
	Burst          int
	Continuous     bool
	AllowDuplicate bool
	Player         string
}

type Auth struct {
	// Secret signs and verifies activation keys. Empty disables checking.
	Secret string
	// Key is this peer's own activation key.
	Key string
}

// Config is the resolved configuration.
type Config struct {
	Transport  transport.Options
	Server     Server
	StorageDir string
	Poll       coordinator.PollSettings
	Multicast  multicast.Config
	Presence   Presence
	Auth       Auth
	// LobbyAddr enables the websocket presence feed when non-empty.
	LobbyAddr string
	Debug     bool
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPollInterval, transport.DefaultPollInterval)
	v.SetDefault(KeyConnectTimeout, transport.DefaultConnectTimeout)
	v.SetDefault(KeyReadTimeout, transport.DefaultReadTimeout)
	v.SetDefault(KeyWriteTimeout, transport.DefaultWriteTimeout)

	v.SetDefault(KeyServerAddr, ":11890")
	v.SetDefault(KeyServerMode, "tcp")
	v.SetDefault(KeyServerMaxWorkers, peer.DefaultMaxWorkers)
	v.SetDefault(KeyServerKeepAlive, true)

	if home, err := os.UserHomeDir(); err == nil {
		v.SetDefault(KeyStorageDir, filepath.Join(home, configDir, "games"))
	} else {
		v.SetDefault(KeyStorageDir, "games")
	}

	p := coordinator.DefaultPollSettings
	v.SetDefault(KeyPollWaitMin, p.WaitMin)
	v.SetDefault(KeyPollWaitAdd, p.WaitAdd)
	v.SetDefault(KeyPollWaitAddPer, p.WaitAddPer)
	v.SetDefault(KeyPollWaitMax, p.WaitMax)
	v.SetDefault(KeyPollWaitError, p.WaitError)

	v.SetDefault(KeyMulticastGroup, multicast.DefaultGroup)
	v.SetDefault(KeyMulticastPort, multicast.DefaultPort)
	v.SetDefault(KeyMulticastTTL, multicast.DefaultTTL)
	v.SetDefault(KeyMulticastInterface, "")
	v.SetDefault(KeyMulticastLoopback, true)

	v.SetDefault(KeyPresenceHeartbeat, presence.DefaultHeartbeat)
	v.SetDefault(KeyPresenceBurst, presence.DefaultBurst)
	v.SetDefault(KeyPresenceContinuous, false)
	v.SetDefault(KeyPresenceAllowDuplicate, false)
	v.SetDefault(KeyPresencePlayer, "")

	v.SetDefault(KeyAuthSecret, "")
	v.SetDefault(KeyAuthKey, "")
	v.SetDefault(KeyLobbyAddr, "")
	v.SetDefault(KeyDebug, false)
}

// Load reads ddnet.toml from $HOME/.ddnet or the working directory, if
// present, and resolves every key. A missing file is not an error.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, configDir))
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return resolve(v)
}

func resolve(v *viper.Viper) (Config, error) {
	mode, err := transport.ParseDialMode(v.GetString(KeyServerMode))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyServerMode, err)
	}

	cfg := Config{
		Transport: transport.Options{
			PollInterval:   v.GetDuration(KeyPollInterval),
			ConnectTimeout: v.GetDuration(KeyConnectTimeout),
			ReadTimeout:    v.GetDuration(KeyReadTimeout),
			WriteTimeout:   v.GetDuration(KeyWriteTimeout),
		},
		Server: Server{
			Addr:       v.GetString(KeyServerAddr),
			Mode:       mode,
			MaxWorkers: v.GetInt(KeyServerMaxWorkers),
			KeepAlive:  v.GetBool(KeyServerKeepAlive),
		},
		StorageDir: v.GetString(KeyStorageDir),
		Poll: coordinator.PollSettings{
			WaitMin:    v.GetInt(KeyPollWaitMin),
			WaitAdd:    v.GetInt(KeyPollWaitAdd),
			WaitAddPer: v.GetInt(KeyPollWaitAddPer),
			WaitMax:    v.GetInt(KeyPollWaitMax),
			WaitError:  v.GetInt(KeyPollWaitError),
		},
		Multicast: multicast.Config{
			Group:     v.GetString(KeyMulticastGroup),
			Port:      v.GetInt(KeyMulticastPort),
			TTL:       v.GetInt(KeyMulticastTTL),
			Interface: v.GetString(KeyMulticastInterface),
			Loopback:  v.GetBool(KeyMulticastLoopback),
		},
		Presence: Presence{
			Heartbeat:      v.GetDuration(KeyPresenceHeartbeat),
			Burst:          v.GetInt(KeyPresenceBurst),
			Continuous:     v.GetBool(KeyPresenceContinuous),
			AllowDuplicate: v.GetBool(KeyPresenceAllowDuplicate),
			Player:         v.GetString(KeyPresencePlayer),
		},
		Auth: Auth{
			Secret: v.GetString(KeyAuthSecret),
			Key:    v.GetString(KeyAuthKey),
		},
		LobbyAddr: v.GetString(KeyLobbyAddr),
		Debug:     v.GetBool(KeyDebug),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	positive := func(key string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	positive(KeyPollInterval, c.Transport.PollInterval)
	positive(KeyConnectTimeout, c.Transport.ConnectTimeout)
	positive(KeyReadTimeout, c.Transport.ReadTimeout)
	positive(KeyWriteTimeout, c.Transport.WriteTimeout)
	positive(KeyPresenceHeartbeat, c.Presence.Heartbeat)

	if c.Server.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyServerMaxWorkers, c.Server.MaxWorkers))
	}
	if c.Multicast.Port <= 0 || c.Multicast.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s out of range: %d", KeyMulticastPort, c.Multicast.Port))
	}
	if c.Multicast.TTL <= 0 || c.Multicast.TTL > 255 {
		errs = append(errs, fmt.Errorf("%s out of range: %d", KeyMulticastTTL, c.Multicast.TTL))
	}
	if c.Poll.WaitMin > c.Poll.WaitMax {
		errs = append(errs, fmt.Errorf("%s (%d) exceeds %s (%d)", KeyPollWaitMin, c.Poll.WaitMin, KeyPollWaitMax, c.Poll.WaitMax))
	}
	return errors.Join(errs...)
}
