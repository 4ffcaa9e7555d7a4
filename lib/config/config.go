package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/go-viper/encoding/ini"
	"github.com/samber/oops"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var log = logger.GetGoI2PLogger()

// Load reads an INI configuration file on top of Defaults. An empty path
// yields the defaults. The result is not validated; callers apply command
// line overrides first and then call Validate.
func Load(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("ini")
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.Wrapf(err, "read config file %s", path)
		}
		log.WithField("config_file", v.ConfigFileUsed()).Debug("Using config file")
	}

	cfg := fromViper(v)
	cfg.ConfigFile = path
	cfg.Onion.HostkeyPath = resolveRelative(cfg.Onion.HostkeyPath, path)
	return cfg, nil
}

// newViper returns a viper instance that can decode INI files. viper no
// longer ships an INI codec of its own.
func newViper() (*viper.Viper, error) {
	codecs := viper.NewCodecRegistry()
	if err := codecs.RegisterCodec("ini", ini.Codec{}); err != nil {
		return nil, oops.Wrapf(err, "register ini codec")
	}
	return viper.NewWithOptions(viper.WithCodecRegistry(codecs)), nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("onion.hostkey", d.Onion.HostkeyPath)
	v.SetDefault("onion.listen_address", d.Onion.ListenAddress)
	v.SetDefault("onion.api_address", d.Onion.APIAddress)
	v.SetDefault("onion.metrics_address", d.Onion.MetricsAddress)

	v.SetDefault("onion.hops", d.Tunnel.Hops)
	v.SetDefault("onion.digest", d.Tunnel.Digest)
	v.SetDefault("onion.build_retry_interval", d.Tunnel.BuildRetryInterval)
	v.SetDefault("onion.destroy_step_delay", d.Tunnel.DestroyStepDelay)
	v.SetDefault("onion.cover_min_wait", d.Tunnel.CoverMinWait)
	v.SetDefault("onion.cover_max_wait", d.Tunnel.CoverMaxWait)
	v.SetDefault("onion.build_requests_per_minute", d.Tunnel.MaxBuildRequestsPerMinute)
	v.SetDefault("onion.build_request_burst", d.Tunnel.BuildRequestBurstSize)
	v.SetDefault("onion.source_ban_duration", d.Tunnel.SourceBanDuration)

	v.SetDefault("onion.api_max_clients", d.API.MaxClients)
	v.SetDefault("onion.api_read_timeout", d.API.ReadTimeout)

	v.SetDefault("rps.api_address", d.RPS.APIAddress)
	v.SetDefault("rps.reconnect_interval", d.RPS.ReconnectInterval)
	v.SetDefault("auth.api_address", d.Auth.APIAddress)
	v.SetDefault("auth.reconnect_interval", d.Auth.ReconnectInterval)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Onion: OnionDefaults{
			HostkeyPath:    v.GetString("onion.hostkey"),
			ListenAddress:  v.GetString("onion.listen_address"),
			APIAddress:     v.GetString("onion.api_address"),
			MetricsAddress: v.GetString("onion.metrics_address"),
		},
		Tunnel: TunnelDefaults{
			Hops:                      v.GetInt("onion.hops"),
			Digest:                    v.GetString("onion.digest"),
			BuildRetryInterval:        v.GetDuration("onion.build_retry_interval"),
			DestroyStepDelay:          v.GetDuration("onion.destroy_step_delay"),
			CoverMinWait:              v.GetDuration("onion.cover_min_wait"),
			CoverMaxWait:              v.GetDuration("onion.cover_max_wait"),
			MaxBuildRequestsPerMinute: v.GetInt("onion.build_requests_per_minute"),
			BuildRequestBurstSize:     v.GetInt("onion.build_request_burst"),
			SourceBanDuration:         v.GetDuration("onion.source_ban_duration"),
		},
		API: APIDefaults{
			MaxClients:  v.GetInt("onion.api_max_clients"),
			ReadTimeout: v.GetDuration("onion.api_read_timeout"),
		},
		RPS: ModuleDefaults{
			APIAddress:        v.GetString("rps.api_address"),
			ReconnectInterval: v.GetDuration("rps.reconnect_interval"),
		},
		Auth: ModuleDefaults{
			APIAddress:        v.GetString("auth.api_address"),
			ReconnectInterval: v.GetDuration("auth.reconnect_interval"),
		},
	}
}

// resolveRelative keeps p if it exists as given, otherwise interprets it
// relative to the directory of the config file.
func resolveRelative(p, configFile string) string {
	if p == "" || configFile == "" || filepath.IsAbs(p) {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	} else if !errors.Is(err, os.ErrNotExist) {
		return p
	}
	return filepath.Join(filepath.Dir(configFile), p)
}

// Dump writes the effective configuration as YAML.
func Dump(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return oops.Wrapf(err, "encode config")
	}
	return enc.Close()
}
