package config

import (
	"strconv"
	"time"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/logger"
)

// Default ports of the VoidPhone module layout.
const (
	DefaultP2PPort  = 4200
	DefaultAPIPort  = 4201
	DefaultRPSPort  = 4300
	DefaultAuthPort = 4400
)

// Config is the complete onion module configuration.
//
// Design decisions:
// - Sections mirror the INI groups: [onion], [rps], [auth]
// - Tunnel engine knobs live in their own struct so the engine can take them directly
// - Module addresses stay strings until Validate, so a dump shows what the user wrote
type Config struct {
	// ConfigFile is the file the values were read from, empty for pure defaults.
	ConfigFile string `yaml:"config_file,omitempty"`

	Onion  OnionDefaults  `yaml:"onion"`
	Tunnel TunnelDefaults `yaml:"tunnel"`
	API    APIDefaults    `yaml:"api"`
	RPS    ModuleDefaults `yaml:"rps"`
	Auth   ModuleDefaults `yaml:"auth"`
}

// OnionDefaults holds the [onion] section.
type OnionDefaults struct {
	// HostkeyPath is the PEM file with this peer's long-term host key.
	HostkeyPath string `yaml:"hostkey"`

	// ListenAddress is the UDP binding for peer-to-peer datagrams.
	// Default: 127.0.0.1:4200
	ListenAddress string `yaml:"listen_address"`

	// APIAddress is the TCP binding of the local onion API.
	// Default: 127.0.0.1:4201
	APIAddress string `yaml:"api_address"`

	// MetricsAddress is the TCP binding of the Prometheus endpoint.
	// Default: empty, no endpoint
	MetricsAddress string `yaml:"metrics_address,omitempty"`
}

// TunnelDefaults configures circuit construction, teardown and cover traffic.
type TunnelDefaults struct {
	// Hops is the number of intermediate hops before the destination.
	// Default: 2
	Hops int `yaml:"hops"`

	// Digest selects the relay payload digest: "zero" or "checksum".
	// Default: zero
	Digest string `yaml:"digest"`

	// BuildRetryInterval re-sends a pending BUILD or RELAY_EXTEND.
	// Default: 20 seconds
	BuildRetryInterval time.Duration `yaml:"build_retry_interval"`

	// DestroyStepDelay spaces the per-hop CMD_DESTROY messages of a teardown.
	// Default: 500 milliseconds
	DestroyStepDelay time.Duration `yaml:"destroy_step_delay"`

	// CoverMinWait and CoverMaxWait bound the random pause between cover cells.
	// Default: 300ms and 2s
	CoverMinWait time.Duration `yaml:"cover_min_wait"`
	CoverMaxWait time.Duration `yaml:"cover_max_wait"`

	// MaxBuildRequestsPerMinute is the sustained BUILD rate accepted per peer.
	// Default: 60
	MaxBuildRequestsPerMinute int `yaml:"build_requests_per_minute"`

	// BuildRequestBurstSize is the BUILD burst accepted per peer.
	// Default: 10
	BuildRequestBurstSize int `yaml:"build_request_burst"`

	// SourceBanDuration is how long a flooding peer is ignored.
	// Default: 5 minutes
	SourceBanDuration time.Duration `yaml:"source_ban_duration"`
}

// APIDefaults configures the local onion API server.
type APIDefaults struct {
	// MaxClients bounds concurrent API connections.
	// Default: 32
	MaxClients int `yaml:"max_clients"`

	// ReadTimeout closes connections that stall mid-message.
	// Default: 30 seconds
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// ModuleDefaults configures a TCP connection to a sibling module.
type ModuleDefaults struct {
	// APIAddress is the module's TCP API binding.
	APIAddress string `yaml:"api_address"`

	// ReconnectInterval is the wait before redialing a lost connection.
	// Default: 2 seconds
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Onion:  buildOnionDefaults(),
		Tunnel: buildTunnelDefaults(),
		API:    buildAPIDefaults(),
		RPS:    buildModuleDefaults(DefaultRPSPort),
		Auth:   buildModuleDefaults(DefaultAuthPort),
	}
}

func buildOnionDefaults() OnionDefaults {
	return OnionDefaults{
		HostkeyPath:   "hostkey.pem",
		ListenAddress: loopback(DefaultP2PPort),
		APIAddress:    loopback(DefaultAPIPort),
	}
}

func buildTunnelDefaults() TunnelDefaults {
	return TunnelDefaults{
		Hops:                      2,
		Digest:                    "zero",
		BuildRetryInterval:        20 * time.Second,
		DestroyStepDelay:          500 * time.Millisecond,
		CoverMinWait:              300 * time.Millisecond,
		CoverMaxWait:              2 * time.Second,
		MaxBuildRequestsPerMinute: 60,
		BuildRequestBurstSize:     10,
		SourceBanDuration:         5 * time.Minute,
	}
}

func buildAPIDefaults() APIDefaults {
	return APIDefaults{
		MaxClients:  32,
		ReadTimeout: 30 * time.Second,
	}
}

func buildModuleDefaults(port int) ModuleDefaults {
	return ModuleDefaults{
		APIAddress:        loopback(port),
		ReconnectInterval: 2 * time.Second,
	}
}

// Validate checks if the provided configuration values are usable.
// Returns an error describing the first invalid value found.
func Validate(cfg Config) error {
	log.WithFields(logger.Fields{
		"at":     "config.Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")
	return runConfigValidators(cfg)
}

// runConfigValidators executes all configuration validators in sequence.
func runConfigValidators(cfg Config) error {
	validators := []func() error{
		func() error { return validateOnion(cfg.Onion) },
		func() error { return validateTunnel(cfg.Tunnel) },
		func() error { return validateAPI(cfg.API) },
		func() error { return validateModule("rps", cfg.RPS) },
		func() error { return validateModule("auth", cfg.Auth) },
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "config.Validate",
		"reason": "all_validators_passed",
	}).Debug("all configuration validations passed")
	return nil
}

func validateOnion(onion OnionDefaults) error {
	if onion.HostkeyPath == "" {
		return newValidationError("[onion] hostkey must be set")
	}
	if err := validateBinding("[onion] listen_address", onion.ListenAddress); err != nil {
		return err
	}
	if onion.MetricsAddress != "" {
		if err := validateBinding("[onion] metrics_address", onion.MetricsAddress); err != nil {
			return err
		}
	}
	return validateBinding("[onion] api_address", onion.APIAddress)
}

// validateTunnel checks hop count, timers and rate limits.
func validateTunnel(tunnel TunnelDefaults) error {
	if tunnel.Hops < 1 || tunnel.Hops > 8 {
		log.WithFields(logger.Fields{
			"at":     "validateTunnel",
			"reason": "hop_count_out_of_range",
			"hops":   tunnel.Hops,
		}).Error("invalid tunnel configuration")
		return newValidationError("Tunnel.Hops must be between 1 and 8")
	}
	switch tunnel.Digest {
	case "zero", "checksum":
	default:
		return newValidationError("Tunnel.Digest must be \"zero\" or \"checksum\"")
	}
	if tunnel.BuildRetryInterval < 100*time.Millisecond {
		return newValidationError("Tunnel.BuildRetryInterval must be at least 100ms")
	}
	if tunnel.DestroyStepDelay <= 0 {
		return newValidationError("Tunnel.DestroyStepDelay must be positive")
	}
	if err := validateCoverWindow(tunnel); err != nil {
		return err
	}
	return validateRateLimitSettings(tunnel)
}

func validateCoverWindow(tunnel TunnelDefaults) error {
	if tunnel.CoverMinWait <= 0 {
		return newValidationError("Tunnel.CoverMinWait must be positive")
	}
	if tunnel.CoverMaxWait < tunnel.CoverMinWait {
		log.WithFields(logger.Fields{
			"at":             "validateCoverWindow",
			"reason":         "cover_window_inverted",
			"cover_min_wait": tunnel.CoverMinWait,
			"cover_max_wait": tunnel.CoverMaxWait,
		}).Error("invalid tunnel configuration")
		return newValidationError("Tunnel.CoverMaxWait must not be below Tunnel.CoverMinWait")
	}
	return nil
}

// validateRateLimitSettings checks per-peer BUILD admission settings.
func validateRateLimitSettings(tunnel TunnelDefaults) error {
	if tunnel.MaxBuildRequestsPerMinute < 1 {
		return newValidationError("Tunnel.MaxBuildRequestsPerMinute must be at least 1")
	}
	if tunnel.BuildRequestBurstSize < 1 {
		return newValidationError("Tunnel.BuildRequestBurstSize must be at least 1")
	}
	if tunnel.SourceBanDuration < time.Second {
		return newValidationError("Tunnel.SourceBanDuration must be at least 1 second")
	}
	return nil
}

func validateAPI(api APIDefaults) error {
	if api.MaxClients < 1 {
		return newValidationError("API.MaxClients must be at least 1")
	}
	if api.ReadTimeout < time.Second {
		return newValidationError("API.ReadTimeout must be at least 1 second")
	}
	return nil
}

func validateModule(section string, m ModuleDefaults) error {
	if err := validateBinding("["+section+"] api_address", m.APIAddress); err != nil {
		return err
	}
	if m.ReconnectInterval <= 0 {
		return newValidationError("[" + section + "] reconnect_interval must be positive")
	}
	return nil
}

func validateBinding(key, value string) error {
	b, err := binding.Parse(value, 0)
	if err != nil || b.Port == 0 {
		log.WithFields(logger.Fields{
			"at":     "validateBinding",
			"reason": "invalid_binding",
			"key":    key,
			"value":  value,
		}).Error("invalid configuration")
		return newValidationError(key + " must be ip:port, got \"" + value + "\"")
	}
	return nil
}

func loopback(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
