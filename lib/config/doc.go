// Package config provides configuration management for the onion module.
//
// # Sources
//
// Defaults() is the only place default values are defined. Load reads an
// INI file on top of them with viper, using the VoidPhone layout:
//
//	[onion]
//	hostkey = hostkey.pem
//	listen_address = 127.0.0.1:4200
//	api_address = 127.0.0.1:4201
//	hops = 2
//
//	[rps]
//	api_address = 127.0.0.1:4300
//
//	[auth]
//	api_address = 127.0.0.1:4400
//
// Tunnel engine knobs (hops, digest, timers, BUILD admission) are optional
// keys of the [onion] section, as is metrics_address, which enables the
// Prometheus endpoint. A relative hostkey path that does not exist
// as given is resolved against the directory of the config file.
//
// Load does not validate. Callers apply command line overrides and then call
// Validate; Dump prints the effective configuration as YAML.
package config
