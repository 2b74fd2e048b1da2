// Package config loads server configuration the way dastard does: viper
// reads a config file plus environment overrides, and each subsystem's
// settings are pulled out with UnmarshalKey into a plain struct.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/viper"
)

// Session holds DeviceSession tuning (spec §4.4).
type Session struct {
	PollIntervalMs       int `mapstructure:"pollIntervalMs"`
	DebounceMs           int `mapstructure:"debounceMs"`
	MaxConsecutiveErrors int `mapstructure:"maxConsecutiveErrors"`
}

// Scope holds OscilloscopeSession tuning (spec §4.5).
type Scope struct {
	StatusPollIntervalMs      int `mapstructure:"statusPollIntervalMs"`
	StreamFloorOneChannelMs   int `mapstructure:"streamFloorOneChannelMs"`
	StreamFloorManyChannelsMs int `mapstructure:"streamFloorManyChannelsMs"`
	MaxConsecutiveErrors      int `mapstructure:"maxConsecutiveErrors"`
}

// Transport holds per-kind timeout defaults (spec §5).
type Transport struct {
	SerialTimeoutMs     int `mapstructure:"serialTimeoutMs"`
	USBTimeoutMs        int `mapstructure:"usbTimeoutMs"`
	WaveformTimeoutMs   int `mapstructure:"waveformTimeoutMs"`
	ScreenshotTimeoutMs int `mapstructure:"screenshotTimeoutMs"`
	SerialMinDelayMs    int `mapstructure:"serialMinDelayMs"`
}

// Scanner holds registry scan cadence.
type Scanner struct {
	IntervalMs int `mapstructure:"intervalMs"`
}

// Store holds the persistence layer's location and library size limits.
type Store struct {
	Path              string `mapstructure:"path"`
	MaxSequences      int    `mapstructure:"maxSequences"`
	MaxTriggerScripts int    `mapstructure:"maxTriggerScripts"`
}

// Server holds the outer transport's bind address.
type Server struct {
	ListenAddr string `mapstructure:"listenAddr"`
}

// Config aggregates every subsystem's settings (spec's AMBIENT STACK
// configuration surface).
type Config struct {
	Session   Session
	Scope     Scope
	Transport Transport
	Scanner   Scanner
	Store     Store
	Server    Server
}

// Defaults mirrors the literal defaults named throughout spec §4 and §5.
func Defaults() Config {
	return Config{
		Session: Session{PollIntervalMs: 250, DebounceMs: 100, MaxConsecutiveErrors: 5},
		Scope: Scope{
			StatusPollIntervalMs:      500,
			StreamFloorOneChannelMs:   200,
			StreamFloorManyChannelsMs: 350,
			MaxConsecutiveErrors:      3,
		},
		Transport: Transport{
			SerialTimeoutMs: 2000, USBTimeoutMs: 5000,
			WaveformTimeoutMs: 10000, ScreenshotTimeoutMs: 15000,
			SerialMinDelayMs: 50,
		},
		Scanner: Scanner{IntervalMs: 5000},
		Store:   Store{Path: "labctl.db", MaxSequences: 500, MaxTriggerScripts: 500},
		Server:  Server{ListenAddr: ":8642"},
	}
}

// Load reads configFile (if non-empty) via viper, falling back to the
// compiled-in Defaults for anything unset, the way dastard's rpc_server
// pulls "simpulse"/"triangle"/"lancero" sections out of one shared viper
// instance with UnmarshalKey.
func Load(configFile string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigName("labctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LABCTL")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		log.Printf("config: no config file found, using defaults")
		return cfg, nil
	}
	log.Printf("config: using config file %s", v.ConfigFileUsed())

	for key, dst := range map[string]interface{}{
		"session":   &cfg.Session,
		"scope":     &cfg.Scope,
		"transport": &cfg.Transport,
		"scanner":   &cfg.Scanner,
		"store":     &cfg.Store,
		"server":    &cfg.Server,
	} {
		if !v.IsSet(key) {
			continue
		}
		if err := v.UnmarshalKey(key, dst); err != nil {
			return cfg, fmt.Errorf("config: unmarshal %s: %w", key, err)
		}
	}

	return cfg, nil
}
