package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the tidf
// server components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`

	Server struct {
		// Base port; the TCP listener binds it and worker thread i binds
		// UDP port base_port + i.
		BasePort int `mapstructure:"base_port"`
		// Number of worker threads sessions are distributed across.
		Threads int `mapstructure:"threads"`
		// Ticks per second each worker runs at.
		TickRate int `mapstructure:"tick_rate"`
		// Seconds a connection may stay silent before it is evicted.
		// Zero keeps the default of ten minutes.
		IdleTimeout int `mapstructure:"idle_timeout"`
	} `mapstructure:"server"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Whether to annotate logs with the caller's file and line.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Web struct {
		// Port for the Prometheus metrics endpoint. Zero disables it.
		MetricsPort int `mapstructure:"metrics_port"`
	} `mapstructure:"web"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
	} `mapstructure:"debugging"`
}

// IdleTimeout converts the configured eviction window to a duration. Zero
// means "use the server default".
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeout) * time.Second
}

const envVarPrefix = "TIDF"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, server.base_port can be set using:
	// <envVarPrefix>_SERVER_BASE_PORT
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}
