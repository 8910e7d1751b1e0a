// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type update struct {
	MaxAttempts int      `json:"max-attempts" mapstructure:"max-attempts"`
	MinBuild    int      `json:"min-build" mapstructure:"min-build"`
	IndexURL    string   `json:"index-url" mapstructure:"index-url"`
	OSes        []string `json:"oses" mapstructure:"oses"`
}

// Config is the configuration struct
type Config struct {
	IpswBin  string `json:"ipsw-bin" mapstructure:"ipsw-bin"`
	AppleDB  string `json:"appledb" mapstructure:"appledb"`
	KeysDir  string `json:"keys-dir" mapstructure:"keys-dir"`
	LogsDir  string `json:"logs-dir" mapstructure:"logs-dir"`
	Database string `json:"database" mapstructure:"database"`
	Update   update `json:"update" mapstructure:"update"`
}

func (c *Config) verify() error {
	if c.IpswBin == "" {
		c.IpswBin = "ipsw"
	}
	if c.AppleDB == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: failed to get user home directory: %v", err)
		}
		// the mirror the ipsw tool maintains
		c.AppleDB = filepath.Join(home, ".config", "ipsw", "appledb")
	}
	if c.KeysDir == "" {
		c.KeysDir = "keys"
	}
	if c.LogsDir == "" {
		c.LogsDir = "."
	}
	if c.Database == "" {
		c.Database = "fcs-keys.json"
	}
	if c.Update.MaxAttempts == 0 {
		c.Update.MaxAttempts = 10
	}
	if c.Update.MaxAttempts < 1 {
		return fmt.Errorf("config: update.max-attempts must be at least 1")
	}
	if c.Update.MinBuild == 0 {
		c.Update.MinBuild = 22
	}
	if len(c.Update.OSes) == 0 {
		c.Update.OSes = []string{"iOS", "iPadOS", "macOS"}
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, err
	}

	return c, nil
}
