package config

import (
	"context"

	"github.com/davidbalbert/routesim/sync"
)

// ConfigManager holds the running config and tells watchers when it
// changes.
type ConfigManager struct {
	*sync.Notifier[*Config]
	path string
}

func NewConfigManager(path string) (*ConfigManager, error) {
	conf := Default()
	if path != "" {
		var err error
		conf, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	return &ConfigManager{Notifier: sync.NewNotifier(conf), path: path}, nil
}

func (c *ConfigManager) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// GetConfig returns a copy of the running config.
func (c *ConfigManager) GetConfig() *Config {
	conf, _ := c.LastChange()
	return conf.copy()
}

func (c *ConfigManager) UpdateConfig(conf *Config) error {
	err := conf.validate()
	if err != nil {
		return err
	}

	c.NotifyChange(conf.copy())

	return nil
}

// Reload reads the config file again.
func (c *ConfigManager) Reload() error {
	if c.path == "" {
		return nil
	}

	conf, err := Load(c.path)
	if err != nil {
		return err
	}

	c.NotifyChange(conf)

	return nil
}
