package config

import (
	"fmt"

	"scalpctl/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WatchExit re-reads the config file on every write and hands the new exit
// section to onChange. Invalid edits are logged and ignored so a typo never
// replaces a working rule table.
func WatchExit(path string, onChange func(ExitConfig)) error {
	if onChange == nil {
		return fmt.Errorf("config watch: onChange cannot be nil")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Errorf("config reload failed, keeping previous exit rules: %v", err)
			return
		}
		logger.Infof("config reloaded: exit rules updated (stop_loss=%.2f%% arm=%s)", cfg.Exit.StopLossPct, cfg.Exit.ArmPolicy)
		onChange(cfg.Exit)
	})
	v.WatchConfig()
	return nil
}
