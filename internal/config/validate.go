package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateComfy(); err != nil {
		return err
	}
	if err := c.validateQuality(); err != nil {
		return err
	}
	if err := c.validateJellyfin(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateComfy() error {
	if strings.TrimSpace(c.Comfy.URL) == "" {
		return errors.New("comfy.url must be set")
	}
	return nil
}

func (c *Config) validateQuality() error {
	if c.Quality.AutoRejectThreshold < 0 || c.Quality.AutoRejectThreshold > 1 {
		return errors.New("quality.auto_reject_threshold must be between 0 and 1")
	}
	if c.Quality.AutoApproveThreshold < 0 || c.Quality.AutoApproveThreshold > 1 {
		return errors.New("quality.auto_approve_threshold must be between 0 and 1")
	}
	if c.Quality.AutoRejectThreshold >= c.Quality.AutoApproveThreshold {
		return errors.New("quality.auto_reject_threshold must be below auto_approve_threshold")
	}
	return nil
}

func (c *Config) validateJellyfin() error {
	if !c.Jellyfin.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Jellyfin.URL) == "" {
		return errors.New("jellyfin.url must be set when jellyfin.enabled is true")
	}
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		return errors.New("paths.library_dir must be set when jellyfin.enabled is true")
	}
	return nil
}

func (c *Config) validateAuth() error {
	subnet := strings.TrimSpace(c.Auth.TrustedSubnet)
	if subnet == "" {
		return nil
	}
	if _, _, err := net.ParseCIDR(subnet); err != nil {
		return fmt.Errorf("auth.trusted_subnet: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
}
