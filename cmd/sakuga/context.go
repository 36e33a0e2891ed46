package main

import (
	"os"
	"strings"
	"sync"

	"sakuga/internal/config"
)

type commandContext struct {
	serverFlag *string
	configFlag *string
	tokenFlag  *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(serverFlag, configFlag, tokenFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		serverFlag: serverFlag,
		configFlag: configFlag,
		tokenFlag:  tokenFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// serverURL resolves the daemon address: flag, then SAKUGA_SERVER, then
// the configured bind address.
func (c *commandContext) serverURL() string {
	if c.serverFlag != nil && strings.TrimSpace(*c.serverFlag) != "" {
		return normalizeServerURL(*c.serverFlag)
	}
	if env := strings.TrimSpace(os.Getenv("SAKUGA_SERVER")); env != "" {
		return normalizeServerURL(env)
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		if bind := strings.TrimSpace(cfg.Paths.APIBind); bind != "" {
			return normalizeServerURL(bind)
		}
	}
	return "http://127.0.0.1:7806"
}

func (c *commandContext) token() string {
	if c.tokenFlag != nil && strings.TrimSpace(*c.tokenFlag) != "" {
		return strings.TrimSpace(*c.tokenFlag)
	}
	return strings.TrimSpace(os.Getenv("SAKUGA_TOKEN"))
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.serverURL(), c.token())
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func normalizeServerURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "http://" + trimmed
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
