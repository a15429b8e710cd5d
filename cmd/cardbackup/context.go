package main

import (
	"net/http"
	"strings"
	"sync"

	"cardbackup/internal/client"
	"cardbackup/internal/config"
)

type commandContext struct {
	addrFlag   *string
	configFlag *string
	tokenFlag  *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(addrFlag, configFlag, tokenFlag *string) *commandContext {
	return &commandContext{
		addrFlag:   addrFlag,
		configFlag: configFlag,
		tokenFlag:  tokenFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolvedPath, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolvedPath
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) apiAddr() string {
	if c.addrFlag != nil && strings.TrimSpace(*c.addrFlag) != "" {
		return strings.TrimSpace(*c.addrFlag)
	}
	if cfg := c.configValue(); cfg != nil {
		return cfg.Paths.APIBind
	}
	return "127.0.0.1:7430"
}

func (c *commandContext) apiToken() string {
	if c.tokenFlag != nil && strings.TrimSpace(*c.tokenFlag) != "" {
		return strings.TrimSpace(*c.tokenFlag)
	}
	if cfg := c.configValue(); cfg != nil {
		return cfg.Paths.APIToken
	}
	return ""
}

func (c *commandContext) newClient(opts ...client.Option) *client.Client {
	opts = append([]client.Option{client.WithToken(c.apiToken())}, opts...)
	return client.New(c.apiAddr(), opts...)
}

func (c *commandContext) withClient(fn func(*client.Client) error) error {
	return fn(c.newClient())
}

// streamingClient has no request timeout, used for long polls. The caller's
// context bounds each request instead.
func (c *commandContext) streamingClient() *client.Client {
	return c.newClient(client.WithHTTPClient(&http.Client{}))
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
