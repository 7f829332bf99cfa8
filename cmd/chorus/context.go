package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"chorus/internal/apiclient"
	"chorus/internal/config"
)

const (
	tokenEnv = "CHORUS_API_TOKEN"
	// skipConfigLoad marks commands that must run without a loadable config.
	skipConfigLoad = "skipConfigLoad"
)

type globalFlags struct {
	config string
	api    string
	token  string
	user   string
	role   string
	output string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) apiBind() string {
	if bind := strings.TrimSpace(c.flags.api); bind != "" {
		return bind
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		return cfg.Paths.APIBind
	}
	return ""
}

func (c *commandContext) apiToken() string {
	if token := strings.TrimSpace(c.flags.token); token != "" {
		return token
	}
	if token := strings.TrimSpace(os.Getenv(tokenEnv)); token != "" {
		return token
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		return cfg.Paths.APIToken
	}
	return ""
}

func (c *commandContext) caller() string {
	if user := strings.TrimSpace(c.flags.user); user != "" {
		return user
	}
	return strings.TrimSpace(os.Getenv("USER"))
}

func (c *commandContext) withClient(fn func(*apiclient.Client) error) error {
	bind := c.apiBind()
	client, err := apiclient.New(bind, apiclient.Options{
		Token: c.apiToken(),
		User:  c.caller(),
		Role:  strings.TrimSpace(c.flags.role),
	})
	if err != nil {
		return fmt.Errorf("api address %q: %w", bind, err)
	}
	if client == nil {
		return errors.New("daemon API is disabled: set paths.api_bind or pass --api")
	}
	if err := fn(client); err != nil {
		return wrapAPIError(err, bind)
	}
	return nil
}

func wrapAPIError(err error, bind string) error {
	if apiclient.IsAPIUnavailable(err) {
		return fmt.Errorf("connect to daemon at %s: %w; start it with `chorus daemon`", bind, err)
	}
	var statusErr *apiclient.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch {
	case statusErr.Limit != nil:
		limit := statusErr.Limit
		return fmt.Errorf("daily download limit reached (%d of %d used), resets %s: %w",
			limit.DownloadsToday, limit.DailyLimit, formatWhen(limit.ResetTime), err)
	case statusErr.Insufficient != nil:
		return fmt.Errorf("not enough ready units (%d available, %d required); admins may pass --force: %w",
			statusErr.Insufficient.Current, statusErr.Insufficient.Required, err)
	case statusErr.Code == 401:
		return fmt.Errorf("daemon rejected the API token; pass --token or set %s: %w", tokenEnv, err)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations[skipConfigLoad] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
