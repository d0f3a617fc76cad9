// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the JSON run configuration.
//
// The file holds the keys TenantId, ClientId, ClientSecret, Mailbox,
// AllowedMailBoxes, DownloadPath, StartDate (YYYY-MM-DD) and
// EmailPageSize, plus the optional Provider, Folder, RefreshToken, Imap,
// LedgerPath, GraphBaseUrl and LogLevel.  Secrets may instead come from
// MAILMIRROR_* environment variables or the OS keyring.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/mailmirror/internal/failure"
	"github.com/matta/mailmirror/internal/message"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	ProviderGraph = "graph"
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"

	DefaultPath         = "./Config/config.json"
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	envPrefix  = "MAILMIRROR"
	dateLayout = "2006-01-02"
)

// IMAP holds the server settings used by the imap provider.
type IMAP struct {
	Host     string `mapstructure:"Host"`
	Port     int    `mapstructure:"Port"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
	TLS      bool   `mapstructure:"TLS"`
}

// Config is one mailbox's run configuration.  It is read once at start
// up and not modified afterwards.
type Config struct {
	TenantID         string   `mapstructure:"TenantId"`
	ClientID         string   `mapstructure:"ClientId"`
	ClientSecret     string   `mapstructure:"ClientSecret"`
	Mailbox          string   `mapstructure:"Mailbox"`
	AllowedMailBoxes []string `mapstructure:"AllowedMailBoxes"`
	DownloadPath     string   `mapstructure:"DownloadPath"`
	StartDate        string   `mapstructure:"StartDate"`
	EmailPageSize    int      `mapstructure:"EmailPageSize"`

	Provider     string `mapstructure:"Provider"`
	Folder       string `mapstructure:"Folder"`
	RefreshToken string `mapstructure:"RefreshToken"`
	IMAP         IMAP   `mapstructure:"Imap"`
	LedgerPath   string `mapstructure:"LedgerPath"`
	GraphBaseURL string `mapstructure:"GraphBaseUrl"`
	LogLevel     string `mapstructure:"LogLevel"`

	cutoff time.Time
}

// SecretSource looks up a secret by key.
type SecretSource interface {
	Get(key string) (string, error)
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("Provider", ProviderGraph)
	v.SetDefault("GraphBaseUrl", DefaultGraphBaseURL)
	v.SetDefault("LogLevel", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{"ClientSecret", "RefreshToken", "Imap.Password"} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "binding environment for %s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating config %s", path)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderGraph
	}
	if c.Folder == "" {
		switch c.Provider {
		case ProviderGraph:
			c.Folder = "Inbox"
		default:
			c.Folder = "INBOX"
		}
	}
	if c.GraphBaseURL == "" {
		c.GraphBaseURL = DefaultGraphBaseURL
	}
	c.DownloadPath = expandHome(c.DownloadPath)
	c.LedgerPath = expandHome(c.LedgerPath)
}

// Validate checks that every field the run needs is present and well
// formed.  Secrets are not checked here; see RequireSecrets.
func (c *Config) Validate() error {
	if c.Mailbox == "" {
		return errors.New("Mailbox is required")
	}
	if len(c.AllowedMailBoxes) == 0 {
		return errors.New("AllowedMailBoxes must list at least one mailbox")
	}
	if c.DownloadPath == "" {
		return errors.New("DownloadPath is required")
	}
	if c.EmailPageSize <= 0 {
		return errors.Errorf("EmailPageSize must be positive, got %d", c.EmailPageSize)
	}
	cutoff, err := parseDate(c.StartDate)
	if err != nil {
		return errors.Wrapf(err, "StartDate %q", c.StartDate)
	}
	c.cutoff = cutoff

	switch c.Provider {
	case ProviderGraph:
		if c.TenantID == "" || c.ClientID == "" {
			return errors.New("TenantId and ClientId are required for the graph provider")
		}
	case ProviderGmail:
		if c.ClientID == "" {
			return errors.New("ClientId is required for the gmail provider")
		}
	case ProviderIMAP:
		if c.IMAP.Host == "" || c.IMAP.Port == 0 || c.IMAP.Username == "" {
			return errors.New("Imap.Host, Imap.Port and Imap.Username are required for the imap provider")
		}
	default:
		return errors.Errorf("unknown Provider %q", c.Provider)
	}
	return nil
}

// parseDate accepts a plain date or a timestamp and keeps only its date.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("is required")
	}
	for _, layout := range []string{dateLayout, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, errors.Errorf("want format %s", dateLayout)
}

// Authorize fails with failure.UnauthorizedMailbox unless Mailbox is in
// AllowedMailBoxes.
func (c *Config) Authorize() error {
	for _, allowed := range c.AllowedMailBoxes {
		if allowed == c.Mailbox {
			return nil
		}
	}
	return failure.Newf(failure.UnauthorizedMailbox, "access to mailbox %q", c.Mailbox)
}

// Cutoff returns StartDate as midnight UTC.  Messages received on an
// earlier UTC date are not downloaded.
func (c *Config) Cutoff() time.Time {
	return c.cutoff
}

// Query returns the listing request for the configured mailbox.
func (c *Config) Query() message.Query {
	return message.Query{
		Mailbox:  c.Mailbox,
		Folder:   c.Folder,
		Since:    c.cutoff,
		PageSize: c.EmailPageSize,
	}
}

// SecretKey is the keyring item name holding the provider secret for
// this mailbox.
func (c *Config) SecretKey() string {
	return c.Provider + ":" + c.Mailbox
}

// RequireSecrets fills in the provider's secret from src when neither
// the file nor the environment supplied one.
func (c *Config) RequireSecrets(src SecretSource) error {
	var field *string
	switch c.Provider {
	case ProviderGraph:
		field = &c.ClientSecret
	case ProviderGmail:
		field = &c.RefreshToken
	case ProviderIMAP:
		field = &c.IMAP.Password
	}
	if field == nil || *field != "" {
		return nil
	}
	if src == nil {
		return errors.Errorf("no secret configured for %s", c.SecretKey())
	}
	secret, err := src.Get(c.SecretKey())
	if err != nil {
		return errors.Wrapf(err, "no secret in config or environment, and keyring lookup for %s failed", c.SecretKey())
	}
	*field = secret
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), strings.TrimPrefix(path, "~"))
	}
	return path
}

func homeDir() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		return "."
	}
	return usr.HomeDir
}
