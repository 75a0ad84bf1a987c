package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURI  string `yaml:"redirect_uri"`
	} `yaml:"google"`
	Microsoft struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURI  string `yaml:"redirect_uri"`
		Tenant       string `yaml:"tenant"`
		Scopes       string `yaml:"scopes"`
	} `yaml:"microsoft"`
	Sink struct {
		WebhookURL string        `yaml:"webhook_url"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"sink"`
	Frontend struct {
		URL string `yaml:"url"`
	} `yaml:"frontend"`
	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Auth struct {
		JWKSURL string `yaml:"jwks_url"`
	} `yaml:"auth"`
	Poll struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"poll"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.Database.Path = "data/mailhook.db"
	cfg.Microsoft.Tenant = "common"
	cfg.Microsoft.Scopes = "openid profile offline_access https://graph.microsoft.com/Mail.Read"
	cfg.Sink.Timeout = 20 * time.Second
	cfg.Frontend.URL = "http://localhost:5173"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)

	if cfg.Google.ClientID == "" && cfg.Microsoft.ClientID == "" {
		return cfg, errors.New("missing google.client_id and microsoft.client_id (at least one provider must be configured)")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MH_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("MH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MH_GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("MH_GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("MH_GOOGLE_REDIRECT_URI"); v != "" {
		cfg.Google.RedirectURI = v
	}
	if v := os.Getenv("MH_MS_CLIENT_ID"); v != "" {
		cfg.Microsoft.ClientID = v
	}
	if v := os.Getenv("MH_MS_CLIENT_SECRET"); v != "" {
		cfg.Microsoft.ClientSecret = v
	}
	if v := os.Getenv("MH_MS_REDIRECT_URI"); v != "" {
		cfg.Microsoft.RedirectURI = v
	}
	if v := os.Getenv("MH_MS_TENANT"); v != "" {
		cfg.Microsoft.Tenant = v
	}
	if v := os.Getenv("MH_MS_SCOPES"); v != "" {
		cfg.Microsoft.Scopes = v
	}
	if v := os.Getenv("MH_WEBHOOK_URL"); v != "" {
		cfg.Sink.WebhookURL = v
	}
	if v := os.Getenv("MH_SINK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sink.Timeout = d
		}
	}
	if v := os.Getenv("MH_FRONTEND_URL"); v != "" {
		cfg.Frontend.URL = v
	}
	if v := os.Getenv("MH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MH_AUTH_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("MH_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Poll.Interval = d
		}
	}
}

// MicrosoftScopes returns the configured Graph scopes as a slice.
func (c Config) MicrosoftScopes() []string {
	parts := strings.Fields(c.Microsoft.Scopes)
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
