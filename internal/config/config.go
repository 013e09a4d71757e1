package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	App struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"app"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Stripe struct {
		SecretKey      string `yaml:"secret_key"`
		WebhookSecret  string `yaml:"webhook_secret"`
		PriceIDStarter string `yaml:"price_id_starter"`
		PriceIDPlus    string `yaml:"price_id_plus"`
		PriceIDPro     string `yaml:"price_id_pro"`
	} `yaml:"stripe"`
	Notify struct {
		SMTPHost string `yaml:"smtp_host"`
		SMTPPort int    `yaml:"smtp_port"`
		From     string `yaml:"from"`
	} `yaml:"notify"`
	Admin struct {
		// Actor ids allowed to call admin endpoints. An empty list denies
		// every caller, including authenticated ones.
		AllowedActors   []string `yaml:"allowed_actors"`
		TokenSigningKey string   `yaml:"token_signing_key"`
		Issuer          string   `yaml:"issuer"`
		Audience        string   `yaml:"audience"`
	} `yaml:"admin"`
	Replay struct {
		EventWindow int `yaml:"event_window"`
	} `yaml:"replay"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8090"
	cfg.App.BaseURL = "http://localhost:3000"
	cfg.Notify.SMTPHost = "localhost"
	cfg.Notify.SMTPPort = 2525
	cfg.Notify.From = "billing@courtside.local"
	cfg.Replay.EventWindow = 100
	cfg.Log.Level = "info"
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
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CS_APP_BASE_URL"); v != "" {
		cfg.App.BaseURL = v
	}
	if v := os.Getenv("CS_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CS_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CS_STRIPE_SECRET_KEY"); v != "" {
		cfg.Stripe.SecretKey = v
	}
	if v := os.Getenv("CS_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("CS_STRIPE_PRICE_ID_STARTER"); v != "" {
		cfg.Stripe.PriceIDStarter = v
	}
	if v := os.Getenv("CS_STRIPE_PRICE_ID_PLUS"); v != "" {
		cfg.Stripe.PriceIDPlus = v
	}
	if v := os.Getenv("CS_STRIPE_PRICE_ID_PRO"); v != "" {
		cfg.Stripe.PriceIDPro = v
	}
	if v := os.Getenv("CS_SMTP_HOST"); v != "" {
		cfg.Notify.SMTPHost = v
	}
	if v := os.Getenv("CS_SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Notify.SMTPPort = p
		}
	}
	if v := os.Getenv("CS_NOTIFY_FROM"); v != "" {
		cfg.Notify.From = v
	}
	if v := os.Getenv("CS_ADMIN_ALLOWED_ACTORS"); v != "" {
		cfg.Admin.AllowedActors = splitList(v)
	}
	if v := os.Getenv("CS_ADMIN_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Admin.TokenSigningKey = v
	}
	if v := os.Getenv("CS_ADMIN_ISSUER"); v != "" {
		cfg.Admin.Issuer = v
	}
	if v := os.Getenv("CS_ADMIN_AUDIENCE"); v != "" {
		cfg.Admin.Audience = v
	}
	if v := os.Getenv("CS_REPLAY_EVENT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Replay.EventWindow = n
		}
	}
	if v := os.Getenv("CS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
