package commands

import (
	"fmt"
	"os"
	"testflight-invite/internal/scrapers/itc"
	"testflight-invite/lib/configutil"
	"time"
)

// Config is read from testflight.json5 (and testflight.local.json5), searched for
// from the working directory upwards.
type Config struct {
	BaseUrl        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	UserAgent      string `json:"user_agent"`
	// a negative value disables rate limiting
	RequestsPerSecond float64 `json:"requests_per_second"`
	CloudflareBypass  bool    `json:"cloudflare_bypass"`
	// https proxy url, empty means no proxy
	Proxy string `json:"proxy"`
	// "text" (default) or "document"
	FormFinder string `json:"form_finder"`
}

var defaultConfig = Config{
	BaseUrl:           itc.DefaultBaseUrl,
	TimeoutSeconds:    int(itc.DefaultTimeout / time.Second),
	UserAgent:         itc.DefaultUserAgent,
	RequestsPerSecond: 2,
	FormFinder:        "text",
}

const configFilename = "testflight.json5"

// loadConfig reads `path` when given, otherwise searches for testflight.json5.
// Not finding a config file is not an error.
func loadConfig(path string) (Config, error) {
	var cfg Config
	var err error
	if path != "" {
		cfg, err = configutil.ReadConfig[Config](path)
	} else {
		cfg, err = configutil.ReadRecursively[Config](configFilename)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return configutil.WithDefaults(cfg, defaultConfig)
}

func (c Config) actionFinder() (itc.ActionFinder, error) {
	switch c.FormFinder {
	case "", "text":
		return itc.TextActionFinder{}, nil
	case "document":
		return itc.DocumentActionFinder{}, nil
	default:
		return nil, fmt.Errorf("unknown form_finder %q", c.FormFinder)
	}
}
