package alpaca

import (
	"strings"
	"time"
)

const (
	PaperBaseURL = "https://paper-api.alpaca.markets"
	LiveBaseURL  = "https://api.alpaca.markets"
)

type Config struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	DataURL     string
	HTTPTimeout time.Duration
	// BarsWindow 拉取日线时向前回溯的自然日天数
	BarsWindow time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.APISecret = strings.TrimSpace(out.APISecret)
	out.BaseURL = strings.TrimSpace(out.BaseURL)
	if out.BaseURL == "" {
		out.BaseURL = PaperBaseURL
	}
	out.DataURL = strings.TrimSpace(out.DataURL)
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.BarsWindow <= 0 {
		out.BarsWindow = 90 * 24 * time.Hour
	}
	return out
}
