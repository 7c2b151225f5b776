// Package config builds the process settings from the environment using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
)

const (
	DefaultCryptoPanicURL = "https://cryptopanic.com/api/v1/posts/"
	DefaultCoinGeckoURL   = "https://api.coingecko.com/api/v3"
	DefaultCacheFile      = "coins_cache.json"
	DefaultDBFile         = "crypto_bot.db"
	DefaultLedgerFile     = "news_ledger.db"
	DefaultPerPage        = 250
	DefaultMaxSubs        = 10
)

var defaults = map[string]any{
	"CRYPTOPANIC_API_URL":     DefaultCryptoPanicURL,
	"NEWS_TIMEOUT":            "10s",
	"NEWS_CHECK_INTERVAL":     "10m",
	"NEWS_LEDGER_FILE":        DefaultLedgerFile,
	"NEWS_LEDGER_TTL":         "72h",
	"COINGECKO_API_URL":       DefaultCoinGeckoURL,
	"VS_CURRENCY":             "usd",
	"PER_PAGE":                DefaultPerPage,
	"PAGE_DELAY":              "1.5s",
	"PAGE_ATTEMPTS":           3,
	"BACKOFF_BASE":            "1s",
	"CACHE_FILE":              DefaultCacheFile,
	"CACHE_DURATION":          "1h",
	"MAX_SUBSCRIPTIONS":       DefaultMaxSubs,
	"DB_FILE":                 DefaultDBFile,
	"ALERT_THRESHOLD_PERCENT": 5.0,
	"ALERT_COOLDOWN":          "1h",
	"DIALOGUE_TIMEOUT":        "5m",
	"METRICS_ADDR":            "",
	"LOG_LEVEL":               "info",
	"LOG_BACKEND":             "zerolog",
	"LOG_FILE":                "",
	"LOG_JSON":                false,
	"LOG_COLOR":               true,
	"LOG_TIME_FORMAT":         "2006-01-02 15:04:05",
}

// Load reads the optional dotenv files (".env" when none is given) and
// resolves every setting from the environment, falling back to defaults.
func Load(envFiles ...string) (*core.Settings, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return fromViper(v)
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, file := range files {
		// A missing dotenv file is normal in containers
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func fromViper(v *viper.Viper) (*core.Settings, error) {
	p := &parser{v: v}

	settings := &core.Settings{
		Telegram: core.TelegramSettings{
			Token:           v.GetString("TELEGRAM_TOKEN"),
			DialogueTimeout: p.duration("DIALOGUE_TIMEOUT"),
		},
		CoinGecko: core.CoinGeckoSettings{
			URL:          v.GetString("COINGECKO_API_URL"),
			APIKey:       v.GetString("COINGECKO_API_KEY"),
			VsCurrency:   v.GetString("VS_CURRENCY"),
			PerPage:      v.GetInt("PER_PAGE"),
			PageDelay:    p.duration("PAGE_DELAY"),
			PageAttempts: v.GetInt("PAGE_ATTEMPTS"),
			BackoffBase:  p.duration("BACKOFF_BASE"),
		},
		CryptoPanic: core.CryptoPanicSettings{
			APIKey:        v.GetString("CRYPTOPANIC_API_KEY"),
			URL:           v.GetString("CRYPTOPANIC_API_URL"),
			Timeout:       p.duration("NEWS_TIMEOUT"),
			CheckInterval: p.duration("NEWS_CHECK_INTERVAL"),
			LedgerFile:    v.GetString("NEWS_LEDGER_FILE"),
			LedgerTTL:     p.duration("NEWS_LEDGER_TTL"),
		},
		Cache: core.CacheSettings{
			File:     v.GetString("CACHE_FILE"),
			Duration: p.duration("CACHE_DURATION"),
		},
		Database: core.DatabaseSettings{
			File: v.GetString("DB_FILE"),
		},
		Subscriptions: core.SubscriptionSettings{
			Max: v.GetInt("MAX_SUBSCRIPTIONS"),
		},
		Alerts: core.AlertSettings{
			ThresholdPercent: v.GetFloat64("ALERT_THRESHOLD_PERCENT"),
			Cooldown:         p.duration("ALERT_COOLDOWN"),
		},
		Log: core.LogSettings{
			Level:      v.GetString("LOG_LEVEL"),
			Backend:    v.GetString("LOG_BACKEND"),
			File:       v.GetString("LOG_FILE"),
			JSON:       v.GetBool("LOG_JSON"),
			Colored:    v.GetBool("LOG_COLOR"),
			TimeFormat: v.GetString("LOG_TIME_FORMAT"),
		},
		Metrics: core.MetricsSettings{
			Addr: v.GetString("METRICS_ADDR"),
		},
	}

	if p.err != nil {
		return nil, p.err
	}

	if err := Validate(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// Validate checks the settings that every command depends on. The Telegram
// token is only required by the bot itself, see RequireTelegram.
func Validate(s *core.Settings) error {
	var errs []error

	if s.CoinGecko.PerPage <= 0 || s.CoinGecko.PerPage > DefaultPerPage {
		errs = append(errs, fmt.Errorf("PER_PAGE must be between 1 and %d", DefaultPerPage))
	}
	if s.CoinGecko.PageAttempts <= 0 {
		errs = append(errs, errors.New("PAGE_ATTEMPTS must be positive"))
	}
	if s.Cache.Duration <= 0 {
		errs = append(errs, errors.New("CACHE_DURATION must be positive"))
	}
	if s.CryptoPanic.CheckInterval <= 0 {
		errs = append(errs, errors.New("NEWS_CHECK_INTERVAL must be positive"))
	}
	if s.Subscriptions.Max <= 0 {
		errs = append(errs, errors.New("MAX_SUBSCRIPTIONS must be positive"))
	}
	if s.Alerts.ThresholdPercent < 0 {
		errs = append(errs, errors.New("ALERT_THRESHOLD_PERCENT must not be negative"))
	}
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if s.Log.Backend != "zerolog" && s.Log.Backend != "logrus" {
		errs = append(errs, fmt.Errorf("unknown LOG_BACKEND %q", s.Log.Backend))
	}

	return errors.Join(errs...)
}

// RequireTelegram fails when the bot token is missing
func RequireTelegram(s *core.Settings) error {
	if s.Telegram.Token == "" {
		return core.ErrMissingToken
	}
	return nil
}

// parser collects the first duration parse error so callers can build the
// settings struct in one expression
type parser struct {
	v   *viper.Viper
	err error
}

// duration accepts str2duration units, and a bare integer as seconds
func (p *parser) duration(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}

	d, err := str2duration.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid duration for %s (%q): %w", key, raw, err)
	}
	return d
}
