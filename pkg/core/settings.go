package core

import "time"

// Settings is the process configuration, built once at start up and passed
// to every component constructor
type Settings struct {
	Telegram      TelegramSettings
	CoinGecko     CoinGeckoSettings
	CryptoPanic   CryptoPanicSettings
	Cache         CacheSettings
	Database      DatabaseSettings
	Subscriptions SubscriptionSettings
	Alerts        AlertSettings
	Log           LogSettings
	Metrics       MetricsSettings
}

// TelegramSettings holds configuration for the Telegram front end
type TelegramSettings struct {
	Token           string        // Bot token issued by BotFather
	DialogueTimeout time.Duration // Idle time before a /subscribe dialogue is dropped
}

// CoinGeckoSettings holds configuration for the market data provider
type CoinGeckoSettings struct {
	URL          string
	APIKey       string
	VsCurrency   string
	PerPage      int
	PageDelay    time.Duration // Wait applied before every page attempt
	PageAttempts int
	BackoffBase  time.Duration // Delay after the first failed attempt, doubled per retry
}

// CryptoPanicSettings holds configuration for the news provider
type CryptoPanicSettings struct {
	APIKey        string
	URL           string
	Timeout       time.Duration
	CheckInterval time.Duration
	LedgerFile    string
	LedgerTTL     time.Duration
}

type CacheSettings struct {
	File     string
	Duration time.Duration
}

type DatabaseSettings struct {
	File string
}

type SubscriptionSettings struct {
	Max int
}

// AlertSettings tunes when a price alert is repeated for a subscription
type AlertSettings struct {
	ThresholdPercent float64
	Cooldown         time.Duration
}

type LogSettings struct {
	Level      string
	Backend    string // zerolog or logrus
	File       string // Optional rotating log file
	JSON       bool
	Colored    bool
	TimeFormat string
}

type MetricsSettings struct {
	Addr string // Empty disables the /metrics listener
}
