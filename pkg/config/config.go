package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// External APIs
	KIS   KISConfig
	Naver NaverConfig

	// Trading core
	Trading  TradingConfig
	Schedule ScheduleConfig

	// Event sinks
	Store    StoreConfig
	Kafka    KafkaConfig
	Telegram TelegramConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// KISConfig holds KIS (한국투자증권) API configuration
type KISConfig struct {
	AppKey    string
	AppSecret string
	AccountNo string
	BaseURL   string
	WSURL     string // 비어있으면 실전/모의 기본 주소
	IsVirtual bool   // 모의투자 여부
	HtsID     string // HTS ID (체결통보 구독용)
	OrderRate int    // 초당 주문 요청 수
}

// NaverConfig holds Naver Finance configuration
type NaverConfig struct {
	BaseURL string
}

// TradingConfig holds trading core parameters
type TradingConfig struct {
	Mode         string // paper, kis
	Strategy     string // 기본 전략 프로필 ID
	StrategyFile string // 전략 프로필 YAML (선택)

	BudgetPerStock int64 // 종목당 투자 예산 (원)

	// 전략 프로필 덮어쓰기 (0 = 프로필 기본값)
	TopN           int
	PassThreshold  float64
	EntryThreshold float64
	StopRatio      float64
	TargetRatio    float64

	MaxPositions     int
	MaxDailyLoss     int64 // 일일 최대 손실 (원)
	MaxPositionValue int64 // 종목당 최대 금액 (0 = 제한 없음)

	Universe        []string // 고정 유니버스 (비어있으면 랭킹 사용)
	UniverseMarkets []string // KOSPI, KOSDAQ
	Workers         int
}

// ScheduleConfig holds trading day windows and cadences
type ScheduleConfig struct {
	Timezone        string
	PreMarketStart  string // HH:MM
	MarketOpen      string
	MarketClose     string
	SettlementStart string
	SettlementEnd   string

	ClockTick      time.Duration
	MarketInterval time.Duration
	FetchTimeout   time.Duration
	SubmitTimeout  time.Duration
	ScanTimeout    time.Duration
	OrderTimeout   time.Duration
	SweepInterval  time.Duration // 스케줄러와 별개로 주문 타임아웃 점검

	Holidays []string // YYYY-MM-DD
}

// StoreConfig selects event persistence backends
type StoreConfig struct {
	Backends []string // postgres, kafka, none
}

// KafkaConfig holds Kafka producer configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// TelegramConfig holds Telegram notifier configuration
type TelegramConfig struct {
	BotToken string
	ChatID   int64
	Enabled  bool
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		// Database
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		// External APIs
		KIS: KISConfig{
			AppKey:    getEnv("KIS_APP_KEY", ""),
			AppSecret: getEnv("KIS_APP_SECRET", ""),
			AccountNo: getEnv("KIS_ACCOUNT_NO", ""),
			BaseURL:   getEnv("KIS_BASE_URL", "https://openapi.koreainvestment.com:9443"),
			WSURL:     getEnv("KIS_WS_URL", ""),
			IsVirtual: getEnvAsBool("KIS_IS_VIRTUAL", true),
			HtsID:     getEnv("KIS_HTS_ID", ""),
			OrderRate: getEnvAsInt("KIS_ORDER_RATE", 5),
		},

		Naver: NaverConfig{
			BaseURL: getEnv("NAVER_BASE_URL", "https://finance.naver.com"),
		},

		Trading: TradingConfig{
			Mode:             getEnv("TRADING_MODE", "paper"),
			Strategy:         getEnv("TRADING_STRATEGY", "momentum"),
			StrategyFile:     getEnv("TRADING_STRATEGY_FILE", ""),
			BudgetPerStock:   getEnvAsInt64("TRADING_BUDGET_PER_STOCK", 1_000_000),
			TopN:             getEnvAsInt("TRADING_TOP_N", 0),
			PassThreshold:    getEnvAsFloat("TRADING_PASS_THRESHOLD", 0),
			EntryThreshold:   getEnvAsFloat("TRADING_ENTRY_THRESHOLD", 0),
			StopRatio:        getEnvAsFloat("TRADING_STOP_RATIO", 0),
			TargetRatio:      getEnvAsFloat("TRADING_TARGET_RATIO", 0),
			MaxPositions:     getEnvAsInt("TRADING_MAX_POSITIONS", 5),
			MaxDailyLoss:     getEnvAsInt64("TRADING_MAX_DAILY_LOSS", 500_000),
			MaxPositionValue: getEnvAsInt64("TRADING_MAX_POSITION_VALUE", 0),
			Universe:         getEnvAsList("TRADING_UNIVERSE", ""),
			UniverseMarkets:  getEnvAsList("TRADING_UNIVERSE_MARKETS", "KOSPI,KOSDAQ"),
			Workers:          getEnvAsInt("TRADING_WORKERS", 8),
		},

		Schedule: ScheduleConfig{
			Timezone:        getEnv("SCHEDULE_TIMEZONE", "Asia/Seoul"),
			PreMarketStart:  getEnv("SCHEDULE_PRE_MARKET_START", "08:30"),
			MarketOpen:      getEnv("SCHEDULE_MARKET_OPEN", "09:00"),
			MarketClose:     getEnv("SCHEDULE_MARKET_CLOSE", "15:30"),
			SettlementStart: getEnv("SCHEDULE_SETTLEMENT_START", "16:00"),
			SettlementEnd:   getEnv("SCHEDULE_SETTLEMENT_END", "16:30"),
			ClockTick:       getEnvAsDuration("SCHEDULE_CLOCK_TICK", "5s"),
			MarketInterval:  getEnvAsDuration("SCHEDULE_MARKET_INTERVAL", "3m"),
			FetchTimeout:    getEnvAsDuration("SCHEDULE_FETCH_TIMEOUT", "10s"),
			SubmitTimeout:   getEnvAsDuration("SCHEDULE_SUBMIT_TIMEOUT", "10s"),
			ScanTimeout:     getEnvAsDuration("SCHEDULE_SCAN_TIMEOUT", "5m"),
			OrderTimeout:    getEnvAsDuration("SCHEDULE_ORDER_TIMEOUT", "10m"),
			SweepInterval:   getEnvAsDuration("SCHEDULE_SWEEP_INTERVAL", "30s"),
			Holidays:        getEnvAsList("SCHEDULE_HOLIDAYS", ""),
		},

		Store: StoreConfig{
			Backends: getEnvAsList("STORE_BACKEND", "postgres"),
		},

		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS", ""),
			Topic:   getEnv("KAFKA_TOPIC", "trader.events"),
		},

		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
			Enabled:  getEnvAsBool("TELEGRAM_ENABLED", false),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Monitoring
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// HasStoreBackend reports whether the named event sink is enabled
func (c *Config) HasStoreBackend(name string) bool {
	for _, b := range c.Store.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.HasStoreBackend("postgres") && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND includes postgres")
	}

	if c.HasStoreBackend("kafka") && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when STORE_BACKEND includes kafka")
	}

	// Validate environment
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	switch c.Trading.Mode {
	case "paper":
	case "kis":
		if c.KIS.AppKey == "" || c.KIS.AppSecret == "" || len(c.KIS.AccountNo) < 10 {
			return fmt.Errorf("TRADING_MODE=kis requires KIS_APP_KEY, KIS_APP_SECRET and a 10-digit KIS_ACCOUNT_NO")
		}
	default:
		return fmt.Errorf("TRADING_MODE must be one of: paper, kis")
	}

	if c.Trading.StopRatio < 0 || c.Trading.StopRatio >= 1 {
		return fmt.Errorf("TRADING_STOP_RATIO must be in [0, 1)")
	}
	if c.Trading.TargetRatio < 0 || c.Trading.TargetRatio >= 1 {
		return fmt.Errorf("TRADING_TARGET_RATIO must be in [0, 1)")
	}
	if c.Trading.TopN < 0 || c.Trading.Workers <= 0 || c.Trading.BudgetPerStock <= 0 {
		return fmt.Errorf("TRADING_TOP_N must be >= 0, TRADING_WORKERS and TRADING_BUDGET_PER_STOCK positive")
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("TELEGRAM_ENABLED requires TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
	}

	return c.Schedule.validate()
}

// validate checks window ordering: 장전 < 개장 < 장마감 <= 정산 시작 < 정산 종료
func (s ScheduleConfig) validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("SCHEDULE_TIMEZONE: %w", err)
	}

	bounds := []struct {
		name  string
		value string
	}{
		{"SCHEDULE_PRE_MARKET_START", s.PreMarketStart},
		{"SCHEDULE_MARKET_OPEN", s.MarketOpen},
		{"SCHEDULE_MARKET_CLOSE", s.MarketClose},
		{"SCHEDULE_SETTLEMENT_START", s.SettlementStart},
		{"SCHEDULE_SETTLEMENT_END", s.SettlementEnd},
	}

	prev := -1
	for i, b := range bounds {
		minutes, err := ParseClock(b.value)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		// 장마감과 정산 시작은 같아도 됨
		if minutes < prev || (minutes == prev && i != 3) {
			return fmt.Errorf("%s must be after %s", b.name, bounds[i-1].name)
		}
		prev = minutes
	}

	for _, day := range s.Holidays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return fmt.Errorf("SCHEDULE_HOLIDAYS: invalid date %q", day)
		}
	}

	if s.ClockTick <= 0 || s.MarketInterval < s.ClockTick {
		return fmt.Errorf("SCHEDULE_MARKET_INTERVAL must be >= SCHEDULE_CLOCK_TICK > 0")
	}

	return nil
}

// ParseClock converts "HH:MM" into minutes after midnight
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	// Try paths in order of priority
	paths := []string{
		".env",
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
			filepath.Join(exeDir, "..", "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := strings.ReplaceAll(os.Getenv(key), "_", "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(key string, defaultValue string) []string {
	valueStr := getEnv(key, defaultValue)
	if valueStr == "" {
		return nil
	}

	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
