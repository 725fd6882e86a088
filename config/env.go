package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Redis    RedisConfig
	DB       DBConfig
	Auth     AuthConfig
	Kafka    KafkaConfig
	Server   ServerConfig
	Earnings EarningsConfig
	Jobs     JobsConfig
}

type DBConfig struct {
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// ConnectionString prefers an explicit DSN and falls back to the discrete fields.
func (c DBConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

type AuthConfig struct {
	JWTSecret string
}

type KafkaConfig struct {
	Brokers           []string
	GroupID           string
	OrderCreatedTopic string
	OrderStatusTopic  string
	AchievementTopic  string
	DeadLetterTopic   string
}

type ServerConfig struct {
	HTTPPort      string
	GRPCPort      string
	WorkerAddr    string
	RateLimit     string
	IngestWorkers int
	RedisEventsOn bool
}

type EarningsConfig struct {
	DispensaryRate    string
	CreatorRate       string
	VideoBonusRate    string
	TribeBonusRate    string
	MinimumPayout     map[string]string
	SettlementTimeout time.Duration
	StatsCacheTTL     time.Duration
}

type JobsConfig struct {
	MonthlyResetSpec string
	WeeklySweepSpec  string
	BatchSize        int
	SweepClasses     []string
}

func LoadConfig() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           redisDB,
			ClusterAddrs: getEnvList("REDIS_CLUSTER_ADDRS", nil),
		},
		DB: DBConfig{
			DSN:      getEnv("EARNINGS_DSN", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "canopy"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Kafka: KafkaConfig{
			Brokers:           getEnvList("KAFKA_BROKERS", nil),
			GroupID:           getEnv("KAFKA_GROUP_ID", "earnings-ledger"),
			OrderCreatedTopic: getEnv("KAFKA_ORDER_CREATED_TOPIC", "orders.created"),
			OrderStatusTopic:  getEnv("KAFKA_ORDER_STATUS_TOPIC", "orders.status_changed"),
			AchievementTopic:  getEnv("KAFKA_ACHIEVEMENT_TOPIC", "earnings.achievements"),
			DeadLetterTopic:   getEnv("KAFKA_DEADLETTER_TOPIC", "earnings.deadletter"),
		},
		Server: ServerConfig{
			HTTPPort:      getEnv("HTTP_PORT", "8080"),
			GRPCPort:      getEnv("GRPC_PORT", "50054"),
			WorkerAddr:    getEnv("EARNINGS_WORKER_ADDR", "localhost:50054"),
			RateLimit:     getEnv("RATE_LIMIT", "60-M"),
			IngestWorkers: getEnvInt("INGEST_WORKERS", 8),
			RedisEventsOn: getEnv("REDIS_ORDER_EVENTS", "true") == "true",
		},
		Earnings: EarningsConfig{
			DispensaryRate: getEnv("DISPENSARY_COMMISSION_RATE", "0.15"),
			CreatorRate:    getEnv("CREATOR_COMMISSION_RATE", "0.25"),
			VideoBonusRate: getEnv("INFLUENCER_VIDEO_BONUS_RATE", "0.02"),
			TribeBonusRate: getEnv("INFLUENCER_TRIBE_BONUS_RATE", "0.01"),
			MinimumPayout: map[string]string{
				"dispensary-admin": getEnv("MIN_PAYOUT_DISPENSARY", "100"),
				"dispensary-staff": getEnv("MIN_PAYOUT_DISPENSARY", "100"),
				"creator":          getEnv("MIN_PAYOUT_CREATOR", "500"),
				"influencer":       getEnv("MIN_PAYOUT_INFLUENCER", "500"),
			},
			SettlementTimeout: getEnvDuration("SETTLEMENT_TIMEOUT", 30*time.Second),
			StatsCacheTTL:     getEnvDuration("STATS_CACHE_TTL", 5*time.Minute),
		},
		Jobs: JobsConfig{
			MonthlyResetSpec: getEnv("MONTHLY_RESET_CRON", "0 0 1 * *"),
			WeeklySweepSpec:  getEnv("WEEKLY_SWEEP_CRON", "0 2 * * 1"),
			BatchSize:        getEnvInt("JOB_BATCH_SIZE", 200),
			SweepClasses:     getEnvList("WEEKLY_SWEEP_CLASSES", []string{"influencer"}),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
