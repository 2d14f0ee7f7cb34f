package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr string

	// DBDriver is "sqlite" or "mysql".
	DBDriver string
	DBDSN    string

	// APIKey is the optional deployment-wide shared secret. Empty disables
	// the check.
	APIKey string

	ListenTimeoutDefault time.Duration
	ListenTimeoutMin     time.Duration
	ListenTimeoutMax     time.Duration
	HeartbeatInterval    time.Duration

	// RabbitURL enables the message-appended event feed when non-empty.
	RabbitURL   string
	RabbitQueue string
}

func Load() Config {
	addr := os.Getenv("BROKER_ADDR")
	if addr == "" {
		addr = ":3210"
	}

	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		// DSN demo (mysql):
		// app:apppass@tcp(127.0.0.1:3306)/broker?charset=utf8mb4&parseTime=true&loc=Local
		dsn = "file:data/broker.db?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	rabbitQueue := os.Getenv("RABBIT_QUEUE")
	if rabbitQueue == "" {
		rabbitQueue = "broker_events"
	}

	return Config{
		Addr:     addr,
		DBDriver: driver,
		DBDSN:    dsn,
		APIKey:   os.Getenv("BROKER_API_KEY"),

		ListenTimeoutDefault: minutesEnv("LISTEN_TIMEOUT_DEFAULT_MIN", 30),
		ListenTimeoutMin:     minutesEnv("LISTEN_TIMEOUT_FLOOR_MIN", 2),
		ListenTimeoutMax:     minutesEnv("LISTEN_TIMEOUT_CEILING_MIN", 60),
		HeartbeatInterval:    secondsEnv("HEARTBEAT_INTERVAL_SEC", 30),

		RabbitURL:   os.Getenv("RABBIT_URL"),
		RabbitQueue: rabbitQueue,
	}
}

func minutesEnv(name string, def int) time.Duration {
	n := def
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	return time.Duration(n) * time.Minute
}

func secondsEnv(name string, def int) time.Duration {
	n := def
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	return time.Duration(n) * time.Second
}
