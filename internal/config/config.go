package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

type Config struct {
	PostgresDSN     string
	ListenAddr      string
	NATSURL         string // optional, "" disables the event fan-out
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	SubscribeTopics []string // default topic filters per broker connection
	MessageRetain   int      // newest message-log rows kept by the janitor
	PruneEvery      time.Duration
}

// MustLoad loads the required settings for the system to operate
func MustLoad() Config {
	dsn := getenv("POSTGRES_DSN",
		"host=localhost user=hub password=hub dbname=hub port=5432 sslmode=disable")
	addr := getenv("LISTEN_ADDR", ":9090")
	natsURL := getenv("NATS_URL", "")

	base, _ := strconv.Atoi(getenv("BACKOFF_BASE_SEC", "1"))
	cap, _ := strconv.Atoi(getenv("BACKOFF_CAP_SEC", "60"))
	retain, _ := strconv.Atoi(getenv("MESSAGE_RETAIN", "10000"))
	pruneMin, _ := strconv.Atoi(getenv("PRUNE_EVERY_MIN", "10"))

	topics := []string{"sensors/+/data", "devices/+/status"}
	if raw := getenv("SUBSCRIBE_TOPICS_JSON", ""); raw != "" {
		_ = json.Unmarshal([]byte(raw), &topics)
	}

	return Config{
		PostgresDSN:     dsn,
		ListenAddr:      addr,
		NATSURL:         natsURL,
		BackoffBase:     time.Duration(base) * time.Second,
		BackoffCap:      time.Duration(cap) * time.Second,
		SubscribeTopics: topics,
		MessageRetain:   retain,
		PruneEvery:      time.Duration(pruneMin) * time.Minute,
	}
}

// getenv fetches the env variables for the application to run
func getenv(k, d string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return d
}
