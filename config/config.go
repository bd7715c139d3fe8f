package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Relay    RelayConfig
	Station  StationConfig
	Call     CallConfig
	Chat     ChatConfig
	Meeting  MeetingConfig
	Firebase FirebaseConfig
}

type ServerConfig struct {
	Port         string
	Env          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// RelayConfig is how a station reaches the signaling relay, and how the
// relay gates token issuance. AccessCodeHash is a bcrypt hash of the shared
// station access code.
type RelayConfig struct {
	URL            string
	AccessCodeHash string
}

type StationConfig struct {
	ID   string
	Port string
	// DeviceToken is the FCM registration for missed-call pushes; empty
	// disables them.
	DeviceToken string
}

type CallConfig struct {
	RingTimeout  time.Duration
	CleanupDelay time.Duration
}

type ChatConfig struct {
	SendDebounce time.Duration
	Window       int
}

type MeetingConfig struct {
	StartAudioMuted bool
	StartVideoMuted bool
	DisableSelfView bool
}

type FirebaseConfig struct {
	ServiceAccountPath string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getenv("PORT", "8098"),
			Env:          getenv("ENV", "development"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             getenv("DB_DSN", "teleconsulta:teleconsulta@tcp(localhost:3306)/teleconsulta?charset=utf8mb4&parseTime=True&loc=Local"),
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		JWT: JWTConfig{
			Secret: getenv("JWT_SECRET", "change-me-in-production"),
			Expiry: 168 * time.Hour,
			Issuer: "teleconsulta",
		},
		Relay: RelayConfig{
			URL: getenv("RELAY_URL", "ws://localhost:8098/ws"),
			// bcrypt of "password"; override in production.
			AccessCodeHash: getenv("RELAY_ACCESS_CODE_HASH", "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
		},
		Station: StationConfig{
			ID:          getenv("STATION_ID", ""),
			Port:        getenv("STATION_PORT", "8099"),
			DeviceToken: getenv("STATION_DEVICE_TOKEN", ""),
		},
		Call: CallConfig{
			RingTimeout:  getdur("CALL_RING_TIMEOUT", 35*time.Second),
			CleanupDelay: getdur("CALL_CLEANUP_DELAY", 6*time.Second),
		},
		Chat: ChatConfig{
			SendDebounce: getdur("CHAT_SEND_DEBOUNCE", time.Second),
			Window:       getint("CHAT_WINDOW", 50),
		},
		Meeting: MeetingConfig{
			StartAudioMuted: false,
			StartVideoMuted: false,
			DisableSelfView: true,
		},
		Firebase: FirebaseConfig{
			ServiceAccountPath: getenv("FIREBASE_SERVICE_ACCOUNT_PATH", ""),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
