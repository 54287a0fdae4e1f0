// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config はアプリケーション設定を表す。
// 鍵リングとレコード保管域の場所は必ずここを経由して渡され、
// 各コンポーネントがパスを暗黙に持つことはない。
type Config struct {
	KeystorePath    string // 鍵リングファイルのパス
	RecordStorePath string // ファイルベースのレコード保管域のルート
	RecordStoreDSN  string // 指定時はDBをレコード保管域にする
	JournalDSN      string // ローテーションジャーナルのDSN
	RotationWorkers int

	// 鍵リング封印の設定。Sealerは none / aead / gcpckms のいずれか
	Sealer        string
	SealerAEADKey string
	KMSKeyName    string

	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
// JOURNAL_DSN未指定時はレコード保管域と同じDB、保管域もファイルベースなら
// そのディレクトリ内のSQLiteファイルをジャーナルにする。
func Load() *Config {
	cfg := &Config{
		KeystorePath:       os.Getenv("KEYSTORE_PATH"),
		RecordStorePath:    os.Getenv("RECORD_STORE_PATH"),
		RecordStoreDSN:     os.Getenv("RECORD_STORE_DSN"),
		JournalDSN:         os.Getenv("JOURNAL_DSN"),
		RotationWorkers:    getEnvInt("ROTATION_WORKERS", 4),
		Sealer:             getEnv("SEALER", "none"),
		SealerAEADKey:      os.Getenv("SEALER_AEAD_KEY"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelInsecure:       getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "secure-health-api"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}

	if cfg.JournalDSN == "" {
		switch {
		case cfg.RecordStoreDSN != "":
			cfg.JournalDSN = cfg.RecordStoreDSN
		case cfg.RecordStorePath != "":
			cfg.JournalDSN = filepath.Join(cfg.RecordStorePath, ".rotation-journal.db")
		}
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
