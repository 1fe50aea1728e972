package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	GigaChat GigaChatConfig
	Import   ImportConfig
	Storage  StorageConfig
	Logger   LoggerConfig
}

type LoggerConfig struct {
	Level string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey  string
	Expiration time.Duration
	RefreshExp time.Duration
}

type GigaChatConfig struct {
	APIKey             string
	Scope              string
	Model              string
	InsecureSkipVerify bool
}

// ImportConfig tunes the statement import pipeline.
type ImportConfig struct {
	MaxFileSize        int64
	StructuringTimeout time.Duration
	// DuplicateDateWindowDays is how far apart a candidate and an existing
	// ledger row may be and still count as a possible duplicate.
	DuplicateDateWindowDays int
	// DuplicateSimilarity is the minimum description similarity, in [0,1],
	// for a near-date match to be flagged.
	DuplicateSimilarity float64
}

type StorageConfig struct {
	UploadDir string
}

func Load() (*Config, error) {
	// Try to load .env file from current directory or project root
	envFiles := []string{".env", "../.env", "../../.env"}
	for _, envFile := range envFiles {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}
	// No .env file is fine: plain environment variables work for Docker/K8s

	readTimeout, _ := strconv.Atoi(getEnv("SERVER_READ_TIMEOUT", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("SERVER_WRITE_TIMEOUT", "30"))
	jwtExp, _ := strconv.Atoi(getEnv("JWT_EXPIRATION_HOURS", "24"))
	refreshExp, _ := strconv.Atoi(getEnv("JWT_REFRESH_EXPIRATION_HOURS", "168"))
	maxFileSize, _ := strconv.ParseInt(getEnv("IMPORT_MAX_FILE_SIZE", "10485760"), 10, 64)
	structuringTimeout, _ := strconv.Atoi(getEnv("IMPORT_STRUCTURING_TIMEOUT", "120"))
	dupWindow, _ := strconv.Atoi(getEnv("IMPORT_DUP_DATE_WINDOW_DAYS", "3"))
	dupSimilarity, _ := strconv.ParseFloat(getEnv("IMPORT_DUP_SIMILARITY", "0.55"), 64)
	insecureSkipVerify := getEnv("GIGACHAT_INSECURE_SKIP_VERIFY", "true") == "true"

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  time.Duration(readTimeout) * time.Second,
			WriteTimeout: time.Duration(writeTimeout) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "ledgerimport"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey:  getEnv("JWT_SECRET_KEY", "your-secret-key-change-in-production"),
			Expiration: time.Duration(jwtExp) * time.Hour,
			RefreshExp: time.Duration(refreshExp) * time.Hour,
		},
		GigaChat: GigaChatConfig{
			APIKey:             getEnv("GIGACHAT_API_KEY", ""),
			Scope:              getEnv("GIGACHAT_SCOPE", "GIGACHAT_API_PERS"),
			Model:              getEnv("GIGACHAT_MODEL", "GigaChat"),
			InsecureSkipVerify: insecureSkipVerify,
		},
		Import: ImportConfig{
			MaxFileSize:             maxFileSize,
			StructuringTimeout:      time.Duration(structuringTimeout) * time.Second,
			DuplicateDateWindowDays: dupWindow,
			DuplicateSimilarity:     dupSimilarity,
		},
		Storage: StorageConfig{
			UploadDir: getEnv("UPLOAD_DIR", "uploads"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
