package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort string `envconfig:"HTTP_PORT" default:"5000"`

	PubMedBaseURL   string  `envconfig:"PUBMED_BASE_URL" default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils"`
	PubMedAPIKey    string  `envconfig:"PUBMED_API_KEY"`
	PubMedEmail     string  `envconfig:"PUBMED_EMAIL" default:"user@example.com"`
	PubMedTool      string  `envconfig:"PUBMED_TOOL" default:"pv-radar-monitoring"`
	PubMedRateLimit float64 `envconfig:"PUBMED_RATE_LIMIT" default:"10"`

	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`

	MaxArticlesPerSearch int     `envconfig:"MAX_ARTICLES_PER_SEARCH" default:"100"`
	ConfidenceHigh       float64 `envconfig:"CONFIDENCE_THRESHOLD_HIGH" default:"0.85"`
	ConfidenceMedium     float64 `envconfig:"CONFIDENCE_THRESHOLD_MEDIUM" default:"0.60"`

	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173,http://localhost:5174,http://localhost"`

	ExportsDir string `envconfig:"EXPORTS_DIR" default:"exports"`

	// Leer = kein automatischer Batch-Lauf.
	CronSchedule string `envconfig:"CRON_SCHEDULE"`

	// Optionales S3-Archiv für generierte Tracker-Dateien.
	S3Key      string `envconfig:"S3_KEY"`
	S3Secret   string `envconfig:"S3_SECRET"`
	S3Endpoint string `envconfig:"S3_ENDPOINT"`
	S3Region   string `envconfig:"S3_REGION"`
	S3Bucket   string `envconfig:"S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// CORSOriginList zerlegt CORS_ORIGINS in eine Liste.
func (c *Config) CORSOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// S3Configured meldet, ob alle S3-Parameter gesetzt sind.
func (c *Config) S3Configured() bool {
	return c.S3Key != "" && c.S3Secret != "" && c.S3Endpoint != "" && c.S3Region != "" && c.S3Bucket != ""
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
