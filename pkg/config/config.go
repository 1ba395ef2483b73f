package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Socrata   SocrataConfig
	Pipeline  PipelineConfig
	Risk      RiskConfig
	Entity    EntityConfig
	Evidence  EvidenceConfig
	QA        QAConfig
	Freshness FreshnessConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Enabled     bool
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type SocrataConfig struct {
	BaseURL      string
	AppToken     string
	TimeoutSec   int
	CachePath    string
	CacheTTLH    int
	SyntheticDir string
	Datasets     DatasetConfig
}

type DatasetConfig struct {
	Registry   string
	Permits    string
	Complaints string
	DBI        string
	Crime      string
	Eviction   string
	Vacancy    string
	VacancyTax string
	Licenses   string
}

type PipelineConfig struct {
	MaxWorkers        int
	AdapterTimeoutSec int
	UseSynthetic      bool
	HorizonMonths     int
}

type RiskConfig struct {
	ThresholdMedium       float64
	ThresholdHigh         float64
	ModelArtifactPath     string
	CalibrationMethod     string
	SyntheticPositiveRate float64
}

type EntityConfig struct {
	ConfirmationThreshold float64
	SpatialRadiusMeters   float64
}

type EvidenceConfig struct {
	MaxSnippets int
	MaxDrivers  int
}

type QAConfig struct {
	StrictMode bool
}

type FreshnessConfig struct {
	RegistryMaxAgeDays   int
	PermitsMaxAgeDays    int
	CrimeMaxAgeDays      int
	ComplaintsMaxAgeDays int
	EvictionMaxAgeDays   int
	VacancyMaxAgeDays    int
	NewsMaxAgeDays       int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/closurewatch")

	viper.SetEnvPrefix("CLOSURE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("sqlite.path", "./data/closurewatch.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.enabled", false)
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 1500)
	viper.SetDefault("llm.timeoutSec", 45)

	viper.SetDefault("socrata.baseURL", "https://data.sfgov.org/resource")
	viper.SetDefault("socrata.timeoutSec", 20)
	viper.SetDefault("socrata.cachePath", "./data/cache")
	viper.SetDefault("socrata.cacheTTLH", 24)
	viper.SetDefault("socrata.syntheticDir", "./data/synthetic")
	viper.SetDefault("socrata.datasets.registry", "g8m3-pdis")
	viper.SetDefault("socrata.datasets.permits", "i98e-djp9")
	viper.SetDefault("socrata.datasets.complaints", "vw6y-z8j6")
	viper.SetDefault("socrata.datasets.dbi", "gm2e-bten")
	viper.SetDefault("socrata.datasets.crime", "wg3w-h783")
	viper.SetDefault("socrata.datasets.eviction", "5cei-gny5")
	viper.SetDefault("socrata.datasets.vacancy", "rzkk-54yv")
	viper.SetDefault("socrata.datasets.vacancytax", "iynh-ydf2")
	viper.SetDefault("socrata.datasets.licenses", "rgfv-snzn")

	viper.SetDefault("pipeline.maxWorkers", 5)
	viper.SetDefault("pipeline.adapterTimeoutSec", 25)
	viper.SetDefault("pipeline.useSynthetic", false)
	viper.SetDefault("pipeline.horizonMonths", 6)

	viper.SetDefault("risk.thresholdMedium", 0.4)
	viper.SetDefault("risk.thresholdHigh", 0.7)
	viper.SetDefault("risk.modelArtifactPath", "./data/model.json")
	viper.SetDefault("risk.calibrationMethod", "identity")
	viper.SetDefault("risk.syntheticPositiveRate", 0.3)

	viper.SetDefault("entity.confirmationThreshold", 0.6)
	viper.SetDefault("entity.spatialRadiusMeters", 500)

	viper.SetDefault("evidence.maxSnippets", 12)
	viper.SetDefault("evidence.maxDrivers", 5)

	viper.SetDefault("qa.strictMode", false)

	viper.SetDefault("freshness.registryMaxAgeDays", 30)
	viper.SetDefault("freshness.permitsMaxAgeDays", 7)
	viper.SetDefault("freshness.crimeMaxAgeDays", 3)
	viper.SetDefault("freshness.complaintsMaxAgeDays", 3)
	viper.SetDefault("freshness.evictionMaxAgeDays", 30)
	viper.SetDefault("freshness.vacancyMaxAgeDays", 90)
	viper.SetDefault("freshness.newsMaxAgeDays", 7)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
