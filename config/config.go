package config

import (
	"errors"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env             string          `mapstructure:"env"`
	LogLevel        string          `mapstructure:"log_level"`
	LogType         string          `mapstructure:"log_type"`
	ServiceName     string          `mapstructure:"service_name"`
	Version         string          `mapstructure:"version"`
	ExtractSettings *ExtractConfig  `mapstructure:"extract"`
	WorkerSettings  *WorkerConfig   `mapstructure:"worker"`
	CacheSettings   *CacheConfig    `mapstructure:"cache"`
	DbSettings      *DatabaseConfig `mapstructure:"database"`
	KafkaSettings   *KafkaConfig    `mapstructure:"kafka"`
	S3Settings      *S3Config       `mapstructure:"s3"`
	CrawlerSettings *CrawlerConfig  `mapstructure:"crawler"`
}

// ExtractConfig holds the raw extraction options as given in config.yaml, the environment or flags.
// ParseOptions validates them.
type ExtractConfig struct {
	FakeURL           string        `mapstructure:"fake_url"`
	Width             string        `mapstructure:"width"`
	Height            string        `mapstructure:"height"`
	MatchMediaQueries bool          `mapstructure:"match_media_queries"`
	RequiredSelectors string        `mapstructure:"required_selectors"`
	ExposeStylesheets string        `mapstructure:"expose_stylesheets"`
	Prefetch          bool          `mapstructure:"prefetch"`
	InsertionToken    string        `mapstructure:"insertion_token"`
	CSSID             string        `mapstructure:"css_id"`
	StripResources    string        `mapstructure:"strip_resources"`
	LocalStorage      string        `mapstructure:"local_storage"`
	CSSOnly           bool          `mapstructure:"css_only"`
	Output            string        `mapstructure:"output"`
	Debug             bool          `mapstructure:"debug"`
	Script            string        `mapstructure:"script"`
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	ChromePath        string        `mapstructure:"chrome_path"`
}

type WorkerConfig struct {
	MaxWorkers    int           `mapstructure:"max_workers"`
	HTMLSource    string        `mapstructure:"html_source"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	UserAgent     string        `mapstructure:"user_agent"`
}

type CacheConfig struct {
	Servers      string        `mapstructure:"servers"`
	TtlForResult time.Duration `mapstructure:"ttl_for_result"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          string        `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
}

type S3Config struct {
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type CrawlerConfig struct {
	RequestTimeout   int `mapstructure:"request_timeout"`
	Retries          int `mapstructure:"retries"`
	LastCrawlIndexes int `mapstructure:"last_crawl_indexes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "error")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "css-inline-worker")
	v.SetDefault("version", "dev")
	v.SetDefault("extract.width", "1200")
	v.SetDefault("extract.height", "0")
	v.SetDefault("extract.script", "extractCSS.js")
	v.SetDefault("extract.timeout", time.Minute)
	v.SetDefault("extract.user_agent", "cssextract")
	v.SetDefault("worker.max_workers", 1)
	v.SetDefault("worker.html_source", "browser")
	v.SetDefault("worker.fetch_timeout", 30*time.Second)
	v.SetDefault("worker.retry_attempts", 2)
	v.SetDefault("worker.retry_delay", 5*time.Second)
	v.SetDefault("worker.user_agent", "cssextract")
	v.SetDefault("cache.ttl_for_result", 24*time.Hour)
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
	v.SetDefault("kafka.consumer.max_wait", time.Second)
	v.SetDefault("kafka.consumer.read_batch_timeout", 10*time.Second)
	v.SetDefault("crawler.request_timeout", 30)
	v.SetDefault("crawler.retries", 3)
	v.SetDefault("crawler.last_crawl_indexes", 3)
}

// Load reads config.yaml from the working directory and the environment. A missing file is not an
// error: defaults and flags bound to v still apply.
func Load(v *viper.Viper) (*Config, error) {
	v.AddConfigPath(path.Join("."))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
