// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string        `yaml:"env" env-default:"local"`
	StorageConnectionString string        `yaml:"storage_connection_string"`
	MigrationsPath          string        `yaml:"migrations_path" env-default:"migrations"`
	RabbitMQURL             string        `yaml:"rabbitmq_url"`
	RabbitMQMaxRetries      int           `yaml:"rabbitmq_max_retries" env-default:"10"`
	RabbitMQRetryDelay      time.Duration `yaml:"rabbitmq_retry_delay" env-default:"3s"`
	AdminEmail              string        `yaml:"admin_email"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
	Subscription            `yaml:"subscription"`
	Scheduler               `yaml:"scheduler"`
	SMTP                    `yaml:"smtp"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:"localhost:8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"5s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
}

// Subscription структура с параметрами подписки: длительности периодов,
// за сколько дней предупреждать об окончании и часовой пояс расчётов
type Subscription struct {
	TrialDurationDays        int    `yaml:"trial_duration_days" env-default:"7"`
	SubscriptionDurationDays int    `yaml:"subscription_duration_days" env-default:"30"`
	NotificationsBeforeDays  []int  `yaml:"notifications_before_days" env-default:"3,1"`
	Timezone                 string `yaml:"timezone" env-default:"Europe/Moscow"`
}

// Scheduler структура для настройки планировщика отложенных заданий
type Scheduler struct {
	Namespace      string        `yaml:"namespace" env-default:"subscription"`
	PollInterval   time.Duration `yaml:"poll_interval" env-default:"30s"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env-default:"30s"`
	PollBatch      int           `yaml:"poll_batch" env-default:"100"`
}

// SMTP структура для настройки почтового транспорта воркера-отправителя
type SMTP struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort string `yaml:"smtp_port" env-default:"587"`
	SMTPUser string `yaml:"smtp_user"`
	SMTPPass string `yaml:"smtp_pass"`
}

// MustLoad функция для загрузки конфига, путь берется из переменной окружения CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}

// Location возвращает часовой пояс, в котором планировщик и движок
// подписок считают даты переходов
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
