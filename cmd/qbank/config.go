package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// config is the validated runtime configuration shared by all commands.
type config struct {
	Addr     string `validate:"required"`
	DB       string `validate:"required"`
	Lang     string `validate:"oneof=en fr"`
	BasePath string

	LLMURL      string `validate:"omitempty,url"`
	LLMKey      string
	LLMModel    string        `validate:"required_with=LLMURL"`
	LLMTimeout  time.Duration `validate:"gte=0"`
	BatchSize   int           `validate:"gte=1,lte=200"`
	Concurrency int           `validate:"gte=1,lte=32"`

	CommitTimeout time.Duration `validate:"gt=0"`
	BusyTimeout   time.Duration `validate:"gte=0"`
	InsertChunk   int           `validate:"gte=1"`
	LookupChunk   int           `validate:"gte=1"`
	MaxUpload     int64         `validate:"gt=0"`

	SessionTTL    time.Duration `validate:"gt=0"`
	SweepSchedule string        `validate:"required"`
	JobRetention  time.Duration `validate:"gte=0"`
	RedisURL      string        `validate:"omitempty,url"`
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Addr:          v.GetString("addr"),
		DB:            v.GetString("db"),
		Lang:          strings.ToLower(v.GetString("lang")),
		BasePath:      normalizeBasePath(v.GetString("base-path")),
		LLMURL:        v.GetString("llm-url"),
		LLMKey:        v.GetString("llm-key"),
		LLMModel:      v.GetString("llm-model"),
		LLMTimeout:    v.GetDuration("llm-timeout"),
		BatchSize:     v.GetInt("batch-size"),
		Concurrency:   v.GetInt("concurrency"),
		CommitTimeout: v.GetDuration("commit-timeout"),
		BusyTimeout:   v.GetDuration("busy-timeout"),
		InsertChunk:   v.GetInt("insert-chunk"),
		LookupChunk:   v.GetInt("lookup-chunk"),
		MaxUpload:     v.GetInt64("max-upload"),
		SessionTTL:    v.GetDuration("session-ttl"),
		SweepSchedule: v.GetString("sweep-schedule"),
		JobRetention:  v.GetDuration("job-retention"),
		RedisURL:      v.GetString("redis-url"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %s", formatValidation(err))
	}
	return cfg, nil
}

func formatValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	var parts []string
	for _, e := range verrs {
		if e.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", e.Field(), e.Tag(), e.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s fails %s", e.Field(), e.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
