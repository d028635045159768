// Package config loads the server configuration from the environment, an
// optional .env file and an optional YAML file.
//
// Precedence, lowest first: built in defaults, .env, process environment,
// YAML file. Agents inherit every field they leave empty from the default
// agent.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderSiliconFlow = "siliconflow"
	ProviderLocal       = "local"

	SpeechDoubao   = "doubao"
	SpeechDeepgram = "deepgram"
)

const (
	defaultSiliconFlowURL = "https://api.siliconflow.cn/v1"
	defaultLocalURL       = "http://localhost:1234/v1"

	defaultModel       = "Qwen/Qwen2.5-32B-Instruct"
	defaultTemperature = 0.1
	defaultMaxTokens   = 2048

	defaultTTSCluster    = "volcano_tts"
	defaultTTSVoiceType  = "zh_female_cancan_mars_bigtts"
	defaultASRResourceID = "volc.bigasr.sauc.duration"
	defaultLanguage      = "zh-CN"

	defaultAddr = ":8000"
)

// Agents that have their own model configuration.
var agentNames = []string{"planner", "talker", "schedule", "weather"}

type Provider struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

type Providers struct {
	SiliconFlow Provider `yaml:"siliconflow" json:"siliconflow"`
	Local       Provider `yaml:"local" json:"local"`
}

type Agent struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

type Agents struct {
	Default  Agent `yaml:"default" json:"default"`
	Planner  Agent `yaml:"planner" json:"planner"`
	Talker   Agent `yaml:"talker" json:"talker"`
	Schedule Agent `yaml:"schedule" json:"schedule"`
	Weather  Agent `yaml:"weather" json:"weather"`
}

type Speech struct {
	STTProvider string  `yaml:"stt_provider" json:"stt_provider"`
	TTSProvider string  `yaml:"tts_provider" json:"tts_provider"`
	Language    string  `yaml:"language" json:"language"`
	SpeedRatio  float32 `yaml:"speed_ratio" json:"speed_ratio"`

	VolcAppID         string `yaml:"volc_app_id" json:"volc_app_id"`
	VolcAccessToken   string `yaml:"volc_access_token" json:"volc_access_token"`
	VolcTTSCluster    string `yaml:"volc_tts_cluster" json:"volc_tts_cluster"`
	VolcTTSVoiceType  string `yaml:"volc_tts_voice_type" json:"volc_tts_voice_type"`
	VolcASRResourceID string `yaml:"volc_asr_resource_id" json:"volc_asr_resource_id"`

	DeepgramAPIKey string `yaml:"deepgram_api_key" json:"deepgram_api_key"`
}

// Pipeline holds the turn pipeline tunables. Zero values leave the server
// defaults in place.
type Pipeline struct {
	SynthesisConcurrency int           `yaml:"synthesis_concurrency" json:"synthesis_concurrency"`
	SynthesisTimeout     time.Duration `yaml:"synthesis_timeout" json:"synthesis_timeout"`
	ToolTimeout          time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
	FirstUnitSoftLimit   int           `yaml:"first_unit_soft_limit" json:"first_unit_soft_limit"`
	UnitSoftLimit        int           `yaml:"unit_soft_limit" json:"unit_soft_limit"`
	UnitHardLimit        int           `yaml:"unit_hard_limit" json:"unit_hard_limit"`
	MaxToolRounds        int           `yaml:"max_tool_rounds" json:"max_tool_rounds"`
	HistoryWindow        int           `yaml:"history_window" json:"history_window"`
}

type Config struct {
	Addr string `yaml:"addr" json:"addr"`
	// Greeting is spoken when a client connects. Nil keeps the server
	// default, an empty string disables it.
	Greeting *string `yaml:"greeting" json:"greeting,omitempty"`

	Providers Providers `yaml:"providers" json:"providers"`
	Agents    Agents    `yaml:"agents" json:"agents"`
	Speech    Speech    `yaml:"speech" json:"speech"`
	Pipeline  Pipeline  `yaml:"pipeline" json:"pipeline"`

	AMapAPIKey string `yaml:"amap_api_key" json:"amap_api_key"`
}

// Load builds the configuration. envFiles default to ".env"; missing env
// files and an empty path are not errors.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	dotenv := map[string]string{}
	for _, file := range envFiles {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("failed to read %s: %w", file, err)
		}
		for key, value := range values {
			if _, ok := dotenv[key]; !ok {
				dotenv[key] = value
			}
		}
	}

	env := &envReader{lookup: func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
		value, ok := dotenv[key]
		return value, ok
	}}
	cfg := env.config()
	if err := env.err(); err != nil {
		return Config{}, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.inheritAgents(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) inheritAgents() error {
	for _, agent := range []*Agent{&c.Agents.Planner, &c.Agents.Talker, &c.Agents.Schedule, &c.Agents.Weather} {
		resolved := c.Agents.Default
		if err := copier.CopyWithOption(&resolved, agent, copier.Option{IgnoreEmpty: true}); err != nil {
			return fmt.Errorf("failed to resolve agent config: %w", err)
		}
		*agent = resolved
	}
	return nil
}

// Agent returns the configuration of the named agent, falling back to the
// default agent for unknown names.
func (c Config) Agent(name string) Agent {
	switch strings.ToLower(name) {
	case "planner":
		return c.Agents.Planner
	case "talker":
		return c.Agents.Talker
	case "schedule":
		return c.Agents.Schedule
	case "weather":
		return c.Agents.Weather
	}
	return c.Agents.Default
}

func (c Config) Provider(name string) (Provider, error) {
	switch name {
	case ProviderSiliconFlow:
		return c.Providers.SiliconFlow, nil
	case ProviderLocal:
		return c.Providers.Local, nil
	}
	return Provider{}, fmt.Errorf("unknown provider %q", name)
}

func (c Config) Validate() error {
	var errs []error

	for _, name := range append([]string{"default"}, agentNames...) {
		agent := c.Agent(name)
		if _, err := c.Provider(agent.Provider); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", name, err))
		}
		if agent.Model == "" {
			errs = append(errs, fmt.Errorf("agent %s: model is required", name))
		}
	}

	switch c.Speech.STTProvider {
	case SpeechDoubao, SpeechDeepgram:
	default:
		errs = append(errs, fmt.Errorf("unknown speech recognition provider %q", c.Speech.STTProvider))
	}
	switch c.Speech.TTSProvider {
	case SpeechDoubao, SpeechDeepgram:
	default:
		errs = append(errs, fmt.Errorf("unknown speech synthesis provider %q", c.Speech.TTSProvider))
	}

	p := c.Pipeline
	if p.SynthesisConcurrency < 0 || p.SynthesisTimeout < 0 || p.ToolTimeout < 0 || p.MaxToolRounds < 0 || p.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("pipeline settings must not be negative"))
	}
	if p.UnitHardLimit > 0 && (p.UnitSoftLimit > p.UnitHardLimit || p.FirstUnitSoftLimit > p.UnitHardLimit) {
		errs = append(errs, fmt.Errorf("unit soft limits must not exceed the hard limit %d", p.UnitHardLimit))
	}

	return errors.Join(errs...)
}

// Masked returns a copy safe to show to operators: every secret keeps only
// its first and last characters.
func (c Config) Masked() Config {
	masked := c
	masked.Providers.SiliconFlow.APIKey = mask(c.Providers.SiliconFlow.APIKey)
	masked.Providers.Local.APIKey = mask(c.Providers.Local.APIKey)
	masked.Speech.VolcAccessToken = mask(c.Speech.VolcAccessToken)
	masked.Speech.DeepgramAPIKey = mask(c.Speech.DeepgramAPIKey)
	masked.AMapAPIKey = mask(c.AMapAPIKey)
	return masked
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

type envReader struct {
	lookup func(key string) (string, bool)
	errs   []error
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

func (r *envReader) config() Config {
	cfg := Config{
		Addr: r.string("SERVER_ADDR", defaultAddr),
		Providers: Providers{
			SiliconFlow: Provider{
				APIKey:  r.string("SILICONFLOW_API_KEY", ""),
				BaseURL: r.string("SILICONFLOW_BASE_URL", defaultSiliconFlowURL),
			},
			Local: Provider{
				APIKey:  r.string("LOCAL_API_KEY", ""),
				BaseURL: r.string("LOCAL_BASE_URL", defaultLocalURL),
			},
		},
		Agents: Agents{
			Default: Agent{
				Provider:    r.string("MODEL_DEFAULT_PROVIDER", ProviderSiliconFlow),
				Model:       r.string("MODEL_DEFAULT", defaultModel),
				Temperature: r.float32("MODEL_DEFAULT_TEMP", defaultTemperature),
				MaxTokens:   r.int("MODEL_DEFAULT_MAX_TOKENS", defaultMaxTokens),
			},
			Planner:  r.agent("planner"),
			Talker:   r.agent("talker"),
			Schedule: r.agent("schedule"),
			Weather:  r.agent("weather"),
		},
		Speech: Speech{
			STTProvider:       r.string("STT_PROVIDER", SpeechDoubao),
			TTSProvider:       r.string("TTS_PROVIDER", SpeechDoubao),
			Language:          r.string("STT_LANGUAGE", defaultLanguage),
			SpeedRatio:        r.float32("TTS_SPEED_RATIO", 1.0),
			VolcAppID:         r.string("VOLC_APPID", ""),
			VolcAccessToken:   r.string("VOLC_ACCESS_TOKEN", ""),
			VolcTTSCluster:    r.string("VOLC_TTS_CLUSTER", defaultTTSCluster),
			VolcTTSVoiceType:  r.string("VOLC_TTS_VOICE_TYPE", defaultTTSVoiceType),
			VolcASRResourceID: r.string("VOLC_ASR_RESOURCE_ID", defaultASRResourceID),
			DeepgramAPIKey:    r.string("DEEPGRAM_API_KEY", ""),
		},
		Pipeline: Pipeline{
			SynthesisConcurrency: r.int("PIPELINE_SYNTHESIS_CONCURRENCY", 0),
			SynthesisTimeout:     r.duration("PIPELINE_SYNTHESIS_TIMEOUT", 0),
			ToolTimeout:          r.duration("PIPELINE_TOOL_TIMEOUT", 0),
			FirstUnitSoftLimit:   r.int("PIPELINE_FIRST_UNIT_SOFT_LIMIT", 0),
			UnitSoftLimit:        r.int("PIPELINE_UNIT_SOFT_LIMIT", 0),
			UnitHardLimit:        r.int("PIPELINE_UNIT_HARD_LIMIT", 0),
			MaxToolRounds:        r.int("PIPELINE_MAX_TOOL_ROUNDS", 0),
			HistoryWindow:        r.int("PIPELINE_HISTORY_WINDOW", 0),
		},
		AMapAPIKey: r.string("AMAP_API_KEY", ""),
	}
	if greeting, ok := r.lookup("GREETING"); ok {
		cfg.Greeting = &greeting
	}
	return cfg
}

// agent reads the agent specific variables; unset ones stay empty and are
// inherited from the default agent later.
func (r *envReader) agent(name string) Agent {
	prefix := "MODEL_" + strings.ToUpper(name)
	return Agent{
		Provider:    r.string(prefix+"_PROVIDER", ""),
		Model:       r.string(prefix, ""),
		Temperature: r.float32(prefix+"_TEMP", 0),
		MaxTokens:   r.int(prefix+"_MAX_TOKENS", 0),
	}
}

func (r *envReader) string(key, fallback string) string {
	if value, ok := r.lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func (r *envReader) int(key string, fallback int) int {
	value, ok := r.lookup(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return fallback
	}
	return n
}

func (r *envReader) float32(key string, fallback float32) float32 {
	value, ok := r.lookup(key)
	if !ok || value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, value))
		return fallback
	}
	return float32(f)
}

// duration accepts Go durations ("8s") and plain seconds ("8").
func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := r.lookup(key)
	if !ok || value == "" {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}
