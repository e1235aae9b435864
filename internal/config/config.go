package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	Env         string
	AdminToken  string
	AutoMigrate bool

	// Enrichment collaborator; empty disables enrichment.
	EnrichURL string

	// Input-action collaborator endpoint; empty leaves the engine
	// without a performer, so triggers fail fast.
	InputChannelURL string

	Learner LearnerConfig
	Scorer  ScorerConfig
	Engine  EngineConfig
}

type LearnerConfig struct {
	IdleGap              time.Duration
	AppSwitchDebounce    time.Duration
	MaxSessionDuration   time.Duration
	CoalesceWindow       time.Duration
	BufferCapacity       int
	JoinThreshold        float64
	PromotionMinOccur    int
	PromotionMinCohesion float64
	RescoreInterval      time.Duration
}

type ScorerConfig struct {
	W1              float64
	W2              float64
	W3              float64
	W4              float64
	OccurrenceScale float64
	StalenessWindow time.Duration
	DisableBelow    float64
}

type EngineConfig struct {
	VerifyThreshold  float64
	RetryCount       int
	RetryBaseDelay   time.Duration
	StepPause        time.Duration
	RunTimeout       time.Duration
	InputChannelWait time.Duration
	TriggerPerMinute int
}

// Load builds configuration from defaults, an optional YAML settings
// file (CONFIG_FILE), and finally environment variables, in that
// precedence order.
func Load() Config {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			// A broken settings file must not take the agent down;
			// env and defaults still apply.
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.Env = getenv("ENV", cfg.Env)
	cfg.AdminToken = getenv("ADMIN_TOKEN", cfg.AdminToken)
	cfg.AutoMigrate = getenvBool("AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.EnrichURL = getenv("ENRICH_URL", cfg.EnrichURL)
	cfg.InputChannelURL = getenv("INPUT_CHANNEL_URL", cfg.InputChannelURL)

	cfg.Learner.IdleGap = getenvDuration("IDLE_GAP", cfg.Learner.IdleGap)
	cfg.Learner.AppSwitchDebounce = getenvDuration("APP_SWITCH_DEBOUNCE", cfg.Learner.AppSwitchDebounce)
	cfg.Learner.MaxSessionDuration = getenvDuration("MAX_SESSION_DURATION", cfg.Learner.MaxSessionDuration)
	cfg.Learner.CoalesceWindow = getenvDuration("COALESCE_WINDOW", cfg.Learner.CoalesceWindow)
	cfg.Learner.BufferCapacity = getenvInt("BUFFER_CAPACITY", cfg.Learner.BufferCapacity)
	cfg.Learner.JoinThreshold = getenvFloat("JOIN_THRESHOLD", cfg.Learner.JoinThreshold)
	cfg.Learner.PromotionMinOccur = getenvInt("PROMOTION_MIN_OCCURRENCES", cfg.Learner.PromotionMinOccur)
	cfg.Learner.PromotionMinCohesion = getenvFloat("PROMOTION_MIN_COHESION", cfg.Learner.PromotionMinCohesion)
	cfg.Learner.RescoreInterval = getenvDuration("RESCORE_INTERVAL", cfg.Learner.RescoreInterval)

	cfg.Scorer.W1 = getenvFloat("SCORE_W1", cfg.Scorer.W1)
	cfg.Scorer.W2 = getenvFloat("SCORE_W2", cfg.Scorer.W2)
	cfg.Scorer.W3 = getenvFloat("SCORE_W3", cfg.Scorer.W3)
	cfg.Scorer.W4 = getenvFloat("SCORE_W4", cfg.Scorer.W4)
	cfg.Scorer.OccurrenceScale = getenvFloat("SCORE_OCCURRENCE_SCALE", cfg.Scorer.OccurrenceScale)
	cfg.Scorer.StalenessWindow = getenvDuration("STALENESS_WINDOW", cfg.Scorer.StalenessWindow)
	cfg.Scorer.DisableBelow = getenvFloat("DISABLE_THRESHOLD", cfg.Scorer.DisableBelow)

	cfg.Engine.VerifyThreshold = getenvFloat("VERIFY_THRESHOLD", cfg.Engine.VerifyThreshold)
	cfg.Engine.RetryCount = getenvInt("RETRY_COUNT", cfg.Engine.RetryCount)
	cfg.Engine.RetryBaseDelay = getenvDuration("RETRY_BASE_DELAY", cfg.Engine.RetryBaseDelay)
	cfg.Engine.StepPause = getenvDuration("STEP_PAUSE", cfg.Engine.StepPause)
	cfg.Engine.RunTimeout = getenvDuration("RUN_TIMEOUT", cfg.Engine.RunTimeout)
	cfg.Engine.InputChannelWait = getenvDuration("INPUT_CHANNEL_WAIT", cfg.Engine.InputChannelWait)
	cfg.Engine.TriggerPerMinute = getenvInt("TRIGGER_PER_MINUTE", cfg.Engine.TriggerPerMinute)

	return cfg
}

func defaults() Config {
	return Config{
		HTTPAddr:    ":8080",
		DatabaseURL: "",
		Env:         "dev",
		AutoMigrate: true,
		Learner: LearnerConfig{
			IdleGap:              30 * time.Second,
			AppSwitchDebounce:    2 * time.Second,
			MaxSessionDuration:   10 * time.Minute,
			CoalesceWindow:       500 * time.Millisecond,
			BufferCapacity:       4096,
			JoinThreshold:        0.75,
			PromotionMinOccur:    3,
			PromotionMinCohesion: 0.8,
			RescoreInterval:      time.Minute,
		},
		Scorer: ScorerConfig{
			W1:              0.4,
			W2:              0.2,
			W3:              0.1,
			W4:              0.3,
			OccurrenceScale: 20,
			StalenessWindow: 14 * 24 * time.Hour,
			DisableBelow:    0.3,
		},
		Engine: EngineConfig{
			VerifyThreshold:  0.85,
			RetryCount:       3,
			RetryBaseDelay:   500 * time.Millisecond,
			StepPause:        500 * time.Millisecond,
			RunTimeout:       5 * time.Minute,
			InputChannelWait: 2 * time.Second,
			TriggerPerMinute: 6,
		},
	}
}

// fileSettings mirrors the recognized options of the YAML settings
// file. Durations use Go syntax ("30s", "14d" is not supported; use
// "336h").
type fileSettings struct {
	HTTPAddr    *string `yaml:"http_addr"`
	DatabaseURL *string `yaml:"database_url"`
	Env         *string `yaml:"env"`
	EnrichURL   *string `yaml:"enrich_url"`
	InputURL    *string `yaml:"input_channel_url"`

	IdleGap            *string  `yaml:"idle_gap"`
	AppSwitchDebounce  *string  `yaml:"app_switch_debounce"`
	MaxSessionDuration *string  `yaml:"max_session_duration"`
	BufferCapacity     *int     `yaml:"buffer_capacity"`
	JoinThreshold      *float64 `yaml:"join_threshold"`
	PromotionMinOccur  *int     `yaml:"promotion_min_occurrences"`
	PromotionCohesion  *float64 `yaml:"promotion_min_cohesion"`

	W1              *float64 `yaml:"w1"`
	W2              *float64 `yaml:"w2"`
	W3              *float64 `yaml:"w3"`
	W4              *float64 `yaml:"w4"`
	StalenessWindow *string  `yaml:"staleness_window"`
	DisableBelow    *float64 `yaml:"disable_threshold"`

	VerifyThreshold *float64 `yaml:"verify_threshold"`
	RetryCount      *int     `yaml:"retry_count"`
	RunTimeout      *string  `yaml:"run_timeout"`
}

func overlayFile(cfg *Config, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fs fileSettings
	if err := yaml.Unmarshal(body, &fs); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setString(&cfg.HTTPAddr, fs.HTTPAddr)
	setString(&cfg.DatabaseURL, fs.DatabaseURL)
	setString(&cfg.Env, fs.Env)
	setString(&cfg.EnrichURL, fs.EnrichURL)
	setString(&cfg.InputChannelURL, fs.InputURL)

	if err := setDuration(&cfg.Learner.IdleGap, fs.IdleGap); err != nil {
		return err
	}
	if err := setDuration(&cfg.Learner.AppSwitchDebounce, fs.AppSwitchDebounce); err != nil {
		return err
	}
	if err := setDuration(&cfg.Learner.MaxSessionDuration, fs.MaxSessionDuration); err != nil {
		return err
	}
	setInt(&cfg.Learner.BufferCapacity, fs.BufferCapacity)
	setFloat(&cfg.Learner.JoinThreshold, fs.JoinThreshold)
	setInt(&cfg.Learner.PromotionMinOccur, fs.PromotionMinOccur)
	setFloat(&cfg.Learner.PromotionMinCohesion, fs.PromotionCohesion)

	setFloat(&cfg.Scorer.W1, fs.W1)
	setFloat(&cfg.Scorer.W2, fs.W2)
	setFloat(&cfg.Scorer.W3, fs.W3)
	setFloat(&cfg.Scorer.W4, fs.W4)
	if err := setDuration(&cfg.Scorer.StalenessWindow, fs.StalenessWindow); err != nil {
		return err
	}
	setFloat(&cfg.Scorer.DisableBelow, fs.DisableBelow)

	setFloat(&cfg.Engine.VerifyThreshold, fs.VerifyThreshold)
	setInt(&cfg.Engine.RetryCount, fs.RetryCount)
	if err := setDuration(&cfg.Engine.RunTimeout, fs.RunTimeout); err != nil {
		return err
	}

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", *v, err)
	}
	*dst = d
	return nil
}

func getenv(key, defaultValue string) string {
	v := os.Getenv(key)
	if v != "" {
		return v
	}
	return defaultValue
}

func getenvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getenvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getenvFloat(key string, defaultValue float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getenvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}
