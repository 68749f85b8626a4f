// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	APIURL     string
	Token      string
	TokenFile  string
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// AllowedOrigins are the browser origins allowed to call the local API.
	AllowedOrigins []string

	Tracking  TrackingConfig
	Recording RecordingConfig
	Camera    CameraConfig
	Profile   Profile
	MQTT      MQTTConfig

	AlertSound      bool
	LedgerRetention time.Duration
}

// TrackingConfig holds the cadences of the live tracking session.
type TrackingConfig struct {
	FrameInterval       time.Duration
	KeepaliveInterval   time.Duration
	ReconnectDelay      time.Duration
	RecordingStartDelay time.Duration
	JPEGQuality         int
	AutoStartWithTimer  bool
}

// RecordingConfig controls the server-side recording side channel.
type RecordingConfig struct {
	Enabled    bool
	FPS        int
	Resolution string
}

// CameraConfig selects and sizes the local capture device.
type CameraConfig struct {
	Device int
	Width  int
	Height int
}

// MQTTConfig controls optional snapshot forwarding. An empty broker disables it.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// Profile carries the session-create body and study timer defaults.
// It can be overridden by the YAML file named in FOCUS_PROFILE.
type Profile struct {
	SessionName     string  `yaml:"session_name"`
	Subject         string  `yaml:"subject"`
	InitialScore    float64 `yaml:"initial_score"`
	PomodoroMinutes int     `yaml:"pomodoro_minutes"`
	ManualMinutes   int     `yaml:"manual_minutes"`
}

// DefaultProfile returns the built-in session profile.
func DefaultProfile() Profile {
	return Profile{
		SessionName:     "Focus Session",
		Subject:         "Study",
		InitialScore:    100,
		PomodoroMinutes: 25,
		ManualMinutes:   30,
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:     strings.TrimRight(getEnv("FOCUS_API_URL", "http://localhost:8000"), "/"),
		Token:      strings.TrimSpace(getEnv("FOCUS_TOKEN", "")),
		TokenFile:  getEnv("FOCUS_TOKEN_FILE", ""),
		ListenAddr: getEnv("LISTEN_ADDR", "127.0.0.1:8090"),
		DBPath:     getEnv("DB_PATH", "./data/focus.db"),
		LogLevel:   getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		Tracking: TrackingConfig{
			FrameInterval:       getEnvDuration("FRAME_INTERVAL", 200*time.Millisecond),
			KeepaliveInterval:   getEnvDuration("KEEPALIVE_INTERVAL", 30*time.Second),
			ReconnectDelay:      getEnvDuration("RECONNECT_DELAY", 3*time.Second),
			RecordingStartDelay: getEnvDuration("RECORDING_START_DELAY", 500*time.Millisecond),
			JPEGQuality:         getEnvInt("JPEG_QUALITY", 80),
			AutoStartWithTimer:  getEnvBool("AUTO_START_WITH_TIMER", true),
		},
		Recording: RecordingConfig{
			Enabled:    getEnvBool("RECORDING_ENABLED", false),
			FPS:        getEnvInt("RECORDING_FPS", 30),
			Resolution: getEnv("RECORDING_RESOLUTION", "1920x1080"),
		},
		Camera: CameraConfig{
			Device: getEnvInt("CAMERA_DEVICE", 0),
			Width:  getEnvInt("CAMERA_WIDTH", 1280),
			Height: getEnvInt("CAMERA_HEIGHT", 720),
		},
		Profile: DefaultProfile(),
		MQTT: MQTTConfig{
			Broker:   getEnv("MQTT_BROKER", ""),
			Topic:    strings.TrimRight(getEnv("MQTT_TOPIC", "focus-tracker"), "/"),
			ClientID: getEnv("MQTT_CLIENT_ID", "focus-tracker"),
		},
		AlertSound:      getEnvBool("ALERT_SOUND", true),
		LedgerRetention: getEnvDuration("LEDGER_RETENTION", 30*24*time.Hour),
	}

	if path := getEnv("FOCUS_PROFILE", ""); path != "" {
		profile, err := LoadProfile(path, cfg.Profile)
		if err != nil {
			return nil, err
		}
		cfg.Profile = profile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadProfile reads a YAML profile on top of base. Fields missing from the
// file keep their base values.
func LoadProfile(path string, base Profile) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read profile %s: %w", path, err)
	}
	profile := base
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return base, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return profile, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FOCUS_API_URL must be an http(s) URL, got %q", c.APIURL)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.Path != "" {
			return fmt.Errorf("ALLOWED_ORIGINS entries must look like http://host:port, got %q", o)
		}
	}
	if c.Tracking.FrameInterval <= 0 {
		return fmt.Errorf("FRAME_INTERVAL must be > 0")
	}
	if c.Tracking.KeepaliveInterval <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL must be > 0")
	}
	if c.Tracking.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.Tracking.RecordingStartDelay < 0 {
		return fmt.Errorf("RECORDING_START_DELAY cannot be negative")
	}
	if c.Tracking.JPEGQuality < 1 || c.Tracking.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be within 1..100")
	}
	if c.Recording.FPS <= 0 {
		return fmt.Errorf("RECORDING_FPS must be > 0")
	}
	if !validResolution(c.Recording.Resolution) {
		return fmt.Errorf("RECORDING_RESOLUTION must look like 1920x1080, got %q", c.Recording.Resolution)
	}
	if c.Profile.PomodoroMinutes <= 0 || c.Profile.ManualMinutes <= 0 {
		return fmt.Errorf("timer minutes must be > 0")
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("MQTT_TOPIC cannot be empty when MQTT_BROKER is set")
	}
	return nil
}

// IsLocal returns true if the analysis service runs on this machine.
func (c *Config) IsLocal() bool {
	return strings.Contains(c.APIURL, "localhost") ||
		strings.Contains(c.APIURL, "127.0.0.1")
}

func validResolution(s string) bool {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return false
	}
	wn, err1 := strconv.Atoi(w)
	hn, err2 := strconv.Atoi(h)
	return err1 == nil && err2 == nil && wn > 0 && hn > 0
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvList splits a comma separated value. An empty value yields no entries.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
