//nolint:lll // struct tags can't be split
package tunecord

import (
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "TUNECORD_ENV_PREFIX"
	DefaultEnvPrefix   = "TC"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCustomStatus   = "/toptracks with me!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordGatewayIntent  = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildMessageReactions |
		discordgo.IntentDirectMessages |
		discordgo.IntentDirectMessageReactions

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = false

	DefaultMusicAPIBaseURL = "https://ws.audioscrobbler.com/2.0/"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = newStructValidator()

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Registry configures the widget registry
	Registry *RegistryConfig `yaml:"registry" mapstructure:"registry" json:"registry"`

	// Cache configures the upstream response cache
	Cache *CacheConfig `yaml:"cache" mapstructure:"cache" json:"cache"`

	// Fetcher configures the upstream HTTP fetcher
	Fetcher *FetcherConfig `yaml:"fetcher" mapstructure:"fetcher" json:"fetcher"`

	// API configures the backend ops API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// MusicAPI configures the scrobbling service integration
	MusicAPI *MusicAPIConfig `yaml:"music_api" mapstructure:"music_api" json:"music_api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Custom status shown on the bot user while connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// If set, along with NotificationChannelID, this message is sent to
	// that channel whenever the bot connects to the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Channel to send the startup message to
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// RegistryConfig bounds the widget registry.
type RegistryConfig struct {
	// Soft upper bound on live widgets
	MaxWidgets int `yaml:"max_widgets" mapstructure:"max_widgets" json:"max_widgets"`

	// Interval between background sweeps of expired widgets
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`

	// Initial widget lifetime
	WidgetLifetime time.Duration `yaml:"widget_lifetime" mapstructure:"widget_lifetime" json:"widget_lifetime"`

	// Added to a widget's deadline on each accepted interaction
	ExtendOnInteract time.Duration `yaml:"extend_on_interact" mapstructure:"extend_on_interact" json:"extend_on_interact"`
}

// CacheConfig bounds the upstream response cache.
type CacheConfig struct {
	// Soft ceiling on cache entries
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" json:"max_entries"`

	// Interval between background sweeps of expired entries
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`

	// Lifetime of a successful response entry
	TTLHit time.Duration `yaml:"ttl_hit" mapstructure:"ttl_hit" json:"ttl_hit"`

	// Lifetime of a negative (not found) entry
	TTLMiss time.Duration `yaml:"ttl_miss" mapstructure:"ttl_miss" json:"ttl_miss"`

	// Request headers that contribute to the cache key. Headers not
	// listed are excluded from fingerprints.
	HeaderAllowList []string `yaml:"header_allow_list" mapstructure:"header_allow_list" json:"header_allow_list"`
}

// FetcherConfig sets the upstream HTTP policy.
type FetcherConfig struct {
	// Hard wall-clock timeout per fetch attempt
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// Outbound requests per second to the upstream APIs
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// Additional secrets to scrub from log lines and propagated errors,
	// on top of the configured API credentials
	RedactPatterns []string `yaml:"redact_patterns" mapstructure:"redact_patterns" json:"redact_patterns" log:"[redacted]"`
}

// MusicAPIConfig points at a Last.fm-compatible scrobbling API.
type MusicAPIConfig struct {
	// Base URL of the API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// API key sent with each request
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
}

// APIConfig configures the backend ops API server.
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func validateRegistryConfig(field reflect.Value) any {
	if value, ok := field.Interface().(RegistryConfig); ok {
		if value.MaxWidgets < 0 {
			return "max_widgets must be >= 0"
		}
		if value.SweepInterval < 0 {
			return "sweep_interval must be >= 0"
		}
		if value.WidgetLifetime < 0 {
			return "widget_lifetime must be >= 0"
		}
		if value.ExtendOnInteract < 0 {
			return "extend_on_interact must be >= 0"
		}
	}
	return nil
}

func validateCacheConfig(field reflect.Value) any {
	if value, ok := field.Interface().(CacheConfig); ok {
		if value.MaxEntries < 0 {
			return "max_entries must be >= 0"
		}
		if value.SweepInterval < 0 {
			return "sweep_interval must be >= 0"
		}
		if value.TTLHit < 0 {
			return "ttl_hit must be >= 0"
		}
		if value.TTLMiss < 0 {
			return "ttl_miss must be >= 0"
		}
	}
	return nil
}

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	v.RegisterCustomTypeFunc(validateRegistryConfig, RegistryConfig{})
	v.RegisterCustomTypeFunc(validateCacheConfig, CacheConfig{})
	return v
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
			StartupMessage:    DefaultDiscordStartupMessage,
			GatewayIntents:    DefaultDiscordGatewayIntent,
		},
		Registry: &RegistryConfig{
			MaxWidgets:       DefaultRegistryMaxWidgets,
			SweepInterval:    DefaultRegistrySweepInterval,
			WidgetLifetime:   DefaultWidgetLifetime,
			ExtendOnInteract: DefaultExtendOnInteract,
		},
		Cache: &CacheConfig{
			MaxEntries:    DefaultCacheMaxEntries,
			SweepInterval: DefaultCacheSweepInterval,
			TTLHit:        DefaultCacheTTLHit,
			TTLMiss:       DefaultCacheTTLMiss,
		},
		Fetcher: &FetcherConfig{
			Timeout:              DefaultFetchTimeout,
			MaxRequestsPerSecond: DefaultFetchMaxRequestsPerSecond,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
		MusicAPI: &MusicAPIConfig{
			BaseURL: DefaultMusicAPIBaseURL,
		},
	}
}
