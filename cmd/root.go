package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tunecord/tunecord/tunecord"
)

var (
	cfg        = tunecord.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "tunecord [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", tunecord.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", tunecord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tunecord.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		tunecord.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		tunecord.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		tunecord.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", tunecord.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.startup_message", tunecord.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")

	// Widget registry config
	viper.SetDefault("registry.max_widgets", tunecord.DefaultRegistryMaxWidgets)
	viper.SetDefault(
		"registry.sweep_interval",
		tunecord.DefaultRegistrySweepInterval,
	)
	viper.SetDefault("registry.widget_lifetime", tunecord.DefaultWidgetLifetime)
	viper.SetDefault(
		"registry.extend_on_interact",
		tunecord.DefaultExtendOnInteract,
	)

	// Response cache config
	viper.SetDefault("cache.max_entries", tunecord.DefaultCacheMaxEntries)
	viper.SetDefault("cache.sweep_interval", tunecord.DefaultCacheSweepInterval)
	viper.SetDefault("cache.ttl_hit", tunecord.DefaultCacheTTLHit)
	viper.SetDefault("cache.ttl_miss", tunecord.DefaultCacheTTLMiss)
	viper.SetDefault("cache.header_allow_list", []string{})

	// Upstream fetcher config
	viper.SetDefault("fetcher.timeout", tunecord.DefaultFetchTimeout)
	viper.SetDefault(
		"fetcher.max_requests_per_second",
		tunecord.DefaultFetchMaxRequestsPerSecond,
	)
	viper.SetDefault("fetcher.redact_patterns", []string{})

	// Music API config
	viper.SetDefault("music_api.base_url", tunecord.DefaultMusicAPIBaseURL)
	viper.SetDefault("music_api.api_key", "")

	// Ops API config
	viper.SetDefault("api.listen", tunecord.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", tunecord.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", tunecord.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		tunecord.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", tunecord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tunecord.DefaultIdleTimeout)
	viper.SetDefault("api.cors.allow_headers", tunecord.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", tunecord.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", tunecord.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		tunecord.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(tunecord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tunecord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"cache.header_allow_list",
		viper.GetStringSlice("cache.header_allow_list"),
	)
	viper.Set(
		"fetcher.redact_patterns",
		viper.GetStringSlice("fetcher.redact_patterns"),
	)

	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
