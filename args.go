package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gavel/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("node-id", "gavel-0", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded ed25519 private key")
	pflag.String("auth-issuer", "gavel", "")
	pflag.String("auth-audience", "gavel", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")
	pflag.Int64("s3-rate-limit-per-hour", 30, "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "gavel:", "")
	pflag.String("redis-consumer-group", "gavel-workers", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-sse", "gavel-shared-sse-stream", "")
	pflag.String("redis-stream-key-for-bids", "gavel-bid-stream", "")
	pflag.String("redis-stream-key-for-refunds", "gavel-refund-stream", "")

	// engine config
	pflag.Duration("anti-snipe-threshold", 0, "extend auction when a bid lands this close to the end")
	pflag.Duration("anti-snipe-grace", 0, "how far past the original end time to extend")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GAVEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	args := Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("node-id"),
			Auth: api.AuthConfig{
				Issuer:   viper.GetString("auth-issuer"),
				Audience: viper.GetString("auth-audience"),
			},
			S3: api.S3Config{
				Endpoint:         viper.GetString("s3-endpoint"),
				Bucket:           viper.GetString("s3-bucket"),
				PublicBaseURL:    viper.GetString("s3-public-base-url"),
				AccessKeyID:      viper.GetString("s3-access-key-id"),
				SecretAccessKey:  viper.GetString("s3-secret-access-key"),
				RateLimitPerHour: viper.GetInt64("s3-rate-limit-per-hour"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				StreamKeys: api.RedisStreamKeys{
					SSE:     viper.GetString("redis-stream-key-for-sse"),
					Bids:    viper.GetString("redis-stream-key-for-bids"),
					Refunds: viper.GetString("redis-stream-key-for-refunds"),
				},
			},
			Engine: api.EngineConfig{
				AntiSnipeThreshold: viper.GetDuration("anti-snipe-threshold"),
				AntiSnipeGrace:     viper.GetDuration("anti-snipe-grace"),
			},
		},
	}
	// 金鑰留空時維持nil，讓Validate擋下缺少金鑰的啟動
	if raw, err := base64.StdEncoding.DecodeString(viper.GetString("auth-private-key")); err == nil && len(raw) == ed25519.PrivateKeySize {
		args.ServerConfig.Auth.PrivateKey = ed25519.PrivateKey(raw)
	}
	return args
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" && args.ServerConfig.ID != "" && args.ServerConfig.Auth.PrivateKey != nil
}
