package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gavel/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("instance-id", "", "unique consumer name within the cluster")

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
	pflag.Int("redis-db", 0, "")
	pflag.String("redis-key-prefix", "gavel:", "")
	pflag.String("redis-consumer-group", "gavel-bid-persistence", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-bid", "gavel-bid-stream", "")
	pflag.String("redis-stream-key-for-realtime", "gavel-realtime-stream", "")
	pflag.String("redis-stream-key-for-event", "gavel-event-stream", "")

	// scheduler config
	pflag.Duration("scheduler-interval", time.Minute, "")
	pflag.Duration("scheduler-lease-min-hold", time.Second, "")
	pflag.Duration("scheduler-lease-max-hold", 30*time.Second, "")
	pflag.Duration("scheduler-snapshot-retention", time.Hour, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GAVEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("instance-id"),
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
					Bid:      viper.GetString("redis-stream-key-for-bid"),
					Realtime: viper.GetString("redis-stream-key-for-realtime"),
					Event:    viper.GetString("redis-stream-key-for-event"),
				},
			},
			Scheduler: api.SchedulerConfig{
				Interval:          viper.GetDuration("scheduler-interval"),
				LeaseMinHold:      viper.GetDuration("scheduler-lease-min-hold"),
				LeaseMaxHold:      viper.GetDuration("scheduler-lease-max-hold"),
				SnapshotRetention: viper.GetDuration("scheduler-snapshot-retention"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.ID != "" &&
		args.ServerConfig.DB.Host != "" &&
		args.ServerConfig.Redis.Addr != ""
}
