package api

import "time"

type ServerConfig struct {
	// ID 此實例在consumer group內的名稱，叢集內必須唯一
	ID string

	DB        DBConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 競價快照與鎖的key前綴
	KeyPrefix string
	// ConsumerGroup 出價持久化worker所屬的consumer group
	ConsumerGroup string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	// Bid 出價事實，由出價腳本寫入
	Bid string
	// Realtime SSE跨節點廣播用
	Realtime string
	// Event 結算事實與站內通知
	Event string
}

type SchedulerConfig struct {
	Interval          time.Duration
	LeaseMinHold      time.Duration
	LeaseMaxHold      time.Duration
	SnapshotRetention time.Duration
}
