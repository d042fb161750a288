package api

import (
	"crypto"
	"time"
)

type ServerConfig struct {
	// ID 是本節點的識別碼，會用作consumer group裡的consumer名稱
	ID string

	Auth   AuthConfig
	S3     S3Config
	DB     DBConfig
	Redis  RedisConfig
	Engine EngineConfig
}

type AuthConfig struct {
	// PrivateKey 是簽發與驗證access token的Ed25519金鑰
	PrivateKey crypto.Signer
	// Issuer 與 Audience 不為空時會在驗證token時強制比對
	Issuer   string
	Audience string
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
	// RateLimitPerHour 是單一使用者每小時可上傳的metadata檔案數，0表示不限制
	RateLimitPerHour int64
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

	// KeyPrefix 是所有鎖和快取鍵的前綴
	KeyPrefix string
	// ConsumerGroup 是出價持久化與退款重試worker共用的group名稱
	ConsumerGroup string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	// SSE 承載跨節點的即時出價廣播
	SSE string
	// Bids 承載待持久化的出價紀錄
	Bids string
	// Refunds 承載同步退款失敗後的補償任務
	Refunds string
}

type EngineConfig struct {
	// AntiSnipeThreshold 和 AntiSnipeGrace 控制防狙擊延長，
	// 兩者都大於零時才會啟用
	AntiSnipeThreshold time.Duration
	AntiSnipeGrace     time.Duration
}
