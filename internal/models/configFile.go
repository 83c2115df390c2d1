package models

type ConfigFile struct {
	ServerName        string
	Address           string
	ControlPort       string
	AdminPort         string
	AdminTcpPort      string
	AdminRpcPort      string
	UdpVoicePort      string
	BehindNginx       bool
	TlsCert           string
	TlsKey            string
	PrintHttpRequests bool
	LogToFile         bool
	LogLevel          string
	SnowflakeWorkerID int64
	SelfContained     bool
	DbPath            string
	DbUser            string
	DbPassword        string
	DbAddress         string
	DbPort            string
	DbDatabase        string
	RedisAddress      string
	RedisPassword     string

	MaxClients        int
	FileStorageRoot   string
	FileQuotaBytes    int64
	PluginDir         string
	TrustedPluginKeys []string

	HeartbeatIntervalSeconds int
	HeartbeatMaxMisses       int

	JitterMinBufferMs int
	JitterMaxBufferMs int
	JitterAdaptive    bool
	VoicePeakKbps     int
	E2EMandatory      bool
	DtlsCert          string
	DtlsKey           string

	RateLimitPerIpMinute        int
	RateLimitPerTokenMinute     int
	RateLimitExpensivePerMinute int
}
