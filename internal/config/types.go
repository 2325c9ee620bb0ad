package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Local           LocalConfig               `mapstructure:"local"`
	Sites           map[string]SiteConfig     `mapstructure:"sites"`
	Servers         map[string]ServerConfig   `mapstructure:"servers"`
	Formats         map[string]string         `mapstructure:"formats"`
	CompressFormats map[string]CompressConfig `mapstructure:"compress_formats"`
	Schedule        ScheduleConfig            `mapstructure:"schedule"`
	Notifications   NotificationsConfig       `mapstructure:"notifications"`
}

// LocalConfig holds run-wide defaults. Per-site values fall back to these.
type LocalConfig struct {
	BackupRoot      string `mapstructure:"backup_root"`
	DumpUser        string `mapstructure:"dump_user"`
	DefaultFormat   string `mapstructure:"default_format"`
	DefaultCompress string `mapstructure:"default_compress"`
	Retention       int    `mapstructure:"retention"`
	KeepZeroByte    bool   `mapstructure:"keep_zero_byte"`
	Force           bool   `mapstructure:"force"`
	EncryptionKey   string `mapstructure:"encryption_key"`
	LockFile        string `mapstructure:"lock_file"`
	LogLevel        string `mapstructure:"log_level"`
	LogFormat       string `mapstructure:"log_format"` // json or console
	LogFile         string `mapstructure:"log_file"`
}

type SiteConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Path     string `mapstructure:"path"`
	Database string `mapstructure:"database"`
	Format   string `mapstructure:"format"`
	Compress string `mapstructure:"compress"`
	DumpUser string `mapstructure:"dump_user"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Type         string        `mapstructure:"type"` // ssh, s3
	RemoteRoot   string        `mapstructure:"remote_root"`
	RetryCount   int           `mapstructure:"retry_count"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// ssh
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	KeyFile         string `mapstructure:"key_file"`
	HostKey         string `mapstructure:"host_key"` // base64 authorized_keys format
	InsecureHostKey bool   `mapstructure:"insecure_host_key"`

	// s3
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// CompressConfig describes one compress format: a file extension plus
// either an external command template or a built-in codec name.
type CompressConfig struct {
	Extension string `mapstructure:"extension"`
	Command   string `mapstructure:"command"`
	Codec     string `mapstructure:"codec"` // gzip or zstd
}

type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"` // HH:MM local time
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
}

type NotificationsConfig struct {
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}
