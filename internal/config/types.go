package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Secrets may be left empty and supplied through the environment, see
// ApplyEnv.
type Config struct {
	DNB      DNBConfig      `json:"dnb"`
	Gate     GateConfig     `json:"gate"`
	Pull     PullConfig     `json:"pull"`
	Monitor  MonitorConfig  `json:"monitor"`
	Storage  StorageConfig  `json:"storage"`
	Delivery DeliveryConfig `json:"delivery"`
	Input    InputConfig    `json:"input"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops"`
}

// DNBConfig describes the upstream API and its client credentials.
//
// Defaults:
//   - base_url: "https://plus.dnb.com"
//   - timeout: "30s"
//   - token_refresh_buffer: "5m"
type DNBConfig struct {
	BaseURL            string `json:"base_url,omitempty"`
	ClientID           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"` // do not log
	Timeout            string `json:"timeout,omitempty"`
	TokenRefreshBuffer string `json:"token_refresh_buffer,omitempty"`
}

// GateConfig controls the shared outbound rate limit and retry policy.
//
// Defaults: rate_per_sec 5, retry_max 3, retry_base "1s", max_delay "60s".
// An explicit retry_max of 0 disables retries.
type GateConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   *int   `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

const DefaultRetryMax = 3

// Retries is retry_max, or DefaultRetryMax when it was omitted.
func (g GateConfig) Retries() int {
	if g.RetryMax == nil {
		return DefaultRetryMax
	}
	return *g.RetryMax
}

type PullConfig struct {
	MaxBatch     int    `json:"max_batch,omitempty"` // 1..100, default 10
	MaxPages     int    `json:"max_pages,omitempty"`
	ReplayWindow string `json:"replay_window,omitempty"`
	DedupSize    int    `json:"dedup_size,omitempty"`
}

// MonitorConfig drives continuous polling. Schedule takes precedence over
// Interval when both are set; Duration "0s" runs until stopped.
type MonitorConfig struct {
	Registrations   []string `json:"registrations"`
	Interval        string   `json:"interval,omitempty"`
	Schedule        string   `json:"schedule,omitempty"`
	Duration        string   `json:"duration,omitempty"`
	MaxAuthFailures int      `json:"max_auth_failures,omitempty"`
	MaxBackoff      string   `json:"max_backoff,omitempty"`
}

// StorageConfig selects the cursor store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dnbwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type DeliveryConfig struct {
	// CriticalTypes defaults to DELETE, TRANSFER and EXIT.
	CriticalTypes []string    `json:"critical_types,omitempty"`
	SinkTimeout   string      `json:"sink_timeout,omitempty"`
	Concurrency   int         `json:"concurrency,omitempty"`
	Sinks         SinksConfig `json:"sinks"`
}

// SinksConfig lists the delivery targets. A nil or disabled section is
// not built.
type SinksConfig struct {
	File     *FileSinkConfig     `json:"file,omitempty"`
	SFTP     *SFTPSinkConfig     `json:"sftp,omitempty"`
	HubSpot  *HubSpotSinkConfig  `json:"hubspot,omitempty"`
	SQL      *SQLSinkConfig      `json:"sql,omitempty"`
	Kafka    *KafkaSinkConfig    `json:"kafka,omitempty"`
	Telegram *TelegramSinkConfig `json:"telegram,omitempty"`
	Email    *EmailSinkConfig    `json:"email,omitempty"`
}

// LayoutConfig is shared by the file and sftp sinks.
type LayoutConfig struct {
	Format         string `json:"format,omitempty"` // json | csv
	Compress       bool   `json:"compress,omitempty"`
	ByDate         bool   `json:"by_date,omitempty"`
	ByRegistration bool   `json:"by_registration,omitempty"`
}

type FileSinkConfig struct {
	Enabled  bool   `json:"enabled"`
	BasePath string `json:"base_path"`
	LayoutConfig
}

type SFTPSinkConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"` // do not log
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"` // do not log
	KnownHostsPath string `json:"known_hosts_path,omitempty"`
	RemotePath     string `json:"remote_path,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	LayoutConfig
}

type HubSpotSinkConfig struct {
	Enabled           bool                `json:"enabled"`
	BaseURL           string              `json:"base_url,omitempty"`
	Token             string              `json:"token,omitempty"` // do not log
	DUNSProperty      string              `json:"duns_property,omitempty"`
	DomainProperty    string              `json:"domain_property,omitempty"`
	CreateMissing     bool                `json:"create_missing,omitempty"`
	DefaultProperties map[string]string   `json:"default_properties,omitempty"`
	OwnerID           string              `json:"owner_id,omitempty"`
	Actions           map[string][]string `json:"actions,omitempty"`
	RatePerSec        int                 `json:"rate_per_sec,omitempty"`
	Timeout           string              `json:"timeout,omitempty"`
}

type SQLSinkConfig struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"` // sqlite | pgx
	DSN     string `json:"dsn"`    // do not log
	Prefix  string `json:"prefix,omitempty"`
}

type KafkaSinkConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"client_id,omitempty"`
	Linger   string   `json:"linger,omitempty"`
}

type TelegramSinkConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token,omitempty"` // do not log
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	PerMinute int    `json:"per_minute,omitempty"`
}

// EmailSinkConfig mails notifications over SMTP. Mode "summary" (default)
// sends one mail for the critical and one for the routine part of a batch;
// "individual" sends one mail per notification.
type EmailSinkConfig struct {
	Enabled       bool     `json:"enabled"`
	Host          string   `json:"host"`
	Port          int      `json:"port,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"` // do not log
	From          string   `json:"from"`
	FromName      string   `json:"from_name,omitempty"`
	To            []string `json:"to"`
	Cc            []string `json:"cc,omitempty"`
	Bcc           []string `json:"bcc,omitempty"`
	TLS           string   `json:"tls,omitempty"` // starttls | ssl | none
	Timeout       string   `json:"timeout,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	CriticalOnly  bool     `json:"critical_only,omitempty"`
	MaxPerEmail   int      `json:"max_per_email,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
}

// InputConfig ingests files that D&B delivers by FTP_PUSH into a local
// directory: seedfiles, exception files, DUNS exports and zip archives of
// them. Processed files move under archive_path (default <path>/processed)
// unless keep_files is set.
type InputConfig struct {
	Enabled      bool   `json:"enabled"`
	Registration string `json:"registration"`
	Path         string `json:"path"`
	ArchivePath  string `json:"archive_path,omitempty"`
	KeepFiles    bool   `json:"keep_files,omitempty"`
	SkipZip      bool   `json:"skip_zip,omitempty"`
	// Interval is the sweep period of ingest --watch, default "1m".
	Interval string `json:"interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz,
// /status). Prefer a loopback address.
type OpsConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	ReadTimeout string `json:"read_timeout,omitempty"`
	// Profiling mounts net/http/pprof under /debug.
	Profiling bool `json:"profiling,omitempty"`
	// AllowInsecure permits a non-loopback Addr.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}
