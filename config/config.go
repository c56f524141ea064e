// Package config loads iaxd configuration with viper and compiles it into
// an immutable Snapshot that the engine reads without locking.
package config

import "time"

// Config mirrors the YAML file.
type Config struct {
	General       General        `mapstructure:"general" yaml:"general"`
	Users         []User         `mapstructure:"users" yaml:"users"`
	Peers         []Peer         `mapstructure:"peers" yaml:"peers"`
	Registrations []Registration `mapstructure:"registrations" yaml:"registrations"`
	Store         Store          `mapstructure:"store" yaml:"store"`
	Events        Events         `mapstructure:"events" yaml:"events"`
	Metrics       Metrics        `mapstructure:"metrics" yaml:"metrics"`
	Capture       Capture        `mapstructure:"capture" yaml:"capture"`
	Log           Log            `mapstructure:"log" yaml:"log"`
}

// General holds engine-wide settings.
type General struct {
	Bind string `mapstructure:"bind" yaml:"bind"`
	TOS  int    `mapstructure:"tos" yaml:"tos"`

	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	MinRetry   time.Duration `mapstructure:"min_retry" yaml:"min_retry"`
	MaxRetry   time.Duration `mapstructure:"max_retry" yaml:"max_retry"`
	MinReuse   time.Duration `mapstructure:"min_reuse" yaml:"min_reuse"`

	PingInterval     time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	LagRqInterval    time.Duration `mapstructure:"lagrq_interval" yaml:"lagrq_interval"`
	AuthTimeout      time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	CallSetupTimeout time.Duration `mapstructure:"call_setup_timeout" yaml:"call_setup_timeout"`
	AuthRejectDelay  time.Duration `mapstructure:"auth_reject_delay" yaml:"auth_reject_delay"`
	DelayReject      bool          `mapstructure:"delay_reject" yaml:"delay_reject"`

	// CodecPriority is one of host, caller, disabled or reqonly.
	CodecPriority   string   `mapstructure:"codec_priority" yaml:"codec_priority"`
	Allow           []string `mapstructure:"allow" yaml:"allow"`
	Encryption      bool     `mapstructure:"encryption" yaml:"encryption"`
	ForceEncryption bool     `mapstructure:"force_encryption" yaml:"force_encryption"`

	MinRegExpire     int    `mapstructure:"min_reg_expire" yaml:"min_reg_expire"`
	MaxRegExpire     int    `mapstructure:"max_reg_expire" yaml:"max_reg_expire"`
	DefaultRegExpire int    `mapstructure:"default_reg_expire" yaml:"default_reg_expire"`
	KeysDir          string `mapstructure:"keys_dir" yaml:"keys_dir"`

	Threads Threads `mapstructure:"threads" yaml:"threads"`
	Trunk   Trunk   `mapstructure:"trunk" yaml:"trunk"`
	Jitter  Jitter  `mapstructure:"jitter" yaml:"jitter"`
}

// Threads sizes the dispatch pool.
type Threads struct {
	Fixed       int           `mapstructure:"fixed" yaml:"fixed"`
	MaxDynamic  int           `mapstructure:"max_dynamic" yaml:"max_dynamic"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	Deferred    int           `mapstructure:"deferred" yaml:"deferred"`
}

// Trunk configures trunk aggregation.
type Trunk struct {
	Freq       time.Duration `mapstructure:"freq" yaml:"freq"`
	MTU        int           `mapstructure:"mtu" yaml:"mtu"`
	MaxSize    int           `mapstructure:"max_size" yaml:"max_size"`
	Idle       time.Duration `mapstructure:"idle" yaml:"idle"`
	Timestamps bool          `mapstructure:"timestamps" yaml:"timestamps"`
}

// Jitter configures the jitter buffer.
type Jitter struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled"`
	Force           bool `mapstructure:"force" yaml:"force"`
	MaxMS           int  `mapstructure:"max_ms" yaml:"max_ms"`
	ResyncThreshold int  `mapstructure:"resync_threshold" yaml:"resync_threshold"`
	TargetExtra     int  `mapstructure:"target_extra" yaml:"target_extra"`
}

// User is an inbound caller identity.
type User struct {
	Name            string   `mapstructure:"name" yaml:"name"`
	Secret          string   `mapstructure:"secret" yaml:"secret"`
	Auth            []string `mapstructure:"auth" yaml:"auth"`
	Context         string   `mapstructure:"context" yaml:"context"`
	Allow           []string `mapstructure:"allow" yaml:"allow"`
	MaxAuthRequests int      `mapstructure:"max_auth_requests" yaml:"max_auth_requests"`
	Encryption      bool     `mapstructure:"encryption" yaml:"encryption"`
	// Transfer is yes, no or mediaonly.
	Transfer string   `mapstructure:"transfer" yaml:"transfer"`
	Trunk    bool     `mapstructure:"trunk" yaml:"trunk"`
	InKeys   []string `mapstructure:"inkeys" yaml:"inkeys"`
}

// Peer is a remote endpoint we call and that may register with us.
type Peer struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Host is host[:port] or "dynamic" for peers that register.
	Host       string   `mapstructure:"host" yaml:"host"`
	Username   string   `mapstructure:"username" yaml:"username"`
	Secret     string   `mapstructure:"secret" yaml:"secret"`
	Auth       []string `mapstructure:"auth" yaml:"auth"`
	OutKey     string   `mapstructure:"outkey" yaml:"outkey"`
	InKeys     []string `mapstructure:"inkeys" yaml:"inkeys"`
	Context    string   `mapstructure:"context" yaml:"context"`
	Allow      []string `mapstructure:"allow" yaml:"allow"`
	Encryption bool     `mapstructure:"encryption" yaml:"encryption"`
	Trunk      bool     `mapstructure:"trunk" yaml:"trunk"`
	Transfer   string   `mapstructure:"transfer" yaml:"transfer"`
	Qualify    Qualify  `mapstructure:"qualify" yaml:"qualify"`
}

// Qualify configures reachability probing of a peer.
type Qualify struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxMS     int           `mapstructure:"max_ms" yaml:"max_ms"`
	FreqOK    time.Duration `mapstructure:"freq_ok" yaml:"freq_ok"`
	FreqNotOK time.Duration `mapstructure:"freq_notok" yaml:"freq_notok"`
}

// Registration is an outbound registration to a registrar.
type Registration struct {
	Username string `mapstructure:"username" yaml:"username"`
	Secret   string `mapstructure:"secret" yaml:"secret"`
	OutKey   string `mapstructure:"outkey" yaml:"outkey"`
	Host     string `mapstructure:"host" yaml:"host"`
	Refresh  int    `mapstructure:"refresh" yaml:"refresh"`
}

// Store selects the binding store.
type Store struct {
	Type  string `mapstructure:"type" yaml:"type"`
	Redis Redis  `mapstructure:"redis" yaml:"redis"`
}

// Redis addresses a Redis server.
type Redis struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// Events configures manager event sinks.
type Events struct {
	AMQP AMQP `mapstructure:"amqp" yaml:"amqp"`
}

// AMQP is an AMQP broker sink; an empty URL disables it.
type AMQP struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

// Metrics configures the prometheus endpoint; empty Listen disables it.
type Metrics struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Capture configures pcap capture; empty File disables it.
type Capture struct {
	File string `mapstructure:"file" yaml:"file"`
}

// Log configures logrus.
type Log struct {
	Level  string  `mapstructure:"level" yaml:"level"`
	Format string  `mapstructure:"format" yaml:"format"`
	File   LogFile `mapstructure:"file" yaml:"file"`
}

// LogFile enables rotated file output when Filename is set.
type LogFile struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// defaults are applied to viper before reading so that every key exists
// for environment overrides.
var defaults = map[string]any{
	"general.bind":                    "0.0.0.0:4569",
	"general.tos":                     0,
	"general.max_retries":             4,
	"general.min_retry":               "100ms",
	"general.max_retry":               "10s",
	"general.min_reuse":               "60s",
	"general.ping_interval":           "21s",
	"general.lagrq_interval":          "10s",
	"general.auth_timeout":            "30s",
	"general.call_setup_timeout":      "30s",
	"general.auth_reject_delay":       "1s",
	"general.delay_reject":            true,
	"general.codec_priority":          "host",
	"general.allow":                   []string{"ulaw", "alaw", "gsm"},
	"general.encryption":              false,
	"general.force_encryption":        false,
	"general.min_reg_expire":          60,
	"general.max_reg_expire":          3600,
	"general.default_reg_expire":      60,
	"general.keys_dir":                "",
	"general.threads.fixed":           10,
	"general.threads.max_dynamic":     100,
	"general.threads.idle_timeout":    "60s",
	"general.threads.deferred":        32,
	"general.trunk.freq":              "20ms",
	"general.trunk.mtu":               1240,
	"general.trunk.max_size":          128000,
	"general.trunk.idle":              "5s",
	"general.trunk.timestamps":        false,
	"general.jitter.enabled":          false,
	"general.jitter.force":            false,
	"general.jitter.max_ms":           1000,
	"general.jitter.resync_threshold": 1000,
	"general.jitter.target_extra":     40,
	"store.type":                      "memory",
	"store.redis.address":             "localhost:6379",
	"store.redis.prefix":              "iaxd:",
	"events.amqp.exchange":            "iaxd.events",
	"log.level":                       "info",
	"log.format":                      "text",
	"log.file.max_size":               100,
	"log.file.max_backups":            3,
	"log.file.max_age":                28,
	"log.file.compress":               true,
}
