package mssql

import "time"

// Config is the already-parsed set of connection settings the core consumes
// (§6). It mirrors the ADO.NET keyword set as Go fields; parsing a
// semicolon-delimited DSN string into a Config is explicitly a caller
// concern, not something this package does (§1 Non-goals).
type Config struct {
	Server   string
	Port     int
	Instance string
	Database string

	User     string
	Password string

	AppName string

	Encrypt                byte // encryptOn/encryptReq/encryptStrict, or encryptNotSup for no TLS; zero (encryptOff) selects encryptOn
	TrustServerCertificate bool

	ConnectTimeout time.Duration
	TLSTimeout     time.Duration
	LoginTimeout   time.Duration
	CommandTimeout time.Duration

	Pooling     bool
	MinPoolSize int
	MaxPoolSize int
	PoolTimeout time.Duration
	MaxIdleTime time.Duration
	MaxLifetime time.Duration

	PacketSize int

	ColumnEncryption bool
	AlwaysEncrypted  *AlwaysEncryptedConfig

	LOBCap int64

	Logger   Logger
	LogFlags logFlags

	// TransientErrors overrides defaultTransientErrors() for
	// IsTransient/pool retry classification (§7, §9). A nil map falls back
	// to the built-in set.
	TransientErrors map[int32]bool

	Auth AuthProvider
}

// AlwaysEncryptedConfig carries the keystore settings handed to
// internal/aeutil when the session negotiates COLUMNENCRYPTION.
type AlwaysEncryptedConfig struct {
	KeystoreLocation string
	KeystoreSecret   string
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 15 * time.Second
}

func (c *Config) loginTimeout() time.Duration {
	if c.LoginTimeout > 0 {
		return c.LoginTimeout
	}
	return 30 * time.Second
}

func (c *Config) packetSize() int {
	if c.PacketSize > 0 {
		return c.PacketSize
	}
	return defaultPacketSize
}

func (c *Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return defaultLogger
}

func (c *Config) transientErrors() map[int32]bool {
	if c.TransientErrors != nil {
		return c.TransientErrors
	}
	return defaultTransientErrors()
}
