// Package config loads the YAML configuration of pfpctl and pfpsyncd.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"pfpvault/internal/crypto"
)

type Mongo struct {
	URI        string `yaml:"uri"`
	DB         string `yaml:"db"`
	Collection string `yaml:"collection"`
}

type Sync struct {
	// Provider is one of memory, localfs, remote, mongo; empty disables sync.
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
	// Endpoint is the pfpsyncd base URL, or the directory for localfs.
	Endpoint   string        `yaml:"endpoint"`
	Username   string        `yaml:"username"`
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
	MinGap     time.Duration `yaml:"min_gap"`
}

// Client configures pfpctl.
type Client struct {
	DataDir  string           `yaml:"data_dir"`
	Backend  string           `yaml:"backend"`
	Mongo    Mongo            `yaml:"mongo"`
	KDF      crypto.KDFParams `yaml:"kdf"`
	Sync     Sync             `yaml:"sync"`
	LogLevel string           `yaml:"log_level"`
}

type User struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

type Server struct {
	Listen     string        `yaml:"listen"`
	JWTIssuer  string        `yaml:"jwt_issuer"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	KeyFile    string        `yaml:"key_file"`
	MaxObject  int64         `yaml:"max_object_size"`
	TrustProxy bool          `yaml:"trust_proxy"`
	Users      []User        `yaml:"users"`
	// UsersCollection keeps accounts in mongo when the backend is mongo.
	UsersCollection string `yaml:"users_collection"`
}

// Daemon configures pfpsyncd.
type Daemon struct {
	DataDir  string `yaml:"data_dir"`
	Backend  string `yaml:"backend"`
	Mongo    Mongo  `yaml:"mongo"`
	Server   Server `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

const (
	BackendBadger = "badger"
	BackendFile   = "file"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

func defaultDataDir(name string) string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, name)
	}
	return "." + name
}

func (c *Client) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir("pfpvault")
	}
	if c.Backend == "" {
		c.Backend = BackendBadger
	}
	c.Mongo.setDefaults("vault")
	c.KDF = kdfDefaults(c.KDF)
	if c.Sync.Path == "" {
		c.Sync.Path = "/passwords.json"
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 15 * time.Minute
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = 30 * time.Second
	}
	if c.Sync.MinGap <= 0 {
		c.Sync.MinGap = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// kdfDefaults fills the cost of an algorithm named without one.
func kdfDefaults(p crypto.KDFParams) crypto.KDFParams {
	switch p.Algo {
	case "":
		return crypto.DefaultKDF()
	case crypto.KDFScrypt:
		if p.N == 0 && p.R == 0 && p.P == 0 {
			return crypto.DefaultKDF()
		}
	case crypto.KDFPBKDF2:
		if p.Iterations == 0 {
			return crypto.LegacyKDF()
		}
	case crypto.KDFArgon2id:
		if p.M == 0 && p.T == 0 && p.Threads == 0 {
			return crypto.DesktopKDF()
		}
	}
	return p
}

func (m *Mongo) setDefaults(coll string) {
	if m.DB == "" {
		m.DB = "pfp"
	}
	if m.Collection == "" {
		m.Collection = coll
	}
}

func (d *Daemon) setDefaults() {
	if d.DataDir == "" {
		d.DataDir = defaultDataDir("pfpsyncd")
	}
	if d.Backend == "" {
		d.Backend = BackendBadger
	}
	d.Mongo.setDefaults("objects")
	if d.Server.Listen == "" {
		d.Server.Listen = ":8443"
	}
	if d.Server.KeyFile == "" {
		d.Server.KeyFile = filepath.Join(d.DataDir, "signing.pem")
	}
	if d.Server.UsersCollection == "" {
		d.Server.UsersCollection = "users"
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
}

func (c *Client) Validate() error {
	if err := validBackend(c.Backend, c.Mongo); err != nil {
		return err
	}
	if err := c.KDF.Validate(); err != nil {
		return err
	}
	switch c.Sync.Provider {
	case "", "memory", "localfs", "remote", "mongo":
	default:
		return errors.Errorf("config: unknown sync provider %q", c.Sync.Provider)
	}
	if (c.Sync.Provider == "remote" || c.Sync.Provider == "localfs") && c.Sync.Endpoint == "" {
		return errors.Errorf("config: sync provider %s needs an endpoint", c.Sync.Provider)
	}
	if c.Sync.Provider == "mongo" && c.Mongo.URI == "" {
		return errors.New("config: sync provider mongo needs mongo.uri")
	}
	_, err := logrus.ParseLevel(c.LogLevel)
	return errors.Wrap(err, "config: log_level")
}

func (d *Daemon) Validate() error {
	if err := validBackend(d.Backend, d.Mongo); err != nil {
		return err
	}
	_, err := logrus.ParseLevel(d.LogLevel)
	return errors.Wrap(err, "config: log_level")
}

func validBackend(b string, m Mongo) error {
	switch b {
	case BackendBadger, BackendFile, BackendMemory:
		return nil
	case BackendMongo:
		if m.URI == "" {
			return errors.New("config: backend mongo needs mongo.uri")
		}
		return nil
	default:
		return errors.Errorf("config: unknown backend %q", b)
	}
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "cannot read config")
	}
	return errors.Wrapf(yaml.UnmarshalStrict(data, out), "config %s", path)
}

// LoadClient reads path, which may be missing, and applies defaults.
func LoadClient(path string) (*Client, error) {
	var c Client
	if err := load(path, &c); err != nil {
		return nil, err
	}
	c.setDefaults()
	return &c, nil
}

func LoadDaemon(path string) (*Daemon, error) {
	var d Daemon
	if err := load(path, &d); err != nil {
		return nil, err
	}
	d.setDefaults()
	return &d, nil
}

// Logger builds a logrus logger at level.
func Logger(level string) *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}
