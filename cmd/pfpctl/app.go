package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pfpvault/internal/audit"
	"pfpvault/internal/config"
	"pfpvault/internal/crypto"
	"pfpvault/internal/providers/localfs"
	"pfpvault/internal/providers/memory"
	mongoprov "pfpvault/internal/providers/mongo"
	"pfpvault/internal/providers/remote"
	"pfpvault/internal/storage"
	pfpsync "pfpvault/internal/sync"
	"pfpvault/internal/vault"
)

type app struct {
	cfg     *config.Client
	log     *logrus.Logger
	backend storage.Backend
	vault   *vault.Vault
	engine  *pfpsync.Engine
	mongo   *mongo.Client

	// account holds sync account credentials asked for before authorizing,
	// so the prompt does not count against the provider timeout.
	account *[2]string
}

func withApp(ctx context.Context, cfgPath string, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}

func openApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: config.Logger(cfg.LogLevel)}
	a.log.SetOutput(os.Stderr)

	if cfg.Backend == config.BackendMongo || cfg.Sync.Provider == mongoprov.Name {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		a.mongo, err = mongo.Connect(cctx, options.Client().ApplyURI(cfg.Mongo.URI))
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "cannot connect to mongo")
		}
	}
	if a.backend, err = a.openBackend(); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.vault = vault.New(a.backend, vault.Options{KDF: cfg.KDF, Logger: a.log})

	journal := audit.New(a.backend)
	if err := journal.Load(ctx); err != nil {
		a.log.WithError(err).Warn("sync journal is damaged")
	}
	providers := a.providers()
	a.engine = pfpsync.NewEngine(a.vault, providers, pfpsync.Options{
		Path:       cfg.Sync.Path,
		MaxRetries: cfg.Sync.MaxRetries,
		Timeout:    cfg.Sync.Timeout,
		Journal:    journal,
		Logger:     a.log,
	})
	if err := a.engine.Resume(ctx); err != nil {
		a.log.WithError(err).Warn("cannot resume sync session")
	}
	return a, nil
}

func (a *app) openBackend() (storage.Backend, error) {
	switch a.cfg.Backend {
	case config.BackendBadger:
		b, err := storage.NewBadgerBackend(filepath.Join(a.cfg.DataDir, "db"), a.log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendFile:
		if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
		b, err := storage.NewFileBackend(filepath.Join(a.cfg.DataDir, "vault.json"))
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendMongo:
		return storage.NewMongoBackendWithClient(a.mongo, a.cfg.Mongo.DB, a.cfg.Mongo.Collection), nil
	case config.BackendMemory:
		return storage.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
}

func (a *app) providers() []pfpsync.Provider {
	s := a.cfg.Sync
	switch s.Provider {
	case memory.Name:
		return []pfpsync.Provider{memory.New(memory.Name)}
	case localfs.Name:
		return []pfpsync.Provider{localfs.New(s.Endpoint)}
	case remote.Name:
		return []pfpsync.Provider{remote.New(s.Endpoint, a.accountCredentials, s.Timeout)}
	case mongoprov.Name:
		owner := s.Username
		if owner == "" {
			owner = "default"
		}
		return []pfpsync.Provider{mongoprov.New(a.mongo, a.cfg.Mongo.DB, "sync", owner)}
	}
	return nil
}

func (a *app) accountCredentials(context.Context) (string, string, error) {
	if a.account != nil {
		return a.account[0], a.account[1], nil
	}
	return promptAccount(a.cfg.Sync.Username)
}

func (a *app) askAccount() error {
	user, pass, err := promptAccount(a.cfg.Sync.Username)
	if err != nil {
		return err
	}
	a.account = &[2]string{user, pass}
	return nil
}

func promptAccount(user string) (string, string, error) {
	if user == "" {
		fmt.Fprint(os.Stderr, "Sync account: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", "", err
		}
		user = strings.TrimSpace(line)
	}
	pass, err := promptSecret("Sync account password: ")
	if err != nil {
		return "", "", err
	}
	defer crypto.Zero(pass)
	return user, string(pass), nil
}

func (a *app) close(ctx context.Context) {
	if a.vault != nil {
		a.vault.Forget()
	}
	if c, ok := a.backend.(storage.Closer); ok {
		if err := c.Close(ctx); err != nil {
			a.log.WithError(err).Warn("closing storage")
		}
	}
	if a.mongo != nil {
		_ = a.mongo.Disconnect(ctx)
	}
}

// unlock prompts for the master password unless PFP_MASTER_PASSWORD is set.
func (a *app) unlock(ctx context.Context) error {
	ok, err := a.vault.Initialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(vault.ErrNotInitialized, "run pfpctl create first")
	}
	pw, err := masterPassword("Master password: ")
	if err != nil {
		return err
	}
	defer crypto.Zero(pw)
	return a.vault.Open(ctx, pw)
}

func masterPassword(prompt string) ([]byte, error) {
	if env := os.Getenv("PFP_MASTER_PASSWORD"); env != "" {
		return []byte(env), nil
	}
	return promptSecret(prompt)
}

func promptSecret(prompt string) ([]byte, error) {
	pw, err := gopass.GetPasswdPrompt(prompt, true, os.Stdin, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read password")
	}
	return pw, nil
}

// newPassword asks twice.
func newPassword(prompt string) ([]byte, error) {
	if env := os.Getenv("PFP_MASTER_PASSWORD"); env != "" {
		return []byte(env), nil
	}
	pw, err := promptSecret(prompt)
	if err != nil {
		return nil, err
	}
	again, err := promptSecret("Repeat: ")
	if err != nil {
		crypto.Zero(pw)
		return nil, err
	}
	defer crypto.Zero(again)
	if string(pw) != string(again) {
		crypto.Zero(pw)
		return nil, errors.New("passwords do not match")
	}
	if len(pw) < 6 {
		crypto.Zero(pw)
		return nil, errors.New("master password must have at least 6 characters")
	}
	return pw, nil
}
