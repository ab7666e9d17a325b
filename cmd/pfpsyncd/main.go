package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pfpvault/internal/auth"
	"pfpvault/internal/config"
	"pfpvault/internal/server"
	"pfpvault/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "pfpsyncd.yaml", "path to config file")
	listen := flag.String("listen", "", "listen address, overrides the config")
	flag.Parse()

	cfg, err := config.LoadDaemon(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("cannot load config")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}
	log := config.Logger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("pfpsyncd failed")
	}
}

func run(ctx context.Context, cfg *config.Daemon, log *logrus.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return errors.Wrap(err, "cannot create data directory")
	}
	key, err := auth.LoadOrCreateKey(cfg.Server.KeyFile)
	if err != nil {
		return err
	}

	var (
		objects storage.Backend
		users   auth.UserStore = auth.NewMemoryUserStore()
	)
	switch cfg.Backend {
	case config.BackendMongo:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		cli, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.Mongo.URI))
		cancel()
		if err != nil {
			return errors.Wrap(err, "cannot connect to mongo")
		}
		defer func() { _ = cli.Disconnect(context.Background()) }()
		objects = storage.NewMongoBackendWithClient(cli, cfg.Mongo.DB, cfg.Mongo.Collection)
		if users, err = auth.NewMongoUserStore(ctx, cli, cfg.Mongo.DB, cfg.Server.UsersCollection); err != nil {
			return err
		}
	case config.BackendBadger:
		b, err := storage.NewBadgerBackend(filepath.Join(cfg.DataDir, "objects"), log)
		if err != nil {
			return err
		}
		defer b.Close(context.Background())
		objects = b
	case config.BackendFile:
		b, err := storage.NewFileBackend(filepath.Join(cfg.DataDir, "objects.json"))
		if err != nil {
			return err
		}
		objects = b
	default:
		objects = storage.NewMemoryBackend()
	}

	seeds := make([]server.SeedUser, 0, len(cfg.Server.Users))
	for _, u := range cfg.Server.Users {
		roles := make([]auth.Role, 0, len(u.Roles))
		for _, r := range u.Roles {
			roles = append(roles, auth.Role(r))
		}
		seeds = append(seeds, server.SeedUser{Username: u.Username, Password: u.Password, Roles: roles})
	}

	srv, err := server.New(ctx, server.Config{
		JWTIssuer:     cfg.Server.JWTIssuer,
		TokenTTL:      cfg.Server.TokenTTL,
		MaxObjectSize: cfg.Server.MaxObject,
		SeedUsers:     seeds,
		TrustProxy:    cfg.Server.TrustProxy,
	}, server.Deps{Users: users, Objects: objects, Key: key, Logger: log})
	if err != nil {
		return err
	}

	hs := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", hs.Addr).Info("pfpsyncd listening")
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(sctx)
}
