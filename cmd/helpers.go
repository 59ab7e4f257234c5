package cmd

import (
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/config"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/logging"
	"github.com/ziadkadry99/contentintel/internal/server"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s (run `contentintel init` to create one)", cfgFile)
	}
	return cfg, nil
}

// newLogger builds the process logger; --verbose forces debug level.
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	opts := cfg.LogOptions()
	if verbose {
		opts.Level = "debug"
	}
	return logging.New(opts)
}

// openServices opens the database and wires the workflow components.
// Callers close the returned database.
func openServices(cfg *config.Config, log logrus.FieldLogger) (*db.DB, *server.Services, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening database")
	}
	svc, err := server.NewServices(cfg, database, log)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, svc, nil
}

// localServices opens the configured database for one-shot commands. The
// returned func closes it.
func localServices() (*server.Services, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	database, svc, err := openServices(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, func() { database.Close() }, nil
}
