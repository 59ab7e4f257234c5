package server

import (
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/ziadkadry99/contentintel/internal/audit"
	"github.com/ziadkadry99/contentintel/internal/config"
	"github.com/ziadkadry99/contentintel/internal/db"
	"github.com/ziadkadry99/contentintel/internal/feedback"
	"github.com/ziadkadry99/contentintel/internal/notifications"
	"github.com/ziadkadry99/contentintel/internal/override"
	"github.com/ziadkadry99/contentintel/internal/permission"
)

// Services bundles the components the API serves.
type Services struct {
	DB            *db.DB
	Authority     *permission.Authority
	Audit         *audit.Store
	Feedback      *feedback.Store
	Overrides     *override.Registry
	Engine        *feedback.Engine
	Notifications *notifications.Store
	Dispatcher    *notifications.Dispatcher
}

// NewServices wires the workflow components over database. Workflow
// notifications are only dispatched when enabled in cfg.
func NewServices(cfg *config.Config, database *db.DB, log logrus.FieldLogger) (*Services, error) {
	table, err := cfg.RoleTable()
	if err != nil {
		return nil, errors.Wrap(err, "building role table")
	}
	authz, err := permission.NewAuthority(table, log)
	if err != nil {
		return nil, errors.Wrap(err, "building authority")
	}

	svc := &Services{
		DB:            database,
		Authority:     authz,
		Audit:         audit.NewStore(database),
		Feedback:      feedback.NewStore(database),
		Notifications: notifications.NewStore(database),
	}
	svc.Overrides = override.NewRegistry(database, svc.Feedback, svc.Audit, authz, log)
	svc.Dispatcher = notifications.NewDispatcher(svc.Notifications, cfg.Notifications.WebhookTimeout, log)

	var opts []feedback.Option
	if cfg.Notifications.Enabled {
		opts = append(opts, feedback.WithNotifier(svc.Dispatcher))
	}
	svc.Engine = feedback.NewEngine(database, svc.Feedback, svc.Overrides, svc.Audit, authz, log, opts...)
	return svc, nil
}
