package app

import (
	"database/sql"

	"eventline/internal/config"
	"eventline/internal/db"
	"eventline/internal/engine"
	"eventline/internal/migrate"
	"eventline/internal/payment"
)

// Open builds a ready engine for a workspace: database opened and
// migrated, config loaded (defaults when no eventline.yml exists) and
// the payment provider constructed. An empty server key leaves the
// provider unset; free events keep working, paid joins error out.
func Open(workspace, paymentServerKey string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	var provider payment.Provider
	if paymentServerKey != "" {
		provider = payment.NewMidtrans(paymentServerKey, cfg.Payment.Environment == "production")
	}
	return engine.New(conn, cfg, provider), conn, nil
}
