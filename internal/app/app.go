package app

import (
	"database/sql"

	"lotline/internal/config"
	"lotline/internal/db"
	"lotline/internal/engine"
	"lotline/internal/migrate"
	"lotline/internal/reconcile"
	"lotline/internal/store"
)

// App bundles everything a command needs for one workspace: the open
// database, the lot store, the loaded config, and the engine on top.
type App struct {
	DB         *sql.DB
	Store      *store.SQLite
	Config     *config.Config
	Engine     engine.Engine
	Reconciler reconcile.Reconciler
}

// Open prepares the workspace (directory, database, migrations, config)
// and returns a ready App. Callers must Close it.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	st := &store.SQLite{DB: conn}
	e := engine.New(st, cfg)
	return &App{
		DB:         conn,
		Store:      st,
		Config:     cfg,
		Engine:     e,
		Reconciler: reconcile.New(e),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
