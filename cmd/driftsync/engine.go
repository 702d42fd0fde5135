package main

import (
	"os"

	"github.com/kimhsiao/driftsync/internal/config"
	"github.com/kimhsiao/driftsync/internal/conflict"
	"github.com/kimhsiao/driftsync/internal/db"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/outbox"
	"github.com/kimhsiao/driftsync/internal/projector"
	driftsync "github.com/kimhsiao/driftsync/internal/sync"
)

// engine bundles the wired components every command needs.
type engine struct {
	cfg   *config.Config
	db    *db.DB
	store *db.Store
	queue *outbox.Queue
	coord *driftsync.Coordinator
}

// openEngine loads config, opens and migrates the database and wires the
// coordinator. The caller must Close when done.
func openEngine() (*engine, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stderr, cfg.LogLevel)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(database.DB).Run(); err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewStore(database)
	queue, err := outbox.NewQueue(store, nil)
	if err != nil {
		database.Close()
		return nil, err
	}

	var remote driftsync.RemoteService
	if cfg.RemoteURL != "" {
		remote = driftsync.NewHTTPRemote(cfg.RemoteURL, os.Getenv("DRIFTSYNC_AUTH_TOKEN"))
	}
	network := driftsync.NewManualConnectivity(driftsync.NetState{Connected: true})

	coord := driftsync.New(cfg, store, queue, projector.New(store),
		conflict.NewResolver(conflict.DefaultPolicy()), remote, network, logging.With("sync"))

	return &engine{
		cfg:   cfg,
		db:    database,
		store: store,
		queue: queue,
		coord: coord,
	}, nil
}

func (e *engine) Close() error {
	return e.db.Close()
}
