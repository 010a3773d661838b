package database

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"moff.io/moff-connect/internal/config"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
)

var (
	Postgres *gorm.DB
)

// InitPostgres connects, pings and migrates. Failures are fatal, the
// postgres session backend is useless without its table.
func InitPostgres(conf *config.DBCredential) {
	cli, err := Open(conf)
	if err != nil {
		log.Fatal(err)
	}
	Postgres = cli
	log.Info("Connected to postgres...")
}

// Open returns a migrated connection without touching the package global.
func Open(conf *config.DBCredential) (*gorm.DB, error) {
	cli, err := gorm.Open(postgres.Open(conf.Dsn()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to pg")
	}
	db, err := cli.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get pg conn")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping to pg")
	}
	if err := Migrate(cli); err != nil {
		return nil, err
	}
	return cli, nil
}

func Migrate(cli *gorm.DB) error {
	err := cli.AutoMigrate(
		&ConnectSession{},
	)
	return errors.Wrap(err, "autoMigrate tables")
}

func Close() {
	if Postgres == nil {
		return
	}
	if db, err := Postgres.DB(); err == nil {
		_ = db.Close()
	}
	Postgres = nil
}
