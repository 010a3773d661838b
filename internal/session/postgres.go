package session

import (
	"context"
	"gorm.io/gorm"
	"moff.io/moff-connect/internal/database"
)

// PostgresStore keeps records in the connect_sessions table.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, key string) (*Record, error) {
	row, err := database.ConnectSession{}.SelectByKey(s.db.WithContext(ctx), key)
	if err != nil || row == nil {
		return nil, err
	}
	return &Record{ProviderID: row.ProviderID, ChainID: row.ChainID}, nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, r Record) error {
	return database.ConnectSession{
		SessionKey: key,
		ProviderID: r.ProviderID,
		ChainID:    r.ChainID,
	}.Upsert(s.db.WithContext(ctx))
}

func (s *PostgresStore) Clear(ctx context.Context, key string) error {
	return database.ConnectSession{}.DeleteByKey(s.db.WithContext(ctx), key)
}
