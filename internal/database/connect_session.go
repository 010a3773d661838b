package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moff.io/moff-connect/pkg/errors"
	"time"
)

// ConnectSession is the persisted wallet session of one client of a page
// origin.
type ConnectSession struct {
	SessionKey string `gorm:"type:varchar(600);primaryKey"`
	ProviderID string `gorm:"type:varchar(200)"`
	ChainID    string `gorm:"type:varchar(100)"`
	UpdatedAt  int64  `gorm:"type:int8"`
}

func (in ConnectSession) Upsert(tx *gorm.DB) error {
	in.UpdatedAt = time.Now().UnixMilli()
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider_id", "chain_id", "updated_at"}),
	}).Create(&in).Error
	return errors.WrapAndReport(err, "upsert connect session")
}

func (ConnectSession) SelectByKey(tx *gorm.DB, key string) (*ConnectSession, error) {
	var entity ConnectSession
	err := tx.Where("session_key = ?", key).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapAndReport(err, "query connect session")
	}
	return &entity, nil
}

func (ConnectSession) DeleteByKey(tx *gorm.DB, key string) error {
	err := tx.Where("session_key = ?", key).Delete(&ConnectSession{}).Error
	return errors.WrapAndReport(err, "delete connect session")
}
