package repository

import (
	"github.com/vipul43/kiwis-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// keyColumns are the composite primary key shared by every per-connection table
var keyColumns = []clause.Column{{Name: "subject_id"}, {Name: "integration"}}

// upsertByKey replaces the whole row stored under the row's key
func upsertByKey(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.OnConflict{Columns: keyColumns, UpdateAll: true})
}

func whereKey(db *gorm.DB, key models.Key) *gorm.DB {
	return db.Where("subject_id = ? AND integration = ?", key.SubjectID, string(key.Integration))
}
