package db

import (
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// Models lists the GORM models Switchyard owns. Messages and audit rows
// refer to conversations, so conversations come first.
func Models() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Message{},
		&models.AdminAction{},
	}
}

// AutoMigrate brings every table and index up to date.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// TableNames resolves the table behind each model, in Models order.
func TableNames(gdb *gorm.DB) ([]string, error) {
	all := Models()
	names := make([]string, 0, len(all))
	for _, m := range all {
		stmt := &gorm.Statement{DB: gdb}
		if err := stmt.Parse(m); err != nil {
			return nil, fmt.Errorf("db: parse %T: %w", m, err)
		}
		names = append(names, stmt.Schema.Table)
	}
	return names, nil
}

// DropAll drops the managed tables, dependents first. `sy db reset` uses it
// on SQLite, where there is no database to drop.
func DropAll(gdb *gorm.DB) error {
	all := Models()
	for i := len(all) - 1; i >= 0; i-- {
		if err := gdb.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("db: drop %T: %w", all[i], err)
		}
	}
	return nil
}
