package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ToolModel maps to the "tool_records" table. List fields are stored as
// JSON text so the same model works on SQLite.
type ToolModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Identifier        string    `gorm:"not null;uniqueIndex"`
	Name              string
	Description       string
	AuthMethod        string
	InstallDirectives string `gorm:"type:text;not null"`
	ExecutableHints   string `gorm:"type:text"`
	RequiredEnv       string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (ToolModel) TableName() string { return "tool_records" }

// Models lists every model in migration order.
func Models() []any {
	return []any{&ToolModel{}}
}
