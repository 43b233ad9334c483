package journal

// Kind enumerates the journaled operations.
type Kind string

const (
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
	KindDraw  Kind = "draw"
	KindClear Kind = "clear"
	KindUndo  Kind = "undo"
	KindRedo  Kind = "redo"
)

// Entry is one accepted state change as seen by the broadcast hub.
type Entry struct {
	EntryID           int64  `gorm:"column:entry_id;primaryKey;autoIncrement"`
	Kind              Kind   `gorm:"column:kind;size:16;not null;index:idx_journal_kind_time,priority:1"`
	ConnectionID      string `gorm:"column:connection_id;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;default:''"`
	StrokeID          string `gorm:"column:stroke_id;size:190;not null;default:''"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null;index:idx_journal_kind_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "journal_entries"
}
