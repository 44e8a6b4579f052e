package history

import (
	"encoding/json"
	"time"
)

// Record is one archived analysis of a session's conversation.
type Record struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"bot_id"`
	Model     string          `json:"model"`
	Fragments int             `json:"fragments"`
	Analysis  json.RawMessage `json:"analysis"`
	CreatedAt time.Time       `json:"created_at"`
}
