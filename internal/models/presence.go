package models

import "time"

// Presence is the engine's last published view of who is connected.
type Presence struct {
	EngineID   string    `json:"engine_id"`
	Population int       `json:"population"`
	Members    []string  `json:"members"`
	UpdatedAt  time.Time `json:"updated_at"`
}
