package store

import (
	"database/sql"
	"encoding/json"
)

// GetRouterState reads one router cursor value, "" when unset.
func (s *Store) GetRouterState(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", storeErr("getRouterState", err)
	}
	return v, nil
}

// SetRouterState writes one router cursor value.
func (s *Store) SetRouterState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return storeErr("setRouterState", err)
}

// GetAgentCursors reads the per-group recovery cursor map.
func (s *Store) GetAgentCursors() (map[string]string, error) {
	raw, err := s.GetRouterState(RouterKeyLastAgentTimestamp)
	if err != nil {
		return nil, err
	}
	cursors := make(map[string]string)
	if raw == "" {
		return cursors, nil
	}
	if err := json.Unmarshal([]byte(raw), &cursors); err != nil {
		return nil, storeErr("getAgentCursors", err)
	}
	return cursors, nil
}

// SetAgentCursors persists the per-group recovery cursor map.
func (s *Store) SetAgentCursors(cursors map[string]string) error {
	b, err := json.Marshal(cursors)
	if err != nil {
		return storeErr("setAgentCursors", err)
	}
	return s.SetRouterState(RouterKeyLastAgentTimestamp, string(b))
}
