package store

import "database/sql"

// RegisterGroup inserts or replaces a registered group row.
func (s *Store) RegisterGroup(g RegisteredGroup) error {
	cc, err := MarshalContainerConfig(g.ContainerConfig)
	if err != nil {
		return storeErr("registerGroup", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at, channel, container_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger,
			channel = excluded.channel,
			container_config = excluded.container_config`,
		g.JID, g.Name, g.Folder, g.Trigger, boolToInt(g.RequiresTrigger), g.AddedAt, g.Channel, cc)
	return storeErr("registerGroup", err)
}

// GetRegisteredGroups returns every registered group.
func (s *Store) GetRegisteredGroups() ([]RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, channel, container_config
		FROM registered_groups ORDER BY added_at ASC`)
	if err != nil {
		return nil, storeErr("getRegisteredGroups", err)
	}
	defer rows.Close()

	var groups []RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, storeErr("getRegisteredGroups", rows.Err())
}

// GetRegisteredGroupByFolder returns the group owning folder, or nil.
func (s *Store) GetRegisteredGroupByFolder(folder string) (*RegisteredGroup, error) {
	row := s.db.QueryRow(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, channel, container_config
		FROM registered_groups WHERE folder = ?`, folder)
	g, err := scanGroupRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("getRegisteredGroupByFolder", err)
	}
	return &g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(r rowScanner) (RegisteredGroup, error) {
	g, err := scanGroupRow(r)
	if err != nil {
		return g, storeErr("scanGroup", err)
	}
	return g, nil
}

func scanGroupRow(r rowScanner) (RegisteredGroup, error) {
	var g RegisteredGroup
	var requires int
	var cc string
	if err := r.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requires, &g.AddedAt, &g.Channel, &cc); err != nil {
		return g, err
	}
	g.RequiresTrigger = requires != 0
	parsed, err := UnmarshalContainerConfig(cc)
	if err != nil {
		return g, err
	}
	g.ContainerConfig = parsed
	return g, nil
}
