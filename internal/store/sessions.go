package store

import "database/sql"

// GetSession returns the active session id for a group folder, or "".
func (s *Store) GetSession(groupFolder string) (string, error) {
	row := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", storeErr("getSession", err)
	}
	return id, nil
}

// SetSession records the active session id for a group folder.
func (s *Store) SetSession(groupFolder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id`,
		groupFolder, sessionID)
	return storeErr("setSession", err)
}

// DeleteSession removes the active session for a group folder. Absent
// rows are not an error.
func (s *Store) DeleteSession(groupFolder string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE group_folder = ?`, groupFolder)
	return storeErr("deleteSession", err)
}

// ArchiveSession inserts an archive row and returns its id.
func (s *Store) ArchiveSession(a ArchivedSession) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO archived_sessions (group_folder, session_id, name, content, archived_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.GroupFolder, a.SessionID, a.Name, a.Content, a.ArchivedAt)
	if err != nil {
		return 0, storeErr("archiveSession", err)
	}
	id, err := res.LastInsertId()
	return id, storeErr("archiveSession", err)
}

// GetArchivedSession returns one archive row by id, or nil.
func (s *Store) GetArchivedSession(id int64) (*ArchivedSession, error) {
	row := s.db.QueryRow(`
		SELECT id, group_folder, session_id, name, content, archived_at
		FROM archived_sessions WHERE id = ?`, id)
	var a ArchivedSession
	if err := row.Scan(&a.ID, &a.GroupFolder, &a.SessionID, &a.Name, &a.Content, &a.ArchivedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr("getArchivedSession", err)
	}
	return &a, nil
}

// ListArchivedSessions returns a group's archives, newest first.
func (s *Store) ListArchivedSessions(groupFolder string) ([]ArchivedSession, error) {
	return s.queryArchives(`
		SELECT id, group_folder, session_id, name, content, archived_at
		FROM archived_sessions WHERE group_folder = ?
		ORDER BY archived_at DESC`, groupFolder)
}

// SearchArchivedSessions LIKE-searches a group's archives by name and
// content, newest first.
func (s *Store) SearchArchivedSessions(groupFolder, query string) ([]ArchivedSession, error) {
	pattern := "%" + query + "%"
	return s.queryArchives(`
		SELECT id, group_folder, session_id, name, content, archived_at
		FROM archived_sessions
		WHERE group_folder = ? AND (name LIKE ? OR content LIKE ?)
		ORDER BY archived_at DESC`, groupFolder, pattern, pattern)
}

// DeleteArchivedSession removes one archive row.
func (s *Store) DeleteArchivedSession(id int64) error {
	_, err := s.db.Exec(`DELETE FROM archived_sessions WHERE id = ?`, id)
	return storeErr("deleteArchivedSession", err)
}

func (s *Store) queryArchives(query string, args ...any) ([]ArchivedSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("queryArchives", err)
	}
	defer rows.Close()

	var archives []ArchivedSession
	for rows.Next() {
		var a ArchivedSession
		if err := rows.Scan(&a.ID, &a.GroupFolder, &a.SessionID, &a.Name, &a.Content, &a.ArchivedAt); err != nil {
			return nil, storeErr("queryArchives", err)
		}
		archives = append(archives, a)
	}
	return archives, storeErr("queryArchives", rows.Err())
}
