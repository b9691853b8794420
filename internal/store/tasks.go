package store

import "database/sql"

// CreateTask inserts a scheduled task row.
func (s *Store) CreateTask(t ScheduledTask) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
			 next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		t.NextRun, t.LastRun, t.LastResult, t.Status, t.CreatedAt)
	return storeErr("createTask", err)
}

// GetTask returns one task by id, or nil.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("getTask", err)
	}
	return &t, nil
}

// GetTasks returns all tasks, newest first.
func (s *Store) GetTasks() ([]ScheduledTask, error) {
	return s.queryTasks(taskSelect + ` ORDER BY created_at DESC`)
}

// GetTasksForFolder returns a group's tasks, newest first.
func (s *Store) GetTasksForFolder(folder string) ([]ScheduledTask, error) {
	return s.queryTasks(taskSelect+` WHERE group_folder = ? ORDER BY created_at DESC`, folder)
}

// GetDueTasks returns active tasks whose next_run is at or before now,
// earliest due first.
func (s *Store) GetDueTasks(now string) ([]ScheduledTask, error) {
	return s.queryTasks(taskSelect+`
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`, now)
}

// ClaimTask atomically takes ownership of a due task by nulling next_run.
// Exactly one caller observes true for any given due instant; everyone
// else sees false because the guarded update matches no row.
func (s *Store) ClaimTask(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE scheduled_tasks SET next_run = NULL
		WHERE id = ? AND status = 'active' AND next_run IS NOT NULL`, id)
	if err != nil {
		return false, storeErr("claimTask", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("claimTask", err)
	}
	return n > 0, nil
}

// UpdateTaskAfterRun records the run result and the next occurrence.
// A nil nextRun on a once-task completes it.
func (s *Store) UpdateTaskAfterRun(id string, nextRun *string, lastRun, lastResult string) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks SET
			next_run = ?,
			last_run = ?,
			last_result = ?,
			status = CASE WHEN ? IS NULL AND schedule_type = 'once' THEN 'completed' ELSE status END
		WHERE id = ?`,
		nextRun, lastRun, lastResult, nextRun, id)
	return storeErr("updateTaskAfterRun", err)
}

// RestoreNextRun puts back a claimed task's next_run so a later poll can
// retry it (used when the owning group has disappeared).
func (s *Store) RestoreNextRun(id string, nextRun *string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, nextRun, id)
	return storeErr("restoreNextRun", err)
}

// SetTaskStatus updates a task's status. Pausing keeps next_run; the
// scheduler ignores non-active rows.
func (s *Store) SetTaskStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	return storeErr("setTaskStatus", err)
}

// SetTaskNextRun rewrites a task's next_run (resume path).
func (s *Store) SetTaskNextRun(id string, nextRun *string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, nextRun, id)
	return storeErr("setTaskNextRun", err)
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return storeErr("deleteTask", err)
}

// AppendTaskRunLog appends one audit row for a task execution.
func (s *Store) AppendTaskRunLog(l TaskRunLog) error {
	_, err := s.db.Exec(`
		INSERT INTO task_run_logs (task_id, started_at, duration_ms, status, result)
		VALUES (?, ?, ?, ?, ?)`,
		l.TaskID, l.StartedAt, l.DurationMs, l.Status, l.Result)
	return storeErr("appendTaskRunLog", err)
}

// GetTaskRunLogs returns a task's run history, newest first.
func (s *Store) GetTaskRunLogs(taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT task_id, started_at, duration_ms, status, result
		FROM task_run_logs WHERE task_id = ?
		ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, storeErr("getTaskRunLogs", err)
	}
	defer rows.Close()

	var logs []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.TaskID, &l.StartedAt, &l.DurationMs, &l.Status, &l.Result); err != nil {
			return nil, storeErr("getTaskRunLogs", err)
		}
		logs = append(logs, l)
	}
	return logs, storeErr("getTaskRunLogs", rows.Err())
}

const taskSelect = `
	SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	       next_run, last_run, last_result, status, created_at
	FROM scheduled_tasks`

func (s *Store) queryTasks(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("queryTasks", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("queryTasks", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, storeErr("queryTasks", rows.Err())
}

func scanTask(r rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	err := r.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt)
	return t, err
}
