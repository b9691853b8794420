// Package ipc is the file-based channel agents use to talk back to the
// host: command files dropped into per-group directories, dispatched to
// handlers under a source-group scoped authorization policy.
package ipc

// AuthorizationPolicy scopes what a source group may do. Main may do
// anything; everyone else may only act on their own folder, and only
// main may register or refresh groups.
type AuthorizationPolicy struct {
	SourceGroup string
	IsMain      bool
}

// CanSendMessage reports whether the source may send chat messages on
// behalf of targetFolder.
func (p AuthorizationPolicy) CanSendMessage(targetFolder string) bool {
	return p.IsMain || targetFolder == p.SourceGroup
}

// CanScheduleTask reports whether the source may create tasks for
// targetFolder.
func (p AuthorizationPolicy) CanScheduleTask(targetFolder string) bool {
	return p.IsMain || targetFolder == p.SourceGroup
}

// CanManageTask reports whether the source may pause, resume or cancel
// a task owned by taskFolder.
func (p AuthorizationPolicy) CanManageTask(taskFolder string) bool {
	return p.IsMain || taskFolder == p.SourceGroup
}

// CanManageSession reports whether the source may clear, resume,
// archive or search sessions of targetFolder.
func (p AuthorizationPolicy) CanManageSession(targetFolder string) bool {
	return p.IsMain || targetFolder == p.SourceGroup
}

// CanRegisterGroup reports whether the source may register new groups.
func (p AuthorizationPolicy) CanRegisterGroup() bool { return p.IsMain }

// CanRefreshGroups reports whether the source may force a metadata sync.
func (p AuthorizationPolicy) CanRefreshGroups() bool { return p.IsMain }
