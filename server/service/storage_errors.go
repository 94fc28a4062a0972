package service

import (
	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// isStorageError reports whether err originated in the SQLite layer.
func isStorageError(err error) bool {
	_, ok := ctxerr.Cause(err).(sqlite3.Error)
	return ok
}

// isStorageBusy reports lock contention that outlived the datastore's own
// retrying: the caller should back off and retry.
func isStorageBusy(err error) bool {
	if e, ok := ctxerr.Cause(err).(sqlite3.Error); ok {
		return e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked
	}
	return false
}
