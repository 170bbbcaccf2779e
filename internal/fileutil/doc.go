// Package fileutil provides small file-system helpers shared by the writer
// pool and the on-disk table writer: recursive directory creation for table
// and lock-file paths, and best-effort removal of lock-file artifacts when a
// table name is freed for re-creation.
package fileutil
