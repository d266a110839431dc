// Package storage is the optional run journal: one record per finished job
// run, fed from task lifecycle events. It never stores schedule state; every
// schedule restarts from the current instant after a process restart.
package storage
