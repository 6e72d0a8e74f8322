//go:build windows

package watcher

// getInode returns 0; Windows does not expose a file index through Sys().
func getInode(_ any) uint64 {
	return 0
}
