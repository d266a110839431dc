//go:build !linux

package jobs

func statfs(path string) (FilesystemUsage, error) {
	return FilesystemUsage{Path: path}, errUnsupported
}

func loadavg() (Load, error) { return Load{}, errUnsupported }
