//go:build linux

package jobs

import "golang.org/x/sys/unix"

func statfs(path string) (FilesystemUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FilesystemUsage{}, err
	}
	bs := uint64(st.Bsize)
	return FilesystemUsage{
		Path:  path,
		Total: st.Blocks * bs,
		Free:  st.Bfree * bs,
		Avail: st.Bavail * bs,
	}, nil
}

// sysinfo loads are fixed point with SI_LOAD_SHIFT fractional bits.
const loadScale = 1 << 16

func loadavg() (Load, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Load{}, err
	}
	return Load{
		Load1:  float64(si.Loads[0]) / loadScale,
		Load5:  float64(si.Loads[1]) / loadScale,
		Load15: float64(si.Loads[2]) / loadScale,
	}, nil
}
