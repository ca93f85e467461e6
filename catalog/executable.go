package catalog

import (
	"golang.org/x/sys/unix"

	"github.com/machinefabric/clippy-go/clippyerr"
)

// CheckExecutable requires path to be a regular file the current user may
// execute through its owner, group or other permission bits
func CheckExecutable(path string) error {
	if path == "" {
		return clippyerr.Configurationf("no backend executable configured")
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return clippyerr.Wrap(clippyerr.Configuration, err, "file is not executable: %s", path)
	}
	mode := uint32(st.Mode)
	if mode&unix.S_IFMT != unix.S_IFREG {
		return clippyerr.Configurationf("file is not executable: %s: not a regular file", path)
	}

	uid := uint32(unix.Getuid())
	gid := uint32(unix.Getgid())
	switch {
	case st.Uid == uid && mode&unix.S_IXUSR != 0:
		return nil
	case st.Gid == gid && mode&unix.S_IXGRP != 0:
		return nil
	case mode&unix.S_IXOTH != 0:
		return nil
	}
	return clippyerr.Configurationf("file is not executable: %s", path)
}
