// Package listing formats the directory listing ubidump prints for -l,
// modeled on the classic ls -l layout: a mode string, owner/group, size,
// modification time and path.
package listing

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// fileTypeChar returns the leading character ls -l would print for mode's
// file-type bits.
func fileTypeChar(mode uint32) byte {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return 'd'
	case unix.S_IFLNK:
		return 'l'
	case unix.S_IFBLK:
		return 'b'
	case unix.S_IFCHR:
		return 'c'
	case unix.S_IFIFO:
		return 'p'
	case unix.S_IFSOCK:
		return 's'
	default:
		return '-'
	}
}

// FormatMode renders mode the way ls -l does: a file-type character,
// followed by three rwx triplets, with setuid/setgid/sticky folded into
// the executable-bit position (capitalized when the underlying executable
// bit is unset, as ls does).
func FormatMode(mode uint32) string {
	var b strings.Builder
	b.WriteByte(fileTypeChar(mode))

	triplet := func(r, w, x, special byte, hasSpecial bool, upperIfNoExec byte) {
		if mode&uint32(r) != 0 {
			b.WriteByte('r')
		} else {
			b.WriteByte('-')
		}
		if mode&uint32(w) != 0 {
			b.WriteByte('w')
		} else {
			b.WriteByte('-')
		}
		switch {
		case hasSpecial && mode&uint32(x) != 0:
			b.WriteByte(special)
		case hasSpecial:
			b.WriteByte(upperIfNoExec)
		case mode&uint32(x) != 0:
			b.WriteByte('x')
		default:
			b.WriteByte('-')
		}
	}

	triplet(0400, 0200, 0100, 's', mode&unix.S_ISUID != 0, 'S')
	triplet(0040, 0020, 0010, 's', mode&unix.S_ISGID != 0, 'S')
	triplet(0004, 0002, 0001, 't', mode&unix.S_ISVTX != 0, 'T')

	return b.String()
}

// FormatTime renders a UBIFS timestamp (seconds since the epoch) as
// "YYYY-MM-DD HH:MM:SS" in UTC.
func FormatTime(sec uint64) string {
	return time.Unix(int64(sec), 0).UTC().Format("2006-01-02 15:04:05")
}

const (
	colorDir   = "\033[1;34m"
	colorLink  = "\033[1;36m"
	colorReset = "\033[0m"
)

// Colorize wraps name in ANSI color codes appropriate for mode, but only
// when w is a terminal; otherwise it returns name unchanged, matching how
// coreutils ls decides whether --color=auto actually colors its output.
func Colorize(w *os.File, name string, mode uint32) string {
	if !isatty.IsTerminal(w.Fd()) && !isatty.IsCygwinTerminal(w.Fd()) {
		return name
	}
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return colorDir + name + colorReset
	case unix.S_IFLNK:
		return colorLink + name + colorReset
	default:
		return name
	}
}

// Line formats one -l listing row: mode string, link count, uid, gid, a
// size (or, for device nodes, "major,minor"), the UTC modification time, and
// the path, with a " -> target" suffix for symlinks baked into name by the
// caller.
func Line(mode uint32, nlink, uid, gid uint32, sizeOrDev string, mtimeSec uint64, name string) string {
	return fmt.Sprintf("%s %4d %4d %4d %10s %s %s", FormatMode(mode), nlink, uid, gid, sizeOrDev, FormatTime(mtimeSec), name)
}

// DeviceNumbers decodes a device inode's inline payload (4 bytes, little
// endian) into "major,minor", the way ls -l prints it in the size column.
func DeviceNumbers(data []byte) string {
	if len(data) < 4 {
		return "0,0"
	}
	v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return fmt.Sprintf("%d,%d", (v>>8)&0xfff, v&0xff|((v>>12)&0xfff00))
}
