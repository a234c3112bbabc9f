package utils

import (
	"path/filepath"
	"strings"
	"syscall"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/dustin/go-humanize"
)

// HasEnoughSpace reports whether the filesystem holding path has at least requiredSpace bytes free.
// It returns true when the filesystem cannot be inspected so that a broken statfs never blocks a download.
func HasEnoughSpace(path string, requiredSpace int64) bool {
	if requiredSpace <= 0 {
		return true
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		logutils.Log.WithError(err).WithField("path", path).Warn("Error getting filesystem stats")
		return true
	}
	availableSpace := stat.Bavail * uint64(stat.Bsize)

	logutils.Log.WithFields(map[string]any{
		"path":      path,
		"required":  humanize.IBytes(uint64(requiredSpace)),
		"available": humanize.IBytes(availableSpace),
	}).Debug("Checked free space")

	return availableSpace >= uint64(requiredSpace)
}

// ResolveSavePath joins a user supplied hint under base. The hint is cleaned as if rooted,
// so ".." segments and absolute paths can never escape base.
func ResolveSavePath(base, hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return filepath.Clean(base)
	}
	cleaned := filepath.Clean(string(filepath.Separator) + hint)
	return filepath.Join(base, cleaned)
}

func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func FormatRate(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}
