package scan

import (
	"fmt"
	"io/fs"
	"os"
)

// Fingerprint identifies a file's content state for scan-result reuse.
// It is derived from the canonical real path plus size and modification
// time rather than a content hash, so no unscanned bytes are read before
// a verdict exists. Two files with an identical fingerprint are assumed
// identical in content for caching purposes.
type Fingerprint struct {
	Path    string
	Size    int64
	MtimeNS int64
}

// FingerprintOf builds a fingerprint from a path and its stat result.
func FingerprintOf(path string, info fs.FileInfo) Fingerprint {
	return Fingerprint{
		Path:    path,
		Size:    info.Size(),
		MtimeNS: info.ModTime().UnixNano(),
	}
}

// FingerprintPath stats path and builds its fingerprint.
func FingerprintPath(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, err
	}
	return FingerprintOf(path, info), nil
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s@%d:%d", f.Path, f.Size, f.MtimeNS)
}
