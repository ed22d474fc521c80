// Package binvalidate classifies a target executable by its on-disk
// bytes: ELF/Mach-O magic for the native perf fallback, and a .NET
// file-type heuristic for dotnet-trace's extensionless-launcher case.
package binvalidate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Format is the detected binary container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatMachOFat
)

var (
	elfMagic        = []byte{0x7f, 'E', 'L', 'F'}
	machO32Magic    = []byte{0xfe, 0xed, 0xfa, 0xce}
	machO32MagicRev = []byte{0xce, 0xfa, 0xed, 0xfe}
	machO64Magic    = []byte{0xfe, 0xed, 0xfa, 0xcf}
	machO64MagicRev = []byte{0xcf, 0xfa, 0xed, 0xfe}
	machOFatMagic   = []byte{0xca, 0xfe, 0xba, 0xbe}
)

// DetectFormat reads the leading bytes of path and classifies its
// container format, erroring only on I/O failure — an unrecognized
// magic is FormatUnknown, not an error.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := f.Read(header)
	if err != nil || n < 4 {
		return FormatUnknown, nil
	}

	switch {
	case bytes.Equal(header, elfMagic):
		return FormatELF, nil
	case bytes.Equal(header, machO32Magic), bytes.Equal(header, machO32MagicRev),
		bytes.Equal(header, machO64Magic), bytes.Equal(header, machO64MagicRev):
		return FormatMachO, nil
	case bytes.Equal(header, machOFatMagic):
		return FormatMachOFat, nil
	default:
		return FormatUnknown, nil
	}
}

// dotnetSizeCapBytes bounds how much of a large binary is scanned for
// the DOTNET_BUNDLE marker, since a full-file scan is expensive.
// 8MiB comfortably covers the apphost header region bundling tools
// write the marker into.
const dotnetSizeCapBytes = 8 << 20

var dotnetMarkers = [][]byte{
	[]byte("DOTNET_BUNDLE"),
	[]byte("hostfxr"),
	[]byte("hostpolicy"),
}

// LooksLikeDotnetLauncher implements a .NET file-type heuristic for an
// extensionless launcher: an embedded bundle marker, or a reference to
// the hostfxr/hostpolicy resolver, anywhere in the first
// dotnetSizeCapBytes of the file.
func LooksLikeDotnetLauncher(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("statting %s: %w", path, err)
	}
	size := info.Size()
	if size > dotnetSizeCapBytes {
		size = dotnetSizeCapBytes
	}
	buf := make([]byte, size)
	if _, err := f.Read(buf); err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	for _, marker := range dotnetMarkers {
		if bytes.Contains(buf, marker) {
			return true, nil
		}
	}
	return false, nil
}

// HasDotnetSidecars reports whether <path-without-ext>.runtimeconfig.json
// or .deps.json exists next to path, the other half of extensionless-launcher detection.
func HasDotnetSidecars(pathWithoutExt string) bool {
	for _, suffix := range []string{".runtimeconfig.json", ".deps.json"} {
		if _, err := os.Stat(pathWithoutExt + suffix); err == nil {
			return true
		}
	}
	return false
}

// IsExecutableFile reports whether path exists, is a regular file, and
// has at least one execute bit set — used to validate a macOS .app
// bundle's CFBundleExecutable.
func IsExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// fatArchCount is exposed for tests that want to sanity-check a
// universal Mach-O header without pulling in debug/macho.
func fatArchCount(header []byte) (uint32, bool) {
	if len(header) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint32(header[4:8]), true
}
