package sandbox

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrArchiveTooLarge is returned when extracted content exceeds the limit.
var ErrArchiveTooLarge = errors.New("additional files exceed extract size limit")

// ExtractTarToDir extracts tar.gz data into destDir. Absolute paths,
// traversal outside destDir and non-regular entries are rejected, and the
// total extracted size is capped at maxBytes when it is positive.
func ExtractTarToDir(fs FileSystem, tarData []byte, destDir string, maxBytes int64) error {
	gzipReader, err := gzip.NewReader(bytes.NewReader(tarData))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	root := filepath.Clean(destDir) + string(filepath.Separator)

	var total int64
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		if filepath.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}
		cleanName := filepath.Clean(header.Name)
		if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}
		filePath := filepath.Join(destDir, cleanName)
		if !strings.HasPrefix(filePath+string(filepath.Separator), root) {
			return fmt.Errorf("invalid file path in tar: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(filePath, BoxPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			total += header.Size
			if maxBytes > 0 && total > maxBytes {
				return ErrArchiveTooLarge
			}
			if err := fs.MkdirAll(filepath.Dir(filePath), BoxPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}
			content := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, content); err != nil {
				return fmt.Errorf("failed to read file content: %w", err)
			}
			if err := fs.WriteFile(filePath, content, BoxFilePermission); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}

	return nil
}
