package infra

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BuildLambdaPackage zips the compiled backup binary as the executable
// "bootstrap" the provided runtimes start.
func BuildLambdaPackage(binaryPath string) ([]byte, error) {
	f, err := os.Open(filepath.Clean(binaryPath))
	if err != nil {
		return nil, fmt.Errorf("opening backup binary (build it with GOOS=linux go build -o %s ./cmd/backup-lambda): %w", binaryPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	header := &zip.FileHeader{Name: LambdaHandler, Method: zip.Deflate}
	header.SetMode(0o755)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return nil, fmt.Errorf("creating package entry: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return nil, fmt.Errorf("writing package entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finishing package: %w", err)
	}
	return buf.Bytes(), nil
}
