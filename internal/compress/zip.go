package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// BuildZipArchive writes every file as its own deflated entry, named by FileItem.Name.
func BuildZipArchive(spec JobSpec) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	level := spec.Level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	for _, f := range spec.Files {
		content, err := DecodeContent(f)
		if err != nil {
			return nil, err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("creating zip entry %s: %w", f.Name, err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("writing zip entry %s: %w", f.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing zip archive: %w", err)
	}
	return buf.Bytes(), nil
}
