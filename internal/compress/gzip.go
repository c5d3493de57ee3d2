package compress

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// BuildConcatenatedGzipArchive concatenates, in input order, a "--- name ---"
// delimiter line, the raw file bytes and a blank line for every file, and
// gzips the result. The output is not a tar stream.
func BuildConcatenatedGzipArchive(spec JobSpec) ([]byte, error) {
	var combined bytes.Buffer
	for _, f := range spec.Files {
		content, err := DecodeContent(f)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&combined, "--- %s ---\n", f.Name)
		combined.Write(content)
		combined.WriteString("\n\n")
	}

	var out bytes.Buffer
	gw, err := gzip.NewWriterLevel(&out, spec.Level)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(combined.Bytes()); err != nil {
		return nil, fmt.Errorf("writing gzip stream: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip stream: %w", err)
	}
	return out.Bytes(), nil
}
