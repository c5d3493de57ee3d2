// Package compress builds archives from a batch of base64-encoded files.
//
// Every builder is a pure function of its JobSpec: no shared state, no I/O,
// so a builder can be retried or replayed without side effects.
package compress

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DefaultLevel is used when a caller does not request a compression level.
const DefaultLevel = 6

type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar_gz"
)

// ParseFormat matches s case-insensitively against the supported formats.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatZip:
		return FormatZip, nil
	case FormatTarGz:
		return FormatTarGz, nil
	default:
		return "", &UnsupportedFormatError{Format: s}
	}
}

// Extension returns the file extension used for downloads of this format.
func (f Format) Extension() string {
	if f == FormatTarGz {
		return "tar.gz"
	}
	return "zip"
}

// FileItem is one input file. Size is declared by the caller and not checked
// against the decoded content.
type FileItem struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// JobSpec is the immutable input of a compression job.
type JobSpec struct {
	JobID  string     `json:"job_id"`
	Files  []FileItem `json:"files"`
	Format string     `json:"compression_format"`
	Level  int        `json:"compression_level"`
}

// OriginalSize sums the declared sizes of every file.
func (s JobSpec) OriginalSize() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Size
	}
	return total
}

// DecodeError reports a file whose content is not valid base64.
type DecodeError struct {
	FileName string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode file %s: %v", e.FileName, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports a format outside {zip, tar_gz}.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported compression format: %s", e.Format)
}

// DecodeContent returns the raw bytes of a file.
func DecodeContent(f FileItem) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, &DecodeError{FileName: f.Name, Err: err}
	}
	return data, nil
}

// EncodePayload encodes archive bytes for storage and transport.
func EncodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}

// Builder turns a JobSpec into a single archive blob.
type Builder func(spec JobSpec) ([]byte, error)

// BuilderFor returns the archive builder for a parsed format.
func BuilderFor(f Format) (Builder, error) {
	switch f {
	case FormatZip:
		return BuildZipArchive, nil
	case FormatTarGz:
		return BuildConcatenatedGzipArchive, nil
	default:
		return nil, &UnsupportedFormatError{Format: string(f)}
	}
}
