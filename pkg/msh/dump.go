package msh

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
)

// FileDumper writes inbound requests and outbound responses to files in
// Dir. Each file starts with the HTTP headers followed by an empty line.
type FileDumper struct {
	Dir string
}

// NewFileDumper creates the directory if needed.
func NewFileDumper(dir string) (*FileDumper, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating dump directory: %w", err)
	}
	return &FileDumper{Dir: dir}, nil
}

// Begin implements IncomingDumper.
func (f *FileDumper) Begin(meta *Metadata, headers http.Header) (io.WriteCloser, error) {
	name := fmt.Sprintf("%s-%s.as4in", meta.ReceivedAt.Format("20060102T150405"), meta.IncomingUniqueID)
	file, err := os.Create(filepath.Join(f.Dir, name))
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(file)
	if err := writeHeaders(w, headers); err != nil {
		file.Close()
		return nil, err
	}
	return &bufferedFile{Writer: w, file: file}, nil
}

// Dump implements OutgoingDumper.
func (f *FileDumper) Dump(meta *Metadata, _ *State, payload *ResponsePayload) error {
	name := fmt.Sprintf("%s-%s.as4out", meta.ReceivedAt.Format("20060102T150405"), meta.IncomingUniqueID)
	file, err := os.Create(filepath.Join(f.Dir, name))
	if err != nil {
		return err
	}
	defer file.Close()

	headers := payload.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", payload.ContentType)

	w := bufio.NewWriter(file)
	if err := writeHeaders(w, headers); err != nil {
		return err
	}
	if _, err := w.Write(payload.Body); err != nil {
		return err
	}
	return w.Flush()
}

func writeHeaders(w io.Writer, headers http.Header) error {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

type bufferedFile struct {
	*bufio.Writer
	file *os.File
}

func (b *bufferedFile) Close() error {
	if err := b.Flush(); err != nil {
		b.file.Close()
		return err
	}
	return b.file.Close()
}
