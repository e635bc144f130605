package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/phax/phase4-sub000/pkg/mime"
)

// DefaultMemoryThreshold is the part size above which content is staged
// on disk.
const DefaultMemoryThreshold = 1 << 20

// ErrScopeClosed is returned when staging into a scope that was closed.
var ErrScopeClosed = errors.New("attachment scope closed")

// Attachment is one inbound attachment.
type Attachment struct {
	ContentID       string
	MimeType        string
	CharacterSet    string
	CompressionType string
	Headers         map[string][]string

	data []byte
	path string
	size int64
}

// NewInMemory creates an attachment from bytes.
func NewInMemory(contentID, mimeType string, data []byte) *Attachment {
	return &Attachment{
		ContentID: mime.NormalizeContentID(contentID),
		MimeType:  mimeType,
		data:      data,
		size:      int64(len(data)),
	}
}

// Size returns the content length in bytes.
func (a *Attachment) Size() int64 {
	return a.size
}

// Staged reports whether the content lives in a temporary file.
func (a *Attachment) Staged() bool {
	return a.path != ""
}

// Open returns a reader over the content. It may be called repeatedly.
func (a *Attachment) Open() (io.ReadCloser, error) {
	if a.path == "" {
		return io.NopCloser(bytes.NewReader(a.data)), nil
	}
	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("opening staged attachment %s: %w", a.ContentID, err)
	}
	return f, nil
}

// Bytes reads the whole content.
func (a *Attachment) Bytes() ([]byte, error) {
	if a.path == "" {
		return a.data, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("reading staged attachment %s: %w", a.ContentID, err)
	}
	return data, nil
}

// Replace swaps the content, e.g. after decompression. Replaced content
// is always held in memory.
func (a *Attachment) Replace(data []byte) {
	a.data = data
	a.path = ""
	a.size = int64(len(data))
}

// Scope owns the temporary resources of one message. It is safe for
// concurrent use so an async task can close it.
type Scope struct {
	mu      sync.Mutex
	closed  bool
	cleanup []func() error
	logger  *slog.Logger
}

// NewScope creates an open scope.
func NewScope() *Scope {
	return &Scope{logger: slog.Default()}
}

// Add registers a cleanup function. Cleanups run in reverse order.
func (s *Scope) Add(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrScopeClosed
	}
	s.cleanup = append(s.cleanup, fn)
	return nil
}

// Close runs every cleanup once. Errors are logged and the first one is
// returned.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fns := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	var first error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			s.logger.Warn("scope cleanup failed", slog.String("error", err.Error()))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Factory creates attachments from MIME parts.
type Factory interface {
	Create(part *mime.Part, scope *Scope) (*Attachment, error)
}

// FileFactory keeps parts up to MemoryThreshold bytes in memory and stages
// larger ones in Dir.
type FileFactory struct {
	MemoryThreshold int64
	// Dir is the staging directory; empty means os.TempDir.
	Dir string
}

// NewFactory returns a FileFactory with default settings.
func NewFactory() *FileFactory {
	return &FileFactory{MemoryThreshold: DefaultMemoryThreshold}
}

// Create reads the part body and returns the attachment.
func (f *FileFactory) Create(part *mime.Part, scope *Scope) (*Attachment, error) {
	att := &Attachment{
		ContentID: part.ContentID,
		Headers:   part.Header,
	}
	att.MimeType, att.CharacterSet = splitContentType(part.ContentType)

	threshold := f.MemoryThreshold
	if threshold <= 0 {
		threshold = DefaultMemoryThreshold
	}

	head, err := io.ReadAll(io.LimitReader(part.Body, threshold+1))
	if err != nil {
		return nil, fmt.Errorf("reading part %s: %w", part.ContentID, err)
	}
	if int64(len(head)) <= threshold {
		att.data = head
		att.size = int64(len(head))
		return att, nil
	}

	tmp, err := os.CreateTemp(f.Dir, "as4-att-*")
	if err != nil {
		return nil, fmt.Errorf("staging part %s: %w", part.ContentID, err)
	}
	path := tmp.Name()
	if err := scope.Add(func() error { return os.Remove(path) }); err != nil {
		tmp.Close()
		os.Remove(path)
		return nil, err
	}

	n, err := io.Copy(tmp, io.MultiReader(bytes.NewReader(head), part.Body))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("staging part %s: %w", part.ContentID, err)
	}
	att.path = path
	att.size = n
	return att, nil
}

func splitContentType(ct string) (string, string) {
	mediaType, charset := ct, ""
	if i := strings.Index(ct, ";"); i >= 0 {
		mediaType = ct[:i]
		for _, param := range strings.Split(ct[i+1:], ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(k, "charset") {
				charset = strings.Trim(v, `"`)
			}
		}
	}
	return strings.TrimSpace(mediaType), charset
}
