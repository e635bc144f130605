package attachment

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/pkg/mime"
)

func TestFactory_InMemory(t *testing.T) {
	f := NewFactory()
	scope := NewScope()
	defer scope.Close()

	att, err := f.Create(&mime.Part{
		ContentID:   "part-1@x",
		ContentType: `text/plain; charset="ISO-8859-1"`,
		Body:        strings.NewReader("hello"),
	}, scope)
	require.NoError(t, err)

	assert.False(t, att.Staged())
	assert.Equal(t, "text/plain", att.MimeType)
	assert.Equal(t, "ISO-8859-1", att.CharacterSet)
	assert.EqualValues(t, 5, att.Size())

	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFactory_StagesLargeParts(t *testing.T) {
	f := &FileFactory{MemoryThreshold: 8, Dir: t.TempDir()}
	scope := NewScope()

	content := bytes.Repeat([]byte("a"), 64)
	att, err := f.Create(&mime.Part{
		ContentID:   "big@x",
		ContentType: "application/octet-stream",
		Body:        bytes.NewReader(content),
	}, scope)
	require.NoError(t, err)
	require.True(t, att.Staged())
	assert.EqualValues(t, 64, att.Size())

	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, content, data)

	path := att.path
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, scope.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestScope_CloseOnce(t *testing.T) {
	scope := NewScope()
	var order []int
	require.NoError(t, scope.Add(func() error { order = append(order, 1); return nil }))
	require.NoError(t, scope.Add(func() error { order = append(order, 2); return errors.New("x") }))

	assert.Error(t, scope.Close())
	assert.NoError(t, scope.Close())
	assert.Equal(t, []int{2, 1}, order)
	assert.ErrorIs(t, scope.Add(func() error { return nil }), ErrScopeClosed)
}

func TestAttachment_Replace(t *testing.T) {
	att := NewInMemory("<a@b>", "application/gzip", []byte{1, 2})
	assert.Equal(t, "a@b", att.ContentID)
	att.Replace([]byte("plain"))
	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "plain", string(data))
	assert.EqualValues(t, 5, att.Size())
}
