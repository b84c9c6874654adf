package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/textproto"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley-api/internal/models"
)

type storageStub struct {
	uploaded bytes.Buffer
	err      error
}

func (s *storageStub) Upload(_ context.Context, name string, reader io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.uploaded.Reset()
	if _, err := s.uploaded.ReadFrom(reader); err != nil {
		return "", err
	}
	return "https://cdn.example.com/" + name, nil
}

func TestUploadServiceRejectsSize(t *testing.T) {
	svc := NewUploadService(&storageStub{}, 1, zerolog.Nop())

	file := buildFileHeader(t, "big.bin", bytes.Repeat([]byte("a"), 2*1024*1024))

	_, err := svc.Upload(context.Background(), file, models.MessageTypeFile, 0)
	require.ErrorIs(t, err, ErrUploadTooLarge)
}

func TestUploadServiceChecksDeclaredType(t *testing.T) {
	svc := NewUploadService(&storageStub{}, 5, zerolog.Nop())

	file := buildFileHeader(t, "notes.txt", []byte("plain text, not an image"))
	_, err := svc.Upload(context.Background(), file, models.MessageTypePhoto, 0)
	require.ErrorIs(t, err, ErrUploadTypeNotAllowed)

	// The generic file tag accepts the same payload.
	file = buildFileHeader(t, "notes.txt", []byte("plain text, not an image"))
	_, err = svc.Upload(context.Background(), file, models.MessageTypeFile, 0)
	require.NoError(t, err)
}

func TestUploadServiceReturnsReference(t *testing.T) {
	storage := &storageStub{}
	svc := NewUploadService(storage, 5, zerolog.Nop())

	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	file := buildFileHeader(t, "My Photo.PNG", pngHeader)

	reference, err := svc.Upload(context.Background(), file, models.MessageTypePhoto, 0)
	require.NoError(t, err)
	require.Contains(t, reference.URL, "my-photo.png")
	require.Equal(t, "my-photo.png", reference.Name)
	require.EqualValues(t, len(pngHeader), reference.Size)
	require.Contains(t, reference.MimeType, "image/png")
}

func TestUploadServiceWrapsStorageFailure(t *testing.T) {
	storage := &storageStub{err: errors.New("bucket offline")}
	svc := NewUploadService(storage, 5, zerolog.Nop())

	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	file := buildFileHeader(t, "photo.png", pngHeader)

	_, err := svc.Upload(context.Background(), file, models.MessageTypePhoto, 0)
	require.ErrorIs(t, err, ErrUploadFailed)
}

func buildFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"form-data; name=\"file\"; filename=\"" + filename + "\""},
		"Content-Type":        {"application/octet-stream"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	writer.Close()

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content) + 1024))
	require.NoError(t, err)
	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}
