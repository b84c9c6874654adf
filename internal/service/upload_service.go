package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/observability"
)

var (
	// ErrUploadFailed indicates the binary store was unavailable; the
	// send aborts before any persistence attempt.
	ErrUploadFailed = errors.New("binary storage upload failed")
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the detected MIME type does not
	// match the declared message type.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed for message type")
)

// FileStorage abstracts the binary store behind the upload path.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// UploadService validates a media payload and stores it out of band,
// producing the file reference attached to the message.
type UploadService interface {
	Upload(ctx context.Context, file *multipart.FileHeader, messageType models.MessageType, durationSec float64) (dto.FileReference, error)
}

type uploadService struct {
	storage FileStorage
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewUploadService constructs an upload service.
func NewUploadService(storage FileStorage, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 25
	}
	return &uploadService{
		storage: storage,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/parley-chat/parley-api/internal/service/upload"),
	}
}

func (s *uploadService) Upload(ctx context.Context, file *multipart.FileHeader, messageType models.MessageType, durationSec float64) (dto.FileReference, error) {
	ctx, span := s.tracer.Start(ctx, "upload.store")
	defer span.End()

	start := time.Now()
	defer func() {
		observability.UploadLatency().Observe(time.Since(start).Seconds())
	}()

	if file == nil {
		err := errors.New("file is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return dto.FileReference{}, err
	}

	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
		attribute.String("upload.message_type", string(messageType)),
	)

	if file.Size > s.maxSize {
		observability.UploadRejected().WithLabelValues("size").Inc()
		span.RecordError(ErrUploadTooLarge)
		span.SetStatus(codes.Error, "payload too large")
		return dto.FileReference{}, ErrUploadTooLarge
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return dto.FileReference{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.FileReference{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		observability.UploadRejected().WithLabelValues("size").Inc()
		span.RecordError(ErrUploadTooLarge)
		span.SetStatus(codes.Error, "payload too large")
		return dto.FileReference{}, ErrUploadTooLarge
	}

	detected := mimetype.Detect(buf.Bytes()).String()
	span.SetAttributes(attribute.String("upload.detected_mime", detected))
	if !mimeMatchesType(detected, messageType) {
		observability.UploadRejected().WithLabelValues("type").Inc()
		span.RecordError(ErrUploadTypeNotAllowed)
		span.SetStatus(codes.Error, "type not allowed")
		return dto.FileReference{}, fmt.Errorf("%w: %s is not %s", ErrUploadTypeNotAllowed, detected, messageType)
	}

	name := sanitizeFileName(file.Filename)
	url, err := s.storage.Upload(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		observability.UploadRejected().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		return dto.FileReference{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	observability.UploadRequests().WithLabelValues(detected).Inc()
	span.SetStatus(codes.Ok, "stored")

	return dto.FileReference{
		URL:         url,
		Name:        name,
		Size:        int64(buf.Len()),
		MimeType:    detected,
		DurationSec: durationSec,
	}, nil
}

// mimeMatchesType checks the declared type tag against the sniffed MIME
// type. The generic file tag accepts anything; the media tags must
// agree with the payload.
func mimeMatchesType(mime string, messageType models.MessageType) bool {
	switch messageType {
	case models.MessageTypePhoto:
		return strings.HasPrefix(mime, "image/")
	case models.MessageTypeVideo:
		return strings.HasPrefix(mime, "video/")
	case models.MessageTypeAudio:
		return strings.HasPrefix(mime, "audio/")
	case models.MessageTypeFile:
		return mime != ""
	default:
		return false
	}
}

func sanitizeFileName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("upload-%d", time.Now().Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	return base + ext
}
