// Package attachment turns a local file into the opaque {name, url} reference
// a chat message carries. The default encoder produces a base64 data URL,
// which is what the portal stores.
package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/portalchat/chatsync/internal/chat"
	apperrors "github.com/portalchat/chatsync/internal/errors"
)

// DefaultMaxBytes is the client-side ceiling on attachment size (10 MiB).
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// Source is a file the user attached to a draft. Size is known up front so
// the ceiling can be enforced before anything is read or sent.
type Source struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FromPath describes a file on disk.
func FromPath(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, err
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}
	return Source{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// FromBytes describes an in-memory payload.
func FromBytes(name string, data []byte) Source {
	return Source{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// CheckSize returns attachment.too_large when src exceeds limit.
// A limit <= 0 uses DefaultMaxBytes.
func CheckSize(src Source, limit int64) error {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if src.Size > limit {
		return apperrors.AttachmentTooLarge(src.Name, src.Size, limit)
	}
	return nil
}

// Encoder resolves a Source into the reference stored on the message.
type Encoder interface {
	Encode(ctx context.Context, src Source) (chat.Attachment, error)
}

// DataURLEncoder inlines the file as a base64 data URL.
type DataURLEncoder struct {
	// MaxBytes bounds how much is read, even if Source.Size understated it.
	MaxBytes int64
}

// Encode implements Encoder. An unreadable or empty file yields
// attachment.read_failed.
func (e DataURLEncoder) Encode(ctx context.Context, src Source) (chat.Attachment, error) {
	limit := e.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if err := CheckSize(src, limit); err != nil {
		return chat.Attachment{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Attachment{}, apperrors.AttachmentReadFailed(src.Name, err)
	}
	if src.Open == nil {
		return chat.Attachment{}, apperrors.AttachmentReadFailed(src.Name, fmt.Errorf("no reader"))
	}

	rc, err := src.Open()
	if err != nil {
		return chat.Attachment{}, apperrors.AttachmentReadFailed(src.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return chat.Attachment{}, apperrors.AttachmentReadFailed(src.Name, err)
	}
	if int64(len(data)) > limit {
		return chat.Attachment{}, apperrors.AttachmentTooLarge(src.Name, int64(len(data)), limit)
	}
	if len(data) == 0 {
		return chat.Attachment{}, apperrors.AttachmentReadFailed(src.Name, fmt.Errorf("file is empty"))
	}

	return chat.Attachment{
		Name: src.Name,
		URL:  "data:" + ContentType(src.Name, data) + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

// ContentType guesses a MIME type from the file extension, then the content.
func ContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// IsImage reports whether the attachment name looks like an inline image.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}
