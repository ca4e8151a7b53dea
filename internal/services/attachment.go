package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// FileAttachment is an image on the local disk.
type FileAttachment struct {
	Path string
}

func (f FileAttachment) Name() string {
	return filepath.Base(f.Path)
}

// Read returns the file contents as a data URL.
func (f FileAttachment) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("error reading %s: %w", f.Path, err)
	}
	return dataURL(data), nil
}

// BytesAttachment is an image already held in memory, such as an uploaded file.
type BytesAttachment struct {
	Filename string
	Data     []byte
}

func (b BytesAttachment) Name() string {
	return b.Filename
}

// Read returns the bytes as a data URL.
func (b BytesAttachment) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(b.Data) == 0 {
		return "", fmt.Errorf("attachment %s is empty", b.Filename)
	}
	return dataURL(b.Data), nil
}

func dataURL(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}
