package storage

import (
	"github.com/google/uuid"
)

// GenerateTempName returns a unique name for an in-progress upload
func GenerateTempName() string {
	return ".upload-" + uuid.NewString() + ".tmp"
}

// sizeWriter counts the bytes written through it
type sizeWriter struct {
	size int64
}

// Write implements io.Writer
func (sw *sizeWriter) Write(p []byte) (int, error) {
	sw.size += int64(len(p))
	return len(p), nil
}

// Size returns the total number of bytes written
func (sw *sizeWriter) Size() int64 {
	return sw.size
}

// NewSizeWriter creates a new sizeWriter
func NewSizeWriter() *sizeWriter {
	return &sizeWriter{}
}
