package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"strconv"

	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

func formatUploadLimit(bytes int64) string {
	const mb = 1024 * 1024
	if bytes <= 0 {
		return "0MB"
	}
	value := bytes / mb
	if value <= 0 {
		value = 1
	}
	return strconv.FormatInt(value, 10) + "MB"
}

// readUpload loads a multipart file, refusing anything above limit bytes.
func readUpload(file *multipart.FileHeader, limit int64) ([]byte, error) {
	if limit > 0 && file.Size > limit {
		return nil, appErr.NewValidation("file", "file exceeds %s", formatUploadLimit(limit))
	}
	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, appErr.NewValidation("file", "file exceeds %s", formatUploadLimit(limit))
	}
	return data, nil
}
