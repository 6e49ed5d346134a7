package manus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

// MaxFileSize caps attachment uploads at 10MB, the upstream limit.
const MaxFileSize = 10 << 20

// FileUpload is the result of a successful upload.
type FileUpload struct {
	FileID   string
	Filename string
	Size     int64
}

type createFileResponse struct {
	ID           string `json:"id"`
	PresignedURL string `json:"presigned_url"`
}

// UploadFile uploads a local file via the two-step flow: create the
// file record, then PUT the bytes to the returned presigned URL.
func (c *Client) UploadFile(ctx context.Context, path string) (FileUpload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileUpload{}, fmt.Errorf("stat upload: %w", err)
	}
	if info.Size() > MaxFileSize {
		return FileUpload{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return FileUpload{}, fmt.Errorf("read upload: %w", err)
	}
	return c.UploadContent(ctx, content, filepath.Base(path))
}

// UploadContent uploads in-memory bytes under the given filename.
func (c *Client) UploadContent(ctx context.Context, content []byte, filename string) (FileUpload, error) {
	if int64(len(content)) > MaxFileSize {
		return FileUpload{}, fmt.Errorf("file too large: %d bytes (max %d)", len(content), MaxFileSize)
	}

	var created createFileResponse
	if err := c.post(ctx, "/v1/files", map[string]string{"filename": filename}, &created); err != nil {
		return FileUpload{}, fmt.Errorf("create file record: %w", err)
	}
	if created.PresignedURL == "" {
		return FileUpload{}, fmt.Errorf("create file record: no presigned URL for %q", filename)
	}

	if err := c.putPresigned(ctx, created.PresignedURL, content); err != nil {
		return FileUpload{}, err
	}

	log.Printf("manus: uploaded %s (%d bytes) as %s", filename, len(content), created.ID)
	return FileUpload{FileID: created.ID, Filename: filename, Size: int64(len(content))}, nil
}

func (c *Client) putPresigned(ctx context.Context, presignedURL string, content []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	res, err := c.transfer.Do(req)
	if err != nil {
		return fmt.Errorf("presigned upload: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return &APIError{StatusCode: res.StatusCode, Detail: "presigned upload rejected"}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// DownloadFile streams an artifact URL into w.
func (c *Client) DownloadFile(ctx context.Context, fileURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create download request: %w", err)
	}
	res, err := c.transfer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return 0, &APIError{StatusCode: res.StatusCode, Detail: "download rejected"}
	}
	n, err := io.Copy(w, res.Body)
	if err != nil {
		return n, fmt.Errorf("download copy: %w", err)
	}
	return n, nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	if err := c.delete(ctx, "/v1/files/"+fileID); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}
