package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

// UploadImage uploads an image into the server's input folder. With
// overwrite false the server deduplicates by renaming; the returned name is
// the one the server actually stored.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte, overwrite bool) (*UploadResponse, error) {
	fields := map[string]string{"overwrite": strconv.FormatBool(overwrite)}
	return c.uploadFile(ctx, "/upload/image", filename, data, fields)
}

// UploadMask uploads a mask for a previously uploaded image. originalRef
// names the image the mask applies to.
func (c *Client) UploadMask(ctx context.Context, filename string, data []byte, overwrite bool, originalRef ImageRef) (*UploadResponse, error) {
	refJSON, err := json.Marshal(originalRef)
	if err != nil {
		return nil, fmt.Errorf("comfyui: failed to marshal original_ref: %w", err)
	}

	fields := map[string]string{
		"overwrite":    strconv.FormatBool(overwrite),
		"original_ref": string(refJSON),
	}
	return c.uploadFile(ctx, "/upload/mask", filename, data, fields)
}

// uploadFile sends one multipart upload with the file under the "image"
// form field plus any extra fields
func (c *Client) uploadFile(ctx context.Context, path, filename string, data []byte, fields map[string]string) (*UploadResponse, error) {
	op := "POST " + path

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("comfyui: %s: failed to build form: %w", op, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("comfyui: %s: failed to build form: %w", op, err)
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("comfyui: %s: failed to build form: %w", op, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("comfyui: %s: failed to build form: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(path), &body)
	if err != nil {
		return nil, fmt.Errorf("comfyui: %s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Body: errBody}
	}

	var uploadResp UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return nil, fmt.Errorf("comfyui: %s: failed to decode response: %w", op, err)
	}
	return &uploadResp, nil
}

// SaveImages writes every image in results under dir, preserving the
// server-side subfolder layout
func SaveImages(results ImageResults, dir string) error {
	for _, images := range results {
		for _, img := range images {
			target := filepath.Join(dir, img.Ref.Subfolder, img.Ref.Filename)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("comfyui: failed to create %s: %w", filepath.Dir(target), err)
			}
			if err := os.WriteFile(target, img.Data, 0o644); err != nil {
				return fmt.Errorf("comfyui: failed to write %s: %w", target, err)
			}
		}
	}
	return nil
}
