package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// HTTPUploader posts finished artifacts to the CRM's recording endpoint as
// multipart form data.
type HTTPUploader struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewHTTPUploader creates an uploader for the given base URL. apiKey may be
// empty when the endpoint is unauthenticated.
func NewHTTPUploader(baseURL, apiKey string) *HTTPUploader {
	return &HTTPUploader{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Upload implements Uploader. The request carries the audio blob in the
// "recording" field plus the call metadata fields.
func (u *HTTPUploader) Upload(ctx context.Context, a Artifact) error {
	f, err := os.Open(a.FilePath)
	if err != nil {
		return fmt.Errorf("opening recording file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("recording", filepath.Base(a.FilePath))
	if err != nil {
		return fmt.Errorf("creating multipart file field: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copying recording data: %w", err)
	}

	fields := map[string]string{
		"callLogId":       a.Metadata.CallLogID,
		"customerId":      a.Metadata.CustomerID,
		"campaignId":      a.Metadata.CampaignID,
		"customerName":    a.Metadata.CustomerName,
		"agentName":       a.Metadata.AgentName,
		"phoneNumber":     a.Metadata.PhoneNumber,
		"durationSeconds": strconv.Itoa(a.Metadata.DurationSeconds),
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("writing multipart field %s: %w", name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/call-recordings", &body)
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.apiKey != "" {
		req.Header.Set("X-API-Key", u.apiKey)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending upload request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("recording upload returned status %d", resp.StatusCode)
	}
	return nil
}
