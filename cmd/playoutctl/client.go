package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"playout/internal/playout"
)

// apiClient speaks the daemon's JSON API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, hc *http.Client) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: hc}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(b, &payload)
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *apiClient) Timeline(ctx context.Context) (playout.TimelineResponse, error) {
	var resp playout.TimelineResponse
	err := c.doJSON(ctx, http.MethodGet, "/timeline", nil, &resp)
	return resp, err
}

func (c *apiClient) Place(ctx context.Context, req playout.PlaceRequest) (playout.Entry, error) {
	var entry playout.Entry
	err := c.doJSON(ctx, http.MethodPost, "/timeline", req, &entry)
	return entry, err
}

func (c *apiClient) Move(ctx context.Context, id playout.EntryID, start, zone string) (playout.Entry, error) {
	var entry playout.Entry
	body := map[string]string{"start": start, "time_zone": zone}
	err := c.doJSON(ctx, http.MethodPut, "/timeline/"+strconv.FormatInt(int64(id), 10), body, &entry)
	return entry, err
}

func (c *apiClient) Remove(ctx context.Context, id playout.EntryID) error {
	return c.doJSON(ctx, http.MethodDelete, "/timeline/"+strconv.FormatInt(int64(id), 10), nil, nil)
}

func (c *apiClient) Assets(ctx context.Context) ([]playout.Asset, error) {
	var assets []playout.Asset
	err := c.doJSON(ctx, http.MethodGet, "/assets", nil, &assets)
	return assets, err
}

// Upload streams the file at path as a multipart form.
func (c *apiClient) Upload(ctx context.Context, req playout.UploadRequest, path string) (playout.Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return playout.Asset{}, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, req, filepath.Base(path), f))
	}()

	var asset playout.Asset
	err = c.do(ctx, http.MethodPost, "/assets", mw.FormDataContentType(), pr, &asset)
	_ = pr.Close()
	return asset, err
}

func writeUploadForm(mw *multipart.Writer, req playout.UploadRequest, filename string, media io.Reader) error {
	fields := [][2]string{
		{"name", req.Name},
		{"format", req.Format},
		{"media_type", string(req.MediaType)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("media", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, media); err != nil {
		return err
	}
	return mw.Close()
}

func (c *apiClient) RetireAsset(ctx context.Context, key playout.AssetKey) error {
	path := "/assets/" + url.PathEscape(key.Name) + "/" + url.PathEscape(key.Format)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *apiClient) Sweep(ctx context.Context) (playout.SweepReport, error) {
	var report playout.SweepReport
	err := c.doJSON(ctx, http.MethodPost, "/sweep", nil, &report)
	return report, err
}

func (c *apiClient) Reconcile(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/reconcile", nil, nil)
}

func (c *apiClient) Output(ctx context.Context) (playout.OutputState, error) {
	var state playout.OutputState
	err := c.doJSON(ctx, http.MethodGet, "/output", nil, &state)
	return state, err
}
