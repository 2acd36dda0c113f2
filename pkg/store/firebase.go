package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type FirebaseConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Firebase writes to a Realtime Database through its REST interface.
type Firebase struct {
	base   string
	secret string
	client *http.Client
}

func NewFirebase(cfg FirebaseConfig) (*Firebase, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("firebase: url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("firebase: invalid url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Firebase{
		base:   base,
		secret: cfg.Secret,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (f *Firebase) Name() string { return "firebase" }

func (f *Firebase) Patch(ctx context.Context, callID string, fields map[string]any) error {
	return f.do(ctx, http.MethodPatch, "calls/"+url.PathEscape(callID), fields)
}

func (f *Firebase) Append(ctx context.Context, callID, list, key string, value any) error {
	if key == "" {
		return errors.New("firebase: append needs a key")
	}
	path := "calls/" + url.PathEscape(callID) + "/" + url.PathEscape(list) + "/" + url.PathEscape(key)
	return f.do(ctx, http.MethodPut, path, value)
}

func (f *Firebase) do(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := f.base + "/" + path + ".json"
	if f.secret != "" {
		endpoint += "?auth=" + url.QueryEscape(f.secret)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("firebase %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("firebase %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
