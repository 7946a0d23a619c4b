package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		path    string
		wantURL string
		wantErr bool
	}{
		{
			name:    "default path",
			baseURL: "https://surveillx.local:8000",
			wantURL: "https://surveillx.local:8000/api/stream/config",
		},
		{
			name:    "trailing slash",
			baseURL: "http://localhost:8000/",
			wantURL: "http://localhost:8000/api/stream/config",
		},
		{
			name:    "custom path",
			baseURL: "http://localhost:8000",
			path:    "/v2/config",
			wantURL: "http://localhost:8000/v2/config",
		},
		{
			name:    "missing scheme",
			baseURL: "localhost:8000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(ClientConfig{BaseURL: tt.baseURL, Path: tt.path})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if c.endpoint != tt.wantURL {
				t.Errorf("endpoint = %q, want %q", c.endpoint, tt.wantURL)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	var gotAuth string
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != DefaultPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current_mode":"fastrtc","auto_switch":true}`))
	}))
	defer mock.Close()

	c, err := NewClient(ClientConfig{BaseURL: mock.URL, Token: "secret", HTTPClient: mock.Client()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	cfg, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CurrentMode != stream.ModeWebRTC {
		t.Errorf("CurrentMode = %q, want %q", cfg.CurrentMode, stream.ModeWebRTC)
	}
	if !cfg.AutoSwitch {
		t.Error("AutoSwitch = false, want true")
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"current_mode":"hls","auto_switch":false}`))
	}))
	defer mock.Close()

	c, _ := NewClient(ClientConfig{BaseURL: mock.URL, HTTPClient: mock.Client()})
	if _, err := c.Load(context.Background()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestSaveRequestFormat(t *testing.T) {
	var captured *http.Request
	var body []byte
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(r.Context())
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer mock.Close()

	c, _ := NewClient(ClientConfig{BaseURL: mock.URL, HTTPClient: mock.Client()})
	if err := c.Save(context.Background(), Config{CurrentMode: stream.ModeJPEGSocket, AutoSwitch: true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if captured.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", captured.Method)
	}
	if captured.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", captured.Header.Get("Content-Type"))
	}
	if captured.Header.Get("Authorization") != "" {
		t.Errorf("unexpected Authorization header %q", captured.Header.Get("Authorization"))
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got["current_mode"] != "jpegws" || got["auto_switch"] != true {
		t.Errorf("body = %v", got)
	}
}

func TestUnexpectedStatus(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer mock.Close()

	c, _ := NewClient(ClientConfig{BaseURL: mock.URL, HTTPClient: mock.Client()})

	_, err := c.Load(context.Background())
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("Load error = %v, want ErrUnexpectedStatus", err)
	}
	err = c.Save(context.Background(), Config{CurrentMode: stream.ModeWebRTC})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("Save error = %v, want ErrUnexpectedStatus", err)
	}
}
