package apiclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chorus/internal/api"
	"chorus/internal/apiclient"
)

func TestNewEmptyBind(t *testing.T) {
	client, err := apiclient.New("", apiclient.Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if client != nil {
		t.Fatal("expected nil client for empty bind")
	}
	if _, err := client.Status(context.Background()); !errors.Is(err, apiclient.ErrAPIUnavailable) {
		t.Fatalf("expected ErrAPIUnavailable, got %v", err)
	}
}

func TestClientSendsIdentityAndDecodes(t *testing.T) {
	var got *http.Request
	var body api.CreateBatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.BatchResponse{Batch: api.Batch{ID: "b-1", Status: "pending"}, TaskID: "t-1"})
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, apiclient.Options{Token: "tok", User: "ana", Role: "admin"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	resp, err := client.CreateBatch(context.Background(), api.CreateBatchRequest{DateFrom: "2026-01-01", Force: true})
	if err != nil {
		t.Fatalf("CreateBatch error: %v", err)
	}
	if resp.Batch.ID != "b-1" || resp.TaskID != "t-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.Method != http.MethodPost || got.URL.Path != "/api/batches" {
		t.Fatalf("unexpected request %s %s", got.Method, got.URL.Path)
	}
	for header, want := range map[string]string{
		"Authorization": "Bearer tok",
		"X-Chorus-User": "ana",
		"X-Chorus-Role": "admin",
	} {
		if v := got.Header.Get(header); v != want {
			t.Fatalf("header %s: expected %q, got %q", header, want, v)
		}
	}
	if !body.Force || body.DateFrom != "2026-01-01" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestClientStructuredErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/batches":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.InsufficientUnits{Error: "insufficient units", Current: 3, Required: 100})
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(api.DownloadLimit{Error: "download limit reached", ResetTime: "2026-03-11T00:00:00.000Z", DownloadsToday: 5, DailyLimit: 5})
		}
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, apiclient.Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	_, err = client.CreateBatch(context.Background(), api.CreateBatchRequest{})
	var statusErr *apiclient.StatusError
	if !errors.As(err, &statusErr) || statusErr.Insufficient == nil {
		t.Fatalf("expected insufficient-units status error, got %v", err)
	}
	if statusErr.Insufficient.Current != 3 || statusErr.Insufficient.Required != 100 {
		t.Fatalf("unexpected counts: %+v", statusErr.Insufficient)
	}

	_, err = client.DownloadBatch(context.Background(), "b-1", &bytes.Buffer{})
	if !errors.As(err, &statusErr) || statusErr.Limit == nil {
		t.Fatalf("expected download-limit status error, got %v", err)
	}
	if statusErr.Limit.DailyLimit != 5 || statusErr.Message != "download limit reached" {
		t.Fatalf("unexpected limit: %+v", statusErr)
	}
}

func TestDownloadBatchStreamsOrLinks(t *testing.T) {
	payload := []byte("archive-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/batches/remote/download" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(api.DownloadLink{URL: "https://objects.test/x", ExpiresIn: 3600, FileName: "chorus-remote.tar.gz"})
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", `attachment; filename="chorus-local.tar.gz"`)
		w.Header().Set("X-Checksum-SHA256", "abc")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, apiclient.Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	var buf bytes.Buffer
	local, err := client.DownloadBatch(context.Background(), "local", &buf)
	if err != nil {
		t.Fatalf("DownloadBatch local: %v", err)
	}
	if local.Link != nil || local.FileName != "chorus-local.tar.gz" || local.Checksum != "abc" {
		t.Fatalf("unexpected local download: %+v", local)
	}
	if local.Bytes != int64(len(payload)) || !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("unexpected archive bytes: %q", buf.String())
	}

	remote, err := client.DownloadBatch(context.Background(), "remote", &buf)
	if err != nil {
		t.Fatalf("DownloadBatch remote: %v", err)
	}
	if remote.Link == nil || remote.Link.ExpiresIn != 3600 {
		t.Fatalf("unexpected remote download: %+v", remote)
	}
}

func TestIsAPIUnavailable(t *testing.T) {
	if !apiclient.IsAPIUnavailable(apiclient.ErrAPIUnavailable) {
		t.Fatal("expected ErrAPIUnavailable to be unavailable")
	}
	if apiclient.IsAPIUnavailable(errors.New("other")) {
		t.Fatal("did not expect generic error to be unavailable")
	}
}
