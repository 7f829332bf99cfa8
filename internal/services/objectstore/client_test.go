package objectstore_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"chorus/internal/config"
	"chorus/internal/services/objectstore"
)

func TestKey(t *testing.T) {
	tests := map[string]string{
		"":            "batch.tar.gz",
		"exports":     "exports/batch.tar.gz",
		"/exports/a/": "exports/a/batch.tar.gz",
	}
	for prefix, want := range tests {
		if got := objectstore.Key(prefix, "batch.tar.gz"); got != want {
			t.Errorf("Key(%q) = %q, want %q", prefix, got, want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("connection reset"), false},
		{"denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, true},
		{"bad request", minio.ErrorResponse{Code: "InvalidArgument", StatusCode: http.StatusBadRequest}, true},
		{"throttled", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusTooManyRequests}, false},
		{"server", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := objectstore.IsPermanent(tt.err); got != tt.want {
				t.Fatalf("IsPermanent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := objectstore.New(config.Remote{Bucket: "b"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	client, err := objectstore.New(config.Remote{Endpoint: "objects.test:9000", Bucket: "b", AccessKey: "a", SecretKey: "s"})
	if err != nil || client == nil {
		t.Fatalf("New: %v", err)
	}
}
