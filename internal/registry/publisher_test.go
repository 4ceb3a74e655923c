package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"caravel/internal/pipeline"

	"github.com/docker/docker/api/types/image"
)

type pushAPIStub struct {
	// one entry per attempt; the last entry repeats
	streams []string
	errs    []error

	attempts int
	gotRef   string
	gotAuth  string
}

func (s *pushAPIStub) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	i := s.attempts
	s.attempts++
	s.gotRef = ref
	s.gotAuth = options.RegistryAuth

	if len(s.errs) > 0 {
		if i >= len(s.errs) {
			i = len(s.errs) - 1
		}
		if err := s.errs[i]; err != nil {
			return nil, err
		}
	}
	stream := ""
	if len(s.streams) > 0 {
		j := i
		if j >= len(s.streams) {
			j = len(s.streams) - 1
		}
		stream = s.streams[j]
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func testArtifact() pipeline.ImageArtifact {
	return pipeline.ImageArtifact{
		Component: pipeline.ComponentBackend,
		Ref:       "registry.example.com/app-backend:abc123",
		Tag:       "abc123",
	}
}

func testCreds() Credentials {
	return Credentials{Server: "registry.example.com", Username: "deployer", Token: "s3cret"}
}

func TestPublisher_PushSucceeds(t *testing.T) {
	api := &pushAPIStub{streams: []string{`{"status":"Pushed"}` + "\n"}}
	publisher := NewPublisher(api, testCreds())

	if err := publisher.Push(context.Background(), testArtifact()); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if api.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", api.attempts)
	}
	if api.gotRef != "registry.example.com/app-backend:abc123" {
		t.Fatalf("pushed ref = %q", api.gotRef)
	}

	// The credentials ride in the X-Registry-Auth header payload.
	decoded, err := base64.URLEncoding.DecodeString(api.gotAuth)
	if err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	var auth struct {
		Username      string `json:"username"`
		Password      string `json:"password"`
		ServerAddress string `json:"serveraddress"`
	}
	if err := json.Unmarshal(decoded, &auth); err != nil {
		t.Fatalf("unmarshal auth: %v", err)
	}
	if auth.Username != "deployer" || auth.Password != "s3cret" || auth.ServerAddress != "registry.example.com" {
		t.Fatalf("auth payload = %+v", auth)
	}
}

func TestPublisher_RetriesThenSucceeds(t *testing.T) {
	api := &pushAPIStub{
		errs:    []error{errors.New("connection reset by peer"), errors.New("connection reset by peer"), nil},
		streams: []string{"", "", `{"status":"Pushed"}` + "\n"},
	}
	publisher := NewPublisher(api, testCreds()).WithRetry(3, time.Millisecond)

	if err := publisher.Push(context.Background(), testArtifact()); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if api.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", api.attempts)
	}
}

func TestPublisher_RetryBudgetExhausted(t *testing.T) {
	api := &pushAPIStub{errs: []error{errors.New("connection reset by peer")}}
	publisher := NewPublisher(api, testCreds()).WithRetry(3, time.Millisecond)

	err := publisher.Push(context.Background(), testArtifact())
	if err == nil {
		t.Fatal("Push() did not fail after exhausting retries")
	}
	if api.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", api.attempts)
	}

	var se *pipeline.StageError
	if !errors.As(err, &se) {
		t.Fatalf("Push() error = %T, want *pipeline.StageError", err)
	}
	if se.Kind != pipeline.ErrorKindPush {
		t.Fatalf("error kind = %v, want %v", se.Kind, pipeline.ErrorKindPush)
	}
	if se.Stage != "publish/backend" {
		t.Fatalf("error stage = %q, want %q", se.Stage, "publish/backend")
	}
}

func TestPublisher_AuthErrorClassified(t *testing.T) {
	api := &pushAPIStub{
		streams: []string{`{"errorDetail":{"message":"unauthorized: authentication required"},"error":"unauthorized: authentication required"}` + "\n"},
	}
	publisher := NewPublisher(api, testCreds()).WithRetry(2, time.Millisecond)

	err := publisher.Push(context.Background(), testArtifact())
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		t.Fatalf("Push() error = %T, want *pipeline.StageError", err)
	}
	if se.Kind != pipeline.ErrorKindAuth {
		t.Fatalf("error kind = %v, want %v", se.Kind, pipeline.ErrorKindAuth)
	}
	// Auth rejections are retryable: tokens can be refreshed out-of-band.
	if api.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", api.attempts)
	}
}

func TestPublisher_ContextCanceledDuringBackoff(t *testing.T) {
	api := &pushAPIStub{errs: []error{errors.New("connection reset by peer")}}
	publisher := NewPublisher(api, testCreds()).WithRetry(5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := publisher.Push(ctx, testArtifact())
	if err == nil {
		t.Fatal("Push() did not fail on cancellation")
	}
	if api.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", api.attempts)
	}
}

func TestClassifyPushError(t *testing.T) {
	cases := []struct {
		msg  string
		want pipeline.ErrorKind
	}{
		{"unauthorized: access to the requested resource is not authorized", pipeline.ErrorKindAuth},
		{"denied: requested access to the resource is denied", pipeline.ErrorKindAuth},
		{"Forbidden", pipeline.ErrorKindAuth},
		{"connection reset by peer", pipeline.ErrorKindPush},
		{"manifest blob upload failed", pipeline.ErrorKindPush},
	}
	for _, tc := range cases {
		if got := classifyPushError(errors.New(tc.msg)); got != tc.want {
			t.Fatalf("classifyPushError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}
