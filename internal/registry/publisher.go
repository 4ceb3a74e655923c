// Package registry publishes built image artifacts to a remote registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"caravel/internal/pipeline"

	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// PushAPI is the slice of the Docker client the publisher needs.
type PushAPI interface {
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// Credentials authenticate pushes against the registry. The token is
// supplied out-of-band (pipeline secret), never from the repository.
type Credentials struct {
	Server   string
	Username string
	Token    string
}

// Publisher pushes artifacts with a bounded retry budget. Auth rejections
// and network failures both back off and retry; once the budget is spent
// the stage fails and the deploy stage never runs.
type Publisher struct {
	api      PushAPI
	creds    Credentials
	attempts int
	backoff  time.Duration
}

var _ pipeline.Publisher = (*Publisher)(nil)

func NewPublisher(api PushAPI, creds Credentials) *Publisher {
	return &Publisher{
		api:      api,
		creds:    creds,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
}

// WithRetry overrides the retry budget. attempts < 1 means a single try.
func (p *Publisher) WithRetry(attempts int, backoff time.Duration) *Publisher {
	if attempts < 1 {
		attempts = 1
	}
	p.attempts = attempts
	p.backoff = backoff
	return p
}

func (p *Publisher) Push(ctx context.Context, artifact pipeline.ImageArtifact) error {
	stage := pipeline.StageName(pipeline.StagePublish, artifact.Component)

	auth, err := registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
		Username:      p.creds.Username,
		Password:      p.creds.Token,
		ServerAddress: p.creds.Server,
	})
	if err != nil {
		return pipeline.Errorf(stage, pipeline.ErrorKindAuth, "encode registry credentials: %v", err)
	}

	backoff := p.backoff
	var lastErr *pipeline.StageError
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := p.pushOnce(ctx, artifact.Ref, auth)
		if err == nil {
			slog.Info("image pushed", "ref", artifact.Ref, "attempt", attempt)
			return nil
		}

		lastErr = &pipeline.StageError{Stage: stage, Kind: classifyPushError(err), Message: err.Error()}
		if !lastErr.Kind.Retryable() || attempt == p.attempts {
			break
		}

		slog.Warn("push failed, backing off",
			"ref", artifact.Ref, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return &pipeline.StageError{Stage: stage, Kind: lastErr.Kind, Message: ctx.Err().Error()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (p *Publisher) pushOnce(ctx context.Context, ref, auth string) error {
	rc, err := p.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode push output: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
	}
}

// classifyPushError separates credential rejections from registry
// availability trouble. The daemon reports both through the same stream, so
// classification is by message.
func classifyPushError(err error) pipeline.ErrorKind {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unauthorized", "authentication required", "access denied", "denied: ", "forbidden"} {
		if strings.Contains(msg, marker) {
			return pipeline.ErrorKindAuth
		}
	}
	return pipeline.ErrorKindPush
}
