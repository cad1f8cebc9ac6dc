// Package placement provisions dedicated session workers on an external
// orchestration service. When no provisioner is configured, sessions run on
// the shared worker pool and the handle stays empty.
package placement

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

type Provisioner struct {
	config Config
	http   *resty.Client
}

func New() *Provisioner {
	config := GetConfig()

	p := &Provisioner{config: config}
	if config.BaseURL != "" {
		p.http = resty.New().
			SetBaseURL(config.BaseURL).
			SetTimeout(config.Timeout).
			SetRetryCount(2)
		if config.AuthToken != "" {
			p.http.SetAuthToken(config.AuthToken)
		}
	}
	return p
}

// Enabled reports whether an external provisioner is configured.
func (p *Provisioner) Enabled() bool {
	return p.http != nil
}

// Spawn requests a dedicated worker for the session and returns its handle.
// Returns an empty handle when provisioning is disabled.
func (p *Provisioner) Spawn(ctx context.Context, uid, sessionID string) (string, error) {
	if p.http == nil {
		return "", nil
	}

	var result struct {
		Handle string `json:"handle"`
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"user_id": uid, "session_id": sessionID}).
		SetResult(&result).
		Post("/workers")
	if err != nil {
		return "", fmt.Errorf("failed to provision worker: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("worker provisioning rejected: %s", resp.Status())
	}

	logger.WithFields(logger.Fields{
		"uid":        uid,
		"session_id": sessionID,
		"handle":     result.Handle,
	}).Info("[placement] worker provisioned")

	return result.Handle, nil
}

// Release tears down a provisioned worker. Best effort: an already-gone
// worker is not an error.
func (p *Provisioner) Release(ctx context.Context, handle string) error {
	if p.http == nil || handle == "" {
		return nil
	}

	resp, err := p.http.R().
		SetContext(ctx).
		Delete("/workers/" + handle)
	if err != nil {
		return fmt.Errorf("failed to release worker: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("worker release rejected: %s", resp.Status())
	}
	return nil
}
