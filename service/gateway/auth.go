package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Authenticator decides whether a request may act for its account.
type Authenticator interface {
	Authenticate(ctx context.Context, req Request) error
}

// AllowAll accepts every request.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, Request) error { return nil }

// HTTPAuthenticator asks an external service to verify a request's token
// by POSTing to <base>/verify. 2xx accepts, 401 and 403 reject, anything
// else is an error.
type HTTPAuthenticator struct {
	client *resty.Client
}

func NewHTTPAuthenticator(base string, timeout time.Duration) *HTTPAuthenticator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(base, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(50 * time.Millisecond).
		SetRetryMaxWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &HTTPAuthenticator{client: c}
}

type verifyRequest struct {
	Account   string `json:"account"`
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Token     string `json:"token"`
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context, req Request) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(verifyRequest{
			Account:   req.Account(),
			RequestID: req.RequestID,
			Command:   req.Payload.Kind().String(),
			Token:     req.Token,
		}).
		Post("/verify")
	if err != nil {
		return errors.Wrap(err, "auth service")
	}
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return errors.Wrapf(ErrUnauthenticated, "account %q", req.Account())
	default:
		return errors.Errorf("auth service: %s", resp.Status())
	}
}
