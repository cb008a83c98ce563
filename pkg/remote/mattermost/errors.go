// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// ErrNotLoggedIn is returned by calls made before Connect succeeded.
var ErrNotLoggedIn = errors.New("not logged in to Mattermost")

// classify maps a failed Mattermost API call to the delivery error taxonomy.
func classify(op string, resp *model.Response, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if status == 0 && errors.As(err, &appErr) {
		status = appErr.StatusCode
	}
	wrapped := fmt.Errorf("failed to %s: %w", op, err)
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return network.Permanent(network.ReasonPermissionDenied, wrapped)
	case status == http.StatusNotFound, status == http.StatusGone:
		return network.Permanent(network.ReasonTargetDeleted, wrapped)
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		return network.Permanent(network.ReasonBadRequest, wrapped)
	case status == http.StatusNotImplemented:
		return network.Permanent(network.ReasonUnsupported, wrapped)
	case status == http.StatusTooManyRequests:
		return &network.TransientNetworkError{Op: op, RetryAfter: retryAfter(resp), Err: err}
	default:
		// 5xx, timeouts and connection errors.
		return network.Transient(op, err)
	}
}

func retryAfter(resp *model.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}
	for _, header := range []string{"Retry-After", "X-Ratelimit-Reset"} {
		if secs, err := strconv.Atoi(resp.Header.Get(header)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
