// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// classify maps a failed homeserver call to the delivery error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("failed to %s: %w", op, err)
	switch {
	case errors.Is(err, context.Canceled):
		return wrapped
	case errors.Is(err, mautrix.MForbidden), errors.Is(err, mautrix.MUnknownToken),
		errors.Is(err, mautrix.MMissingToken), errors.Is(err, mautrix.MUserDeactivated):
		return network.Permanent(network.ReasonPermissionDenied, wrapped)
	case errors.Is(err, mautrix.MNotFound):
		return network.Permanent(network.ReasonTargetDeleted, wrapped)
	case errors.Is(err, mautrix.MBadJSON), errors.Is(err, mautrix.MNotJSON),
		errors.Is(err, mautrix.MTooLarge), errors.Is(err, mautrix.MInvalidParam):
		return network.Permanent(network.ReasonBadRequest, wrapped)
	case errors.Is(err, mautrix.MUnrecognized):
		return network.Permanent(network.ReasonUnsupported, wrapped)
	default:
		// Rate limits, 5xx and connection errors.
		return network.Transient(op, err)
	}
}
