package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/platewise/recipe-gateway/pkg/apierr"
)

// ClassifyStatus maps an upstream HTTP status to the error taxonomy.
// The internal message carries the provider name and status for the audit
// log; only allow-listed prefixes ever reach a client.
func ClassifyStatus(name string, status int, cause error) error {
	switch {
	case status == 429:
		return apierr.Wrap(apierr.KindUpstreamRateLimited,
			fmt.Sprintf("model busy (%s rate limited)", name), cause)
	case status == 401 || status == 403:
		return apierr.Wrap(apierr.KindUpstreamAuth,
			fmt.Sprintf("%s credentials rejected (status %d)", name, status), cause)
	case status >= 500:
		return apierr.Wrap(apierr.KindUpstreamUnavailable,
			fmt.Sprintf("model busy (%s returned %d)", name, status), cause)
	case status >= 400:
		return apierr.Wrap(apierr.KindUpstreamUnavailable,
			fmt.Sprintf("%s rejected the request (status %d)", name, status), cause)
	default:
		return apierr.Wrap(apierr.KindUpstreamUnavailable,
			fmt.Sprintf("%s call failed", name), cause)
	}
}

// ClassifyTransport maps non-HTTP failures (network aborts, deadlines).
func ClassifyTransport(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindUpstreamTimeout,
			fmt.Sprintf("model busy (%s timed out)", name), err)
	}
	if errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.KindUpstreamUnavailable,
			fmt.Sprintf("%s call canceled", name), err)
	}
	return apierr.Wrap(apierr.KindUpstreamUnavailable,
		fmt.Sprintf("%s call failed", name), err)
}

// EmptyReply is returned when the provider answered without any text.
func EmptyReply(name string) error {
	return apierr.Newf(apierr.KindEmptyResponse, "model returned an empty reply (%s)", name)
}
