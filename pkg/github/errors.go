package github

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/quickredblazer/qrb/pkg/publish"
)

// Object store operation names, as reported in publish errors.
const (
	opGetBranchTip        = "getBranchTip"
	opCreateContentObject = "createContentObject"
	opCreateTree          = "createTree"
	opCreateCommit        = "createCommit"
	opUpdateBranchTip     = "updateBranchTip"
)

// unsafeToRetry lists the calls whose effect is unknown after a lost response.
var unsafeToRetry = map[string]bool{
	opCreateCommit:    true,
	opUpdateBranchTip: true,
}

// classify translates a go-github or transport error into a typed publish
// error. ctx is the caller's context, not the per-call one, so caller
// cancellation can be told apart from the call timeout.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	unsafe := unsafeToRetry[op]

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Once the ref update is on the wire its effect is unknown.
		if op == opUpdateBranchTip {
			return publish.Wrap(publish.KindAmbiguousOutcome, op, err)
		}
		return publish.Wrap(publish.KindCanceled, op, ctxErr)
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return publish.Wrap(publish.KindTransientNetwork, op, err)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return publish.Wrap(publish.KindTransientNetwork, op, err)
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		status := 0
		if respErr.Response != nil {
			status = respErr.Response.StatusCode
		}
		return &publish.Error{
			Kind:    statusKind(op, status, respErr.Message),
			Op:      op,
			Message: strings.TrimSpace(respErr.Message),
			Err:     err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || isNetworkError(err) {
		if unsafe {
			return publish.Wrap(publish.KindAmbiguousOutcome, op, err)
		}
		return publish.Wrap(publish.KindTransientNetwork, op, err)
	}

	return publish.Wrap(publish.KindUpstream, op, err)
}

// statusKind maps a non-2xx status of op to an error kind.
func statusKind(op string, status int, message string) publish.Kind {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return publish.KindAuthFailed
	case status == http.StatusNotFound:
		if op == opGetBranchTip || op == opUpdateBranchTip {
			return publish.KindRefNotFound
		}
		return publish.KindUpstream
	case status == http.StatusConflict:
		// 409 "Git Repository is empty"
		if op == opGetBranchTip {
			return publish.KindRefNotFound
		}
		if op == opUpdateBranchTip {
			return publish.KindRefConflict
		}
		return publish.KindUpstream
	case status == http.StatusRequestEntityTooLarge:
		return publish.KindPayloadTooLarge
	case status == http.StatusUnprocessableEntity:
		if strings.Contains(msg, "too large") || strings.Contains(msg, "exceeds") {
			return publish.KindPayloadTooLarge
		}
		switch op {
		case opCreateTree:
			return publish.KindDanglingReference
		case opUpdateBranchTip:
			if strings.Contains(msg, "does not exist") {
				return publish.KindRefNotFound
			}
			// "Update is not a fast forward"
			return publish.KindRefConflict
		}
		return publish.KindUpstream
	case status == http.StatusTooManyRequests:
		return publish.KindTransientNetwork
	case status >= 500:
		if unsafeToRetry[op] {
			return publish.KindAmbiguousOutcome
		}
		return publish.KindTransientNetwork
	default:
		return publish.KindUpstream
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsNotFoundError returns true if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, publish.ErrRefNotFound)
}

// IsAuthenticationError returns true if the credential was rejected
func IsAuthenticationError(err error) bool {
	return errors.Is(err, publish.ErrAuthFailed)
}
