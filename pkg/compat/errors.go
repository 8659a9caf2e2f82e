package compat

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/kadirpekel/switchboard/pkg/httpclient"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// NormalizeError maps an upstream failure onto the error taxonomy. Typed
// errors pass through; everything else is classified by cause.
func NormalizeError(err error) *relayerror.Error {
	if err == nil {
		return nil
	}

	var relayErr *relayerror.Error
	if errors.As(err, &relayErr) {
		return relayErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return relayerror.Wrap(relayerror.TypeTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return relayerror.Wrap(relayerror.TypeCancelled, "execution cancelled", err)
	}

	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		return NormalizeHTTPStatus(retryErr.StatusCode, retryErr.Message)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return relayerror.Wrap(relayerror.TypeTimeout, "upstream connection timed out", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return relayerror.Wrap(relayerror.TypeConnection, "upstream connection failed", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return relayerror.Wrap(relayerror.TypeNetwork, "upstream host unresolvable", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return relayerror.Wrap(relayerror.TypeConnection, "upstream connection failed", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return relayerror.Wrap(relayerror.TypeConnection, "upstream connection failed", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return relayerror.Wrap(relayerror.TypeTimeout, "request timed out", err)
	}

	return relayerror.Wrap(relayerror.TypeAPI, err.Error(), err)
}

// NormalizeHTTPStatus maps an upstream HTTP status to the taxonomy.
func NormalizeHTTPStatus(status int, message string) *relayerror.Error {
	t := relayerror.TypeAPI
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		t = relayerror.TypeAuthentication
	case http.StatusNotFound:
		t = relayerror.TypeNotFound
	case http.StatusTooManyRequests:
		t = relayerror.TypeRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		t = relayerror.TypeTimeout
	case http.StatusPaymentRequired:
		t = relayerror.TypeQuotaExceeded
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		t = relayerror.TypeValidation
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		t = relayerror.TypeConnection
	}
	if message == "" {
		message = http.StatusText(status)
	}
	if strings.Contains(strings.ToLower(message), "quota") {
		t = relayerror.TypeQuotaExceeded
	}
	return relayerror.New(t, message)
}
