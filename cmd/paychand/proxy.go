package main

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
)

// UsageHeader carries the units consumed by a post-flight billed upstream response
const UsageHeader = "Paychan-Usage-Units"

// newUpstreamProxy forwards billed requests to upstream. Usage reported by the
// upstream in UsageHeader is handed to the payment middleware and stripped.
func newUpstreamProxy(upstream string) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", upstream, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	// streamed responses are flushed as they arrive so in-band frames stay in order
	proxy.FlushInterval = -1
	proxy.ModifyResponse = func(resp *http.Response) error {
		raw := resp.Header.Get(UsageHeader)
		if raw == "" {
			return nil
		}
		resp.Header.Del(UsageHeader)

		units, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || units < 0 {
			logger.Warnw("ignoring malformed upstream usage", "value", raw, "path", resp.Request.URL.Path)
			return nil
		}
		paychanhttp.ReportUsage(resp.Request.Context(), paychan.Usage{Units: units})
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warnw("upstream request failed", "path", r.URL.Path, "err", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}
