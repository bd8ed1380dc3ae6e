package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// --- Session Supervisor ---

// credentialRetryInterval is the fixed wait between credential lookups
// while the endpoint or token is absent. Unlike connect failures, a
// missing credential is not a fault that warrants growing delays; the
// operator may export it at any moment.
const credentialRetryInterval = time.Second

// runSupervisor owns the connect/serve/reconnect lifecycle of the
// upstream session. It announces every transition on the output queue
// so the broker can track connectivity, and retries failures with
// bounded exponential backoff. Returns when ctx is cancelled.
func runSupervisor(ctx context.Context, creds credentialSource, in *fifo[upstreamRequest], out *fifo[upstreamNotification]) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		url, token, ok := creds.lookup()
		if !ok {
			logWarn("upstream credentials missing, waiting", "envVars", "HA_URL HA_TOKEN")
			out.push(upstreamNotification{kind: noteDisconnected})
			bo.Reset()
			if !sleepCtx(ctx, credentialRetryInterval) {
				return
			}
			continue
		}

		ep, err := parseEndpoint(url)
		if err != nil {
			logWarn("upstream url not usable", "url", url, "error", err)
			out.push(upstreamNotification{kind: noteDisconnected})
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		sess, err := connectSession(ep, token)
		if err != nil {
			logWarn("upstream connect failed", "addr", ep.addr(), "error", err)
			out.push(upstreamNotification{kind: noteDisconnected})
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		logInfo("upstream session established", "addr", ep.addr(), "tls", ep.tls)
		bo.Reset()
		out.push(upstreamNotification{kind: noteConnected})

		err = sess.run(ctx, in, out)
		sess.close()
		out.push(upstreamNotification{kind: noteDisconnected})

		if ctx.Err() != nil {
			return
		}
		logWarn("upstream session ended, reconnecting", "error", err)
		if !sleepCtx(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// sleepCtx waits d unless ctx is cancelled first. Reports whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
