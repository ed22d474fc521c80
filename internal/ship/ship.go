// Package ship forwards a single canonical profile to a beats/logstash
// pipeline using the lumberjack protocol. Unlike a long-running flow
// exporter that keeps a goroutine per server forwarding a continuous
// stream of records, ship.Send makes one connection, ships one event
// (the finished profile plus a small metadata envelope), and closes —
// record's --ship flag fires once per invocation, not continuously.
package ship

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	lumber "github.com/elastic/go-lumber/client"
	"github.com/rs/zerolog/log"

	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/schema"
)

// ServerOptions holds the per-host URL query parameters ship cares
// about; there is no `count` option since ship never needs parallel
// writer goroutines, it sends exactly one event.
type ServerOptions struct {
	UseTLS            bool
	VerifyCertificate bool
	CompressionLevel  int
}

// ParseServerURL accepts three schemes: tcp:// (plain), tls://
// (verified), tlsnoverify:// (TLS, no certificate verification). IPv6
// hosts must be bracketed, per net/url.
func ParseServerURL(raw string) (host string, opts ServerOptions, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ServerOptions{}, kinds.New(kinds.UserInput, "invalid --ship server URL "+raw, err)
	}

	switch u.Scheme {
	case "tcp":
		opts.UseTLS, opts.VerifyCertificate = false, false
	case "tls":
		opts.UseTLS, opts.VerifyCertificate = true, true
	case "tlsnoverify":
		opts.UseTLS, opts.VerifyCertificate = true, false
	default:
		return "", ServerOptions{}, kinds.New(kinds.UserInput, "unknown --ship scheme "+u.Scheme+" (want tcp://, tls://, or tlsnoverify://)", nil)
	}

	if compression := u.Query().Get("compression"); compression != "" {
		level, convErr := strconv.Atoi(compression)
		if convErr != nil || level < 0 || level > 9 {
			return "", ServerOptions{}, kinds.New(kinds.UserInput, "invalid compression level in --ship URL: "+compression, convErr)
		}
		opts.CompressionLevel = level
	}

	if u.Host == "" {
		return "", ServerOptions{}, kinds.New(kinds.UserInput, "--ship URL is missing a host: "+raw, nil)
	}
	return u.Host, opts, nil
}

// Event is the envelope shipped alongside the canonical profile, giving
// the receiving pipeline enough context to index without re-parsing the
// full document (canonical JSON stays the payload of
// "profile").
type Event struct {
	RunID      string           `json:"run_id"`
	Platform   string           `json:"platform"`
	Mode       string           `json:"mode"`
	DurationMs int64            `json:"duration_ms"`
	OutputPath string           `json:"output_path"`
	TopHotspot string           `json:"top_hotspot,omitempty"`
	Profile    *schema.Document `json:"profile"`
}

func dialer(opts ServerOptions) func(network, address string) (net.Conn, error) {
	if !opts.UseTLS {
		return func(network, address string) (net.Conn, error) {
			return net.DialTimeout(network, address, 10*time.Second)
		}
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: !opts.VerifyCertificate}
	return func(network, address string) (net.Conn, error) {
		return tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, network, address, tlsConfig)
	}
}

// Send dials host, retrying up to attempts times with reconnectWait
// between tries, ships the event as a single lumberjack batch, and
// closes the connection.
func Send(host string, opts ServerOptions, reconnectWait time.Duration, attempts int, event Event) error {
	dial := dialer(opts)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := lumber.SyncDialWith(dial, host, lumber.CompressionLevel(opts.CompressionLevel))
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Msgf("ship: connect to %s failed (attempt %d/%d)", host, attempt, attempts)
			time.Sleep(reconnectWait)
			continue
		}

		n, sendErr := client.Send([]interface{}{event})
		closeErr := client.Close()
		if sendErr != nil {
			lastErr = sendErr
			log.Warn().Err(sendErr).Msgf("ship: send to %s failed (attempt %d/%d)", host, attempt, attempts)
			time.Sleep(reconnectWait)
			continue
		}
		if closeErr != nil {
			log.Warn().Err(closeErr).Msgf("ship: closing connection to %s", host)
		}
		if n != 1 {
			return kinds.New(kinds.Execution, fmt.Sprintf("ship: %s acknowledged %d events, expected 1", host, n), nil)
		}
		log.Info().Msgf("ship: delivered profile for run %s to %s", event.RunID, host)
		return nil
	}
	return kinds.New(kinds.Execution, fmt.Sprintf("ship: giving up on %s after %d attempts", host, attempts), lastErr)
}
