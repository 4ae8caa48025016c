// Package control implements the registration exchange with the overlay
// control plane.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/socktail/pkg/crypto"
	"github.com/ZentaChain/socktail/pkg/peers"
)

const (
	DefaultControlURL = "https://controlplane.tailscale.com"
	DefaultUserAgent  = "socktail/0.1.0"
	DefaultTimeout    = 30 * time.Second

	registerPath    = "/machine/register"
	maxResponseSize = 8 << 20
	maxDetailSize   = 512
)

var (
	ErrRegistrationFailed = errors.New("registration failed")
)

// RegistrationError carries what the control server reported
type RegistrationError struct {
	StatusCode int    // 0 when no response was received
	Detail     string // server message or a description of what was wrong
	Err        error  // underlying transport or decode error, may be nil
}

func (e *RegistrationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrRegistrationFailed.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is match both ErrRegistrationFailed and the cause
func (e *RegistrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRegistrationFailed}
	}
	return []error{ErrRegistrationFailed, e.Err}
}

// Identity is the part of the overlay identity sent to the control plane
type Identity interface {
	PublicKey() crypto.Key
}

// Config holds client configuration
type Config struct {
	ControlURL string
	UserAgent  string
	Timeout    time.Duration
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		ControlURL: DefaultControlURL,
		UserAgent:  DefaultUserAgent,
		Timeout:    DefaultTimeout,
	}
}

// Client talks to the control plane
type Client struct {
	controlURL string
	userAgent  string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates a client. Empty config fields take their defaults.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	controlURL := config.ControlURL
	if controlURL == "" {
		controlURL = DefaultControlURL
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		controlURL: strings.TrimRight(controlURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		log:        zap.L().Named("control"),
	}
}

// ControlURL returns the base URL registrations are sent to
func (c *Client) ControlURL() string {
	return c.controlURL
}

// Register sends the node's public key and hostname to the control plane
// and returns the assigned address and peers. Every call is a new
// registration; nothing is retried.
func (c *Client) Register(ctx context.Context, id Identity, hostname, authKey string) (*RegistrationResult, error) {
	body, err := json.Marshal(&RegisterRequest{
		NodeKey: crypto.EncodeKey(id.PublicKey()),
		Hostinfo: Hostinfo{
			Hostname: hostname,
			OS:       runtime.GOOS,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL+registerPath, bytes.NewReader(body))
	if err != nil {
		return nil, &RegistrationError{Detail: "invalid control url", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if authKey != "" {
		req.Header.Set("Authorization", "Bearer "+authKey)
	}

	c.log.Info("registering with control plane",
		zap.String("url", c.controlURL),
		zap.String("hostname", hostname),
		zap.String("node", crypto.Fingerprint(id.PublicKey())),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RegistrationError{Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Detail: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RegistrationError{
			StatusCode: resp.StatusCode,
			Detail:     truncate(strings.TrimSpace(string(raw)), maxDetailSize),
		}
	}

	var reply RegisterResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Detail: "invalid response body", Err: err}
	}

	result, err := c.buildResult(&reply)
	if err != nil {
		return nil, err
	}

	c.log.Info("registered",
		zap.Stringer("address", result.AssignedAddress),
		zap.Int("peers", len(result.Peers)),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// buildResult validates the response and ingests its peers
func (c *Client) buildResult(reply *RegisterResponse) (*RegistrationResult, error) {
	if len(reply.IPAddresses) == 0 {
		return nil, &RegistrationError{StatusCode: http.StatusOK, Detail: "no assigned address in response"}
	}

	assigned, err := parseOverlayAddr(reply.IPAddresses[0])
	if err != nil {
		return nil, &RegistrationError{
			StatusCode: http.StatusOK,
			Detail:     fmt.Sprintf("invalid assigned address %q", reply.IPAddresses[0]),
			Err:        err,
		}
	}

	result := &RegistrationResult{
		AssignedAddress: assigned,
		RegisteredAt:    time.Now(),
	}

	if reply.NetMap != nil {
		result.Peers, result.Skipped = c.ingestPeers(reply.NetMap.Peers)
	}

	return result, nil
}

// ingestPeers converts peer entries into records, skipping invalid ones
func (c *Client) ingestPeers(entries []PeerEntry) ([]peers.Record, int) {
	records := make([]peers.Record, 0, len(entries))
	seen := make(map[crypto.Key]struct{}, len(entries))
	skipped := 0

	for i, entry := range entries {
		key, err := crypto.DecodeKey(entry.Key)
		if err != nil {
			c.log.Warn("skipping peer with invalid key", zap.Int("index", i), zap.Error(err))
			skipped++
			continue
		}
		if _, dup := seen[key]; dup {
			c.log.Warn("skipping duplicate peer", zap.String("peer", crypto.Fingerprint(key)))
			skipped++
			continue
		}

		if len(entry.Addresses) == 0 {
			c.log.Warn("skipping peer without address", zap.String("peer", crypto.Fingerprint(key)))
			skipped++
			continue
		}
		addr, err := parseOverlayAddr(entry.Addresses[0])
		if err != nil {
			c.log.Warn("skipping peer with invalid address",
				zap.String("peer", crypto.Fingerprint(key)),
				zap.String("address", entry.Addresses[0]),
			)
			skipped++
			continue
		}

		record := peers.Record{PublicKey: key, OverlayAddr: addr}
		if len(entry.Endpoints) > 0 {
			ep, err := netip.ParseAddrPort(entry.Endpoints[0])
			if err != nil {
				c.log.Warn("ignoring invalid peer endpoint",
					zap.String("peer", crypto.Fingerprint(key)),
					zap.String("endpoint", entry.Endpoints[0]),
				)
			} else {
				record.Endpoint = ep
			}
		}

		seen[key] = struct{}{}
		records = append(records, record)
	}

	return records, skipped
}

// parseOverlayAddr accepts a bare IP or a prefix such as 100.64.0.1/32
func parseOverlayAddr(s string) (netip.Addr, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, err
		}
		return prefix.Addr(), nil
	}
	return netip.ParseAddr(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
