package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/socktail/pkg/crypto"
	"github.com/ZentaChain/socktail/pkg/overlay"
	"github.com/ZentaChain/socktail/pkg/peers"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// PeerInfo is a peer as reported by the API
type PeerInfo struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	OverlayAddr string `json:"overlayAddr"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// PeersResponse lists the current peer table
type PeersResponse struct {
	Success    bool       `json:"success"`
	Generation uint64     `json:"generation"`
	Count      int        `json:"count"`
	Peers      []PeerInfo `json:"peers"`
}

// HistoryEntry is one recorded registration
type HistoryEntry struct {
	ID              int64     `json:"id"`
	Backend         string    `json:"backend"`
	Hostname        string    `json:"hostname"`
	Fingerprint     string    `json:"fingerprint"`
	AssignedAddress string    `json:"assignedAddress"`
	PeerCount       int       `json:"peerCount"`
	RegisteredAt    time.Time `json:"registeredAt"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Overlay overlay.State `json:"overlay"`
}

func peerInfo(r peers.Record) PeerInfo {
	info := PeerInfo{
		PublicKey:   crypto.EncodeKey(r.PublicKey),
		Fingerprint: crypto.Fingerprint(r.PublicKey),
		OverlayAddr: r.OverlayAddr.String(),
	}
	if r.HasEndpoint() {
		info.Endpoint = r.Endpoint.String()
	}
	return info
}

// currentPeers returns the backend's table, or an empty one
func (s *Server) currentPeers() *peers.Table {
	if src, ok := s.deps.Backend.(overlay.PeerSource); ok {
		return src.Peers()
	}
	return peers.Empty()
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Overlay: s.deps.Backend.Status().State,
	})
}

// handleOverlayStatus handles GET /api/v1/overlay/status
func (s *Server) handleOverlayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Backend.Status())
}

// handlePeers handles GET /api/v1/overlay/peers
func (s *Server) handlePeers(c *gin.Context) {
	table := s.currentPeers()

	list := make([]PeerInfo, 0, table.Len())
	table.Range(func(r peers.Record) bool {
		list = append(list, peerInfo(r))
		return true
	})

	c.JSON(http.StatusOK, PeersResponse{
		Success:    true,
		Generation: s.deps.Backend.Status().Generation,
		Count:      len(list),
		Peers:      list,
	})
}

// handlePeer handles GET /api/v1/overlay/peers/:key
func (s *Server) handlePeer(c *gin.Context) {
	key, err := parsePeerKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid peer key",
			Message: "Peer key must be 32 bytes of base64",
			Code:    "INVALID_KEY",
		})
		return
	}

	record, ok := s.currentPeers().Lookup(key)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Peer not found",
			Code:  "PEER_NOT_FOUND",
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: peerInfo(record)})
}

// parsePeerKey accepts standard or URL-safe base64, padded or not
func parsePeerKey(s string) (crypto.Key, error) {
	if k, err := crypto.DecodeKey(s); err == nil {
		return k, nil
	}

	trimmed := strings.TrimRight(s, "=")
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.RawStdEncoding} {
		raw, err := enc.DecodeString(trimmed)
		if err == nil && len(raw) == crypto.KeySize {
			var k crypto.Key
			copy(k[:], raw)
			return k, nil
		}
	}
	return crypto.Key{}, crypto.ErrInvalidKey
}

// handleReregister handles POST /api/v1/overlay/reregister
func (s *Server) handleReregister(c *gin.Context) {
	r, ok := s.deps.Backend.(overlay.Reregisterer)
	if !ok {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:   "Not supported",
			Message: "The active overlay backend cannot re-register",
			Code:    "NOT_SUPPORTED",
		})
		return
	}

	if err := r.Reregister(c.Request.Context()); err != nil {
		status := http.StatusBadGateway
		code := "REGISTRATION_FAILED"
		if errors.Is(err, overlay.ErrClosed) {
			status = http.StatusServiceUnavailable
			code = "SHUTTING_DOWN"
		}
		s.log.Warn("re-registration failed", zap.Error(err))
		c.JSON(status, ErrorResponse{
			Error:   "Registration failed",
			Message: err.Error(),
			Code:    code,
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: s.deps.Backend.Status()})
}

// handleHistory handles GET /api/v1/overlay/history?limit=N
func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "History disabled",
			Message: "No state database is configured",
			Code:    "NO_STATE_DB",
		})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a positive number",
				Code:    "INVALID_LIMIT",
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	snaps, err := s.deps.History.ListRegistrations(limit)
	if err != nil {
		s.log.Error("failed to list registrations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to read history",
			Code:  "STORAGE_ERROR",
		})
		return
	}

	entries := make([]HistoryEntry, 0, len(snaps))
	for _, snap := range snaps {
		entries = append(entries, HistoryEntry{
			ID:              snap.ID,
			Backend:         snap.Backend,
			Hostname:        snap.Hostname,
			Fingerprint:     crypto.Fingerprint(snap.PublicKey),
			AssignedAddress: snap.AssignedAddress.String(),
			PeerCount:       snap.PeerCount,
			RegisteredAt:    snap.RegisteredAt,
		})
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: entries})
}
