// Copyright 2025 Certen Protocol
//
// Peer exchange & bootstrap (C8): discovers peers via registry/cache/seed
// list, performs mutual registration, and periodically broadcasts
// peer_exchange. The disk cache is a single JSON file written atomically
// (write-to-temp + rename), matching the spec's shared-resource note.

package peerexchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/mesh"
)

const maxPeerExchangeFanout = 50

// RegistrySource supplies known peers the registry has learned of
// out-of-band (e.g. from the portal).
type RegistrySource interface {
	KnownPeers() []coordtypes.PeerIdentity
}

// Bootstrapper discovers peers from a registry, a disk cache, and a seed
// list, and registers mutually with each reachable candidate.
type Bootstrapper struct {
	self       coordtypes.PeerIdentity
	selfURL    string
	seedURLs   []string
	cachePath  string
	registry   RegistrySource
	mesh       *mesh.Mesh
	httpClient *http.Client
	logger     *log.Logger

	mu    sync.Mutex
	cache map[string]string // peerId -> last-reachable URL
}

// New creates a Bootstrapper. cachePath is the JSON file used to remember
// reachable peer URLs across restarts.
func New(self coordtypes.PeerIdentity, selfURL string, seedURLs []string, cachePath string, registry RegistrySource, m *mesh.Mesh) *Bootstrapper {
	b := &Bootstrapper{
		self:       self,
		selfURL:    selfURL,
		seedURLs:   seedURLs,
		cachePath:  cachePath,
		registry:   registry,
		mesh:       m,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		logger:     log.New(log.Writer(), "[PeerExchange] ", log.LstdFlags),
		cache:      make(map[string]string),
	}
	b.loadCache()
	return b
}

func (b *Bootstrapper) loadCache() {
	data, err := os.ReadFile(b.cachePath)
	if err != nil {
		return
	}
	var cache map[string]string
	if err := json.Unmarshal(data, &cache); err != nil {
		b.logger.Printf("peer cache corrupt, starting fresh: %v", err)
		return
	}
	b.mu.Lock()
	b.cache = cache
	b.mu.Unlock()
}

func (b *Bootstrapper) saveCache() {
	b.mu.Lock()
	data, err := json.Marshal(b.cache)
	b.mu.Unlock()
	if err != nil {
		return
	}

	dir := filepath.Dir(b.cachePath)
	tmp, err := os.CreateTemp(dir, "peer-cache-*.tmp")
	if err != nil {
		b.logger.Printf("peer cache write failed: %v", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	tmp.Close()
	if err := os.Rename(tmpPath, b.cachePath); err != nil {
		b.logger.Printf("peer cache rename failed: %v", err)
		os.Remove(tmpPath)
	}
}

// candidateURLs builds the deduplicated candidate set from registry, cache,
// and seed list, excluding self.
func (b *Bootstrapper) candidateURLs() []string {
	seen := map[string]bool{b.selfURL: true}
	var out []string

	add := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, url)
	}

	if b.registry != nil {
		for _, p := range b.registry.KnownPeers() {
			add(p.CoordinatorURL)
		}
	}
	b.mu.Lock()
	for _, url := range b.cache {
		add(url)
	}
	b.mu.Unlock()
	for _, url := range b.seedURLs {
		add(url)
	}
	return out
}

// Bootstrap runs one discovery pass: fetch /identity from each candidate,
// addPeer, call /mesh/register-peer on them, and cache reachable URLs.
func (b *Bootstrapper) Bootstrap(ctx context.Context) {
	for _, url := range b.candidateURLs() {
		ident, err := b.fetchIdentity(ctx, url)
		if err != nil {
			b.logger.Printf("identity fetch from %s failed: %v", url, err)
			continue
		}
		if ident.PeerID == b.self.PeerID || url == b.selfURL {
			continue
		}

		ident.CoordinatorURL = url
		b.mesh.AddPeer(ident)

		if err := b.registerWith(ctx, url); err != nil {
			b.logger.Printf("register-peer with %s failed: %v", url, err)
			continue
		}

		b.mu.Lock()
		b.cache[ident.PeerID] = url
		b.mu.Unlock()
	}
	b.saveCache()
}

func (b *Bootstrapper) fetchIdentity(ctx context.Context, url string) (coordtypes.PeerIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/identity", nil)
	if err != nil {
		return coordtypes.PeerIdentity{}, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return coordtypes.PeerIdentity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return coordtypes.PeerIdentity{}, fmt.Errorf("identity fetch: status %d", resp.StatusCode)
	}
	var ident coordtypes.PeerIdentity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return coordtypes.PeerIdentity{}, err
	}
	return ident, nil
}

func (b *Bootstrapper) registerWith(ctx context.Context, url string) error {
	body, err := json.Marshal(b.self)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/mesh/register-peer", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register-peer: status %d", resp.StatusCode)
	}
	return nil
}

// BroadcastPeerExchange gossips up to maxPeerExchangeFanout known peers.
func (b *Bootstrapper) BroadcastPeerExchange() {
	peers := b.mesh.Peers()
	if len(peers) > maxPeerExchangeFanout {
		peers = peers[:maxPeerExchangeFanout]
	}

	entries := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, map[string]interface{}{
			"peerId":         p.Identity.PeerID,
			"publicKey":      p.Identity.PublicKey,
			"url":            p.Identity.CoordinatorURL,
			"networkMode":    p.Identity.NetworkMode,
			"role":           p.Identity.Role,
			"lastSeenMs":     p.LastSeen.UnixMilli(),
		})
	}

	b.mesh.Broadcast(coordtypes.MeshPeerExchange, map[string]interface{}{"peers": entries})
}
