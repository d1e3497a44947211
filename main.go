// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/certen/coordinator/pkg/agentmesh"
	"github.com/certen/coordinator/pkg/anchorcoord"
	"github.com/certen/coordinator/pkg/config"
	"github.com/certen/coordinator/pkg/coordtypes"
	"github.com/certen/coordinator/pkg/database"
	"github.com/certen/coordinator/pkg/deptracker"
	"github.com/certen/coordinator/pkg/economy"
	"github.com/certen/coordinator/pkg/identity"
	"github.com/certen/coordinator/pkg/inference"
	"github.com/certen/coordinator/pkg/mesh"
	"github.com/certen/coordinator/pkg/metrics"
	"github.com/certen/coordinator/pkg/orchestration"
	"github.com/certen/coordinator/pkg/orderingchain"
	"github.com/certen/coordinator/pkg/peerexchange"
	"github.com/certen/coordinator/pkg/queue"
	"github.com/certen/coordinator/pkg/quorum"
	"github.com/certen/coordinator/pkg/registry"
	"github.com/certen/coordinator/pkg/security"
	"github.com/certen/coordinator/pkg/server"
	"github.com/certen/coordinator/pkg/statsledger"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("failed to create data dir %s: %v", cfg.DataDir, err)
	}

	keys, err := loadOrGenerateKeyPair(cfg)
	if err != nil {
		log.Fatalf("failed to load/generate coordinator keypair: %v", err)
	}
	selfPeerID := identity.DerivePeerID(cfg.CoordinatorPublicURL)
	log.Printf("coordinator identity: peerId=%s url=%s", selfPeerID, cfg.CoordinatorPublicURL)

	var dbClient *database.Client
	var repos *database.Repositories
	if cfg.DatabaseURL != "" {
		dbClient, err = database.NewClient(cfg, database.WithLogger(
			log.New(log.Writer(), "[Database] ", log.LstdFlags),
		))
		if err != nil {
			if cfg.DatabaseRequired {
				log.Fatalf("database connection required but failed: %v", err)
			}
			log.Printf("database connection failed, continuing without persistence: %v", err)
		} else {
			if err := dbClient.MigrateUp(context.Background()); err != nil {
				log.Printf("database migration failed: %v", err)
			}
			repos = database.NewRepositories(dbClient)
		}
	} else if cfg.DatabaseRequired {
		log.Fatal("DATABASE_URL is required but not set")
	}

	chain := orderingchain.New(keys)
	blacklist := mesh.NewBlacklistChain(selfPeerID, keys)
	meshHandler := mesh.New(selfPeerID, keys, cfg.MeshRateLimitPer10s)

	q := queue.New()
	depTracker := deptracker.New(log.New(log.Writer(), "[DepTracker] ", log.LstdFlags))

	var portalClient *registry.PortalClient
	if cfg.PortalServiceURL != "" {
		portalClient = registry.NewPortalClient(cfg.PortalServiceURL, cfg.PortalServiceToken)
	}
	reg := registry.New(portalClient, blacklist, cfg.AgentLivenessWindowMs, cfg.BatteryTaskStopLevelPct)

	quorumLedger := quorum.New(selfPeerID, keys)

	var statsLedger *statsledger.Ledger
	if repos != nil {
		statsStore := database.NewStatsStore(repos)
		statsLedger = statsledger.New(selfPeerID, keys, statsStore, func(coordinatorID string) (ed25519.PublicKey, bool) {
			if coordinatorID == selfPeerID {
				return keys.PublicKey, true
			}
			if p, found := meshHandler.Get(coordinatorID); found {
				parsed, err := identity.ParsePublicKeyPEM(p.PublicKey)
				if err != nil {
					return nil, false
				}
				return parsed, true
			}
			return nil, false
		})
	}

	var anchorCoordinator *anchorcoord.Coordinator
	if repos != nil && cfg.AnchorServiceURL != "" {
		broadcaster := anchorcoord.NewHTTPBroadcaster(cfg.AnchorServiceURL)
		anchorStore := database.NewAnchorStore(repos.Anchors)
		anchorCoordinator = anchorcoord.New(cfg.AnchorNetwork, cfg.AnchorConfirmations, broadcaster, anchorStore)
	}

	nonceStore := security.NewMemoryNonceStore(cfg.SecurityNonceTTLMs)
	verifier := security.NewVerifier(cfg.SecurityMaxSkewMs, nonceStore)
	limiters := security.NewLimiters(
		cfg.AgentRateLimitMax, cfg.AgentRateLimitWindowMs,
		cfg.RelayRateLimitPer10s, cfg.TunnelMaxRelaysPerMin, cfg.DirectWorkOffersPer10s,
	)

	m := metrics.New()
	inferenceClient := inference.New(cfg.InferenceServiceURL)
	envelopeCache := identity.NewEnvelopeCache(0)
	economyLedger := economy.New(time.Duration(cfg.PaymentIntentTTLMs)*time.Millisecond, cfg.CoordinatorFeeBasisPts)
	agentMeshRegistry := agentmesh.New()
	orchestrationMgr := orchestration.New()

	selfIdentity := coordtypes.PeerIdentity{
		PeerID:         selfPeerID,
		PublicKey:      identity.PublicKeyPEM(keys.PublicKey),
		CoordinatorURL: cfg.CoordinatorPublicURL,
		NetworkMode:    coordtypes.NetworkPublic,
		Role:           coordtypes.RoleCoordinator,
	}

	bootstrap := peerexchange.New(
		selfIdentity,
		cfg.CoordinatorPublicURL,
		cfg.CoordinatorBootstrapURLs,
		filepath.Join(cfg.DataDir, "peer_cache.json"),
		nil, // the registry has no independent peer knowledge; discovery relies on cache + seed list
		meshHandler,
	)

	deps := &server.Deps{
		Keys:          keys,
		SelfPeerID:    selfPeerID,
		SelfURL:       cfg.CoordinatorPublicURL,
		MeshAuthToken: cfg.MeshAuthToken,

		Queue:      q,
		DepTracker: depTracker,
		Registry:   reg,
		Mesh:       meshHandler,
		Blacklist:  blacklist,
		Chain:      chain,
		Stats:      statsLedger,
		Quorum:     quorumLedger,
		Anchor:     anchorCoordinator,
		Verifier:   verifier,
		Limiters:   limiters,
		Metrics:    m,
		Inference:  inferenceClient,
		Envelope:   envelopeCache,
		Economy:    economyLedger,
		AgentMesh:     agentMeshRegistry,
		Orchestration: orchestrationMgr,

		Logger: log.New(log.Writer(), "[Server] ", log.LstdFlags),
	}

	if dbClient != nil {
		if counts, err := dbClient.TableRowCounts(context.Background()); err != nil {
			log.Printf("table row count check failed: %v", err)
		} else {
			log.Printf("persisted state at startup: %v", counts)
		}
	}

	router := server.NewRouter(deps)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	runBackgroundLoops(ctx, cfg, bootstrap, meshHandler, statsLedger, anchorCoordinator, nonceStore, envelopeCache, economyLedger, agentMeshRegistry, reg, quorumLedger, selfPeerID)

	go func() {
		log.Printf("coordinator listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down coordinator...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if dbClient != nil {
		if err := dbClient.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}
	log.Println("coordinator stopped")
}

// runBackgroundLoops starts every periodic task the coordinator runs: peer
// bootstrap/exchange, stats ledger sync, anchor confirmation polling, nonce
// store pruning, payment-intent reconciliation, and tunnel GC.
func runBackgroundLoops(
	ctx context.Context,
	cfg *config.Config,
	bootstrap *peerexchange.Bootstrapper,
	m *mesh.Mesh,
	statsLedger *statsledger.Ledger,
	anchorCoordinator *anchorcoord.Coordinator,
	nonceStore *security.MemoryNonceStore,
	envelopeCache *identity.EnvelopeCache,
	economyLedger *economy.Ledger,
	agentMeshRegistry *agentmesh.Registry,
	reg *registry.Registry,
	quorumLedger *quorum.Ledger,
	selfPeerID string,
) {
	startLoop(ctx, time.Duration(cfg.PeerBootstrapIntervalMs)*time.Millisecond, func() {
		bootstrap.Bootstrap(ctx)
	})

	startLoop(ctx, time.Duration(cfg.PeerExchangeIntervalMs)*time.Millisecond, func() {
		bootstrap.BroadcastPeerExchange()
	})

	if statsLedger != nil {
		startLoop(ctx, time.Duration(cfg.StatsLedgerSyncIntervalMs)*time.Millisecond, func() {
			for _, p := range m.Peers() {
				if p.Identity.PeerID == selfPeerID {
					continue
				}
				if _, err := statsLedger.SyncFromPeer(ctx, p.Identity.CoordinatorURL, p.Identity.PeerID, 500); err != nil {
					log.Printf("[StatsSync] sync from %s failed: %v", p.Identity.PeerID, err)
				}
			}
		})
	}

	if anchorCoordinator != nil {
		startLoop(ctx, time.Duration(cfg.StatsAnchorIntervalMs)*time.Millisecond, func() {
			anchorCoordinator.PollConfirmations(ctx)
		})
	}

	startLoop(ctx, 5*time.Minute, func() {
		nonceStore.Prune(time.Now().UnixMilli())
	})

	startLoop(ctx, 10*time.Minute, func() {
		envelopeCache.Prune(time.Now())
	})

	startLoop(ctx, 30*time.Second, func() {
		economyLedger.ExpireStale(time.Now().UnixMilli())
	})

	startLoop(ctx, 15*time.Second, func() {
		agentMeshRegistry.GC(time.Now().UnixMilli(), cfg.TunnelIdleTTLMs)
	})

	startLoop(ctx, time.Duration(cfg.IssuanceRecalcMs)*time.Millisecond, func() {
		runIssuanceTick(ctx, cfg, selfPeerID, m, reg, quorumLedger, anchorCoordinator)
	})
}

// runIssuanceTick computes one issuance epoch's pool size and per-account
// allocations and proposes it to the mesh. The rolling contribution share
// per account is approximated as that account's share of currently active
// agents (registry.ListActive grouped by OwnerEmail) — the coordinator has
// no per-account task-history store to compute true rolling contribution
// against, so this proxy stands until one exists.
func runIssuanceTick(
	ctx context.Context,
	cfg *config.Config,
	selfPeerID string,
	m *mesh.Mesh,
	reg *registry.Registry,
	quorumLedger *quorum.Ledger,
	anchorCoordinator *anchorcoord.Coordinator,
) {
	active := reg.ListActive()
	if len(active) == 0 {
		return
	}

	byAccount := make(map[string]int)
	for _, a := range active {
		account := a.OwnerEmail
		if account == "" {
			account = a.AgentID
		}
		byAccount[account]++
	}

	loadIndex := float64(len(active))
	const creditsPerActiveAgent = 25.0
	poolSize := loadIndex * creditsPerActiveAgent
	if poolSize > cfg.IssuancePoolPerDay {
		poolSize = cfg.IssuancePoolPerDay
	}

	allocations := make([]quorum.Allocation, 0, len(byAccount))
	for account, shares := range byAccount {
		allocations = append(allocations, quorum.Allocation{
			AccountID: account,
			Credits:   poolSize * float64(shares) / loadIndex,
		})
	}

	epochID := fmt.Sprintf("epoch-%d", time.Now().UnixMilli())
	proposal := quorum.EpochProposal{
		EpochID:     epochID,
		PoolSize:    poolSize,
		LoadIndex:   loadIndex,
		Allocations: allocations,
	}

	quorumLedger.ProposeEpoch(proposal)
	m.Broadcast(coordtypes.MeshIssuanceProposal, proposal)
	m.Broadcast(coordtypes.MeshIssuanceVote, map[string]interface{}{
		"epochId":       epochID,
		"coordinatorId": selfPeerID,
		"approve":       true,
	})

	if issuanceKnownCoordinatorCount(m, selfPeerID) <= 1 {
		quorumLedger.Commit(epochID)
		m.Broadcast(coordtypes.MeshIssuanceCommit, map[string]string{"epochId": epochID})
		finalizeEpoch(ctx, m, quorumLedger, anchorCoordinator, selfPeerID, epochID)
	}
}

// issuanceKnownCoordinatorCount counts the coordinator-role peers this node
// can currently see, plus itself, for quorum-threshold math.
func issuanceKnownCoordinatorCount(m *mesh.Mesh, selfPeerID string) int {
	count := 1 // self
	for _, p := range m.Peers() {
		if p.Identity.Role == coordtypes.RoleCoordinator {
			count++
		}
	}
	return count
}

// finalizeEpoch anchors a finalized epoch's checkpoint if this coordinator
// is the deterministic leader among currently reachable peers. Duplicated in
// pkg/server/gossip_handlers.go rather than shared, since this self-initiated
// issuance tick and the gossip-driven commit path are deliberately decoupled.
func finalizeEpoch(
	ctx context.Context,
	m *mesh.Mesh,
	quorumLedger *quorum.Ledger,
	anchorCoordinator *anchorcoord.Coordinator,
	selfPeerID string,
	epochID string,
) {
	if anchorCoordinator == nil {
		return
	}
	proposal, ok := quorumLedger.Proposal(epochID)
	if !ok || quorumLedger.IsCheckpointed(epochID) {
		return
	}

	reachable := []string{selfPeerID}
	for _, p := range m.Peers() {
		if p.Identity.Role == coordtypes.RoleCoordinator {
			reachable = append(reachable, p.Identity.PeerID)
		}
	}
	if !anchorcoord.IsLeader(selfPeerID, reachable) {
		return
	}

	checkpointHash := anchorcoord.CheckpointHashForEpoch(epochID, proposal.Allocations)
	rec := quorumLedger.AppendCheckpoint(epochID, checkpointHash)
	m.Broadcast(coordtypes.MeshIssuanceCheckpoint, map[string]string{
		"epochId":        rec.EpochID,
		"checkpointHash": checkpointHash,
	})

	if _, err := anchorCoordinator.AnchorCheckpoint(ctx, epochID, checkpointHash); err != nil {
		log.Printf("anchor checkpoint for epoch %s failed: %v", epochID, err)
	}
}

func startLoop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// loadOrGenerateKeyPair loads the coordinator's Ed25519 identity from
// COORDINATOR_PRIVATE_KEY_PEM if set, otherwise loads or generates one under
// DataDir and persists it with owner-only permissions.
func loadOrGenerateKeyPair(cfg *config.Config) (*identity.KeyPair, error) {
	if cfg.CoordinatorPrivateKeyPEM != "" {
		return identity.LoadKeyPairFromPEM([]byte(cfg.CoordinatorPrivateKeyPEM))
	}

	keyPath := filepath.Join(cfg.DataDir, "coordinator_key.pem")
	if data, err := os.ReadFile(keyPath); err == nil {
		return identity.LoadKeyPairFromPEM(data)
	}

	keys, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate coordinator keypair: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(identity.PrivateKeyPEM(keys.PrivateKey)), 0600); err != nil {
		return nil, fmt.Errorf("persist coordinator keypair to %s: %w", keyPath, err)
	}
	log.Printf("generated new coordinator keypair at %s", keyPath)
	return keys, nil
}

func printHelp() {
	fmt.Println("certen-coordinator: federated coordinator for the public compute mesh")
	fmt.Println()
	fmt.Println("usage: certen-coordinator [--help]")
	fmt.Println("configuration is read entirely from environment variables; see pkg/config")
}
