package api

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/witnet/explorer-trs/internal/db"
	"github.com/witnet/explorer-trs/internal/eligibility"
	"github.com/witnet/explorer-trs/internal/idmap"
	"github.com/witnet/explorer-trs/internal/reconcile"
)

// EngineView exposes exactly the read-only surface routes.go needs from
// *reputation.Engine, so handlers never mutate engine state directly.
type EngineView interface {
	Epoch() uint32
	Identities() map[string]uint64
	Stats() (maxDistributed, maxSlashed uint64)
	CheckInvariants() error
}

type APIHandler struct {
	dbStore     *db.PostgresStore
	engine      EngineView
	mapper      *idmap.Mapper
	wsHub       *Hub
	reconciler  *reconcile.Reconciler
}

func SetupRouter(dbStore *db.PostgresStore, engine EngineView, mapper *idmap.Mapper, wsHub *Hub, reconciler *reconcile.Reconciler) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://witnet.network
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		dbStore:    dbStore,
		engine:     engine,
		mapper:     mapper,
		wsHub:      wsHub,
		reconciler: reconciler,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	auth.Use(NewRateLimiter(60, 10).Middleware())
	{
		auth.GET("/trs/:epoch", handler.handleGetTRS)
		auth.GET("/eligibility", handler.handleGetEligibility)
		auth.GET("/stats", handler.handleGetStats)
		auth.POST("/reconcile", handler.handleReconcile)
		auth.GET("/reconcile/drift", handler.handleDriftReport)
	}

	return r
}

// handleHealth returns engine status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbConnected := h.dbStore != nil

	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "witnet explorer TRS engine",
		"epoch":       h.engine.Epoch(),
		"dbConnected": dbConnected,
	})
}

// handleGetTRS returns the persisted per-epoch reputation row, walking
// backwards to the latest row at or before the requested epoch since rows
// are only persisted for epochs the engine processed (plus one phantom epoch
// per gap), so skipped epochs have no row of their own.
func (h *APIHandler) handleGetTRS(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not connected"})
		return
	}

	epoch, err := strconv.ParseUint(c.Param("epoch"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid epoch"})
		return
	}

	row, found, err := h.dbStore.GetTRS(c.Request.Context(), uint32(epoch))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read trs row", "details": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trs row at or before requested epoch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requestedEpoch": epoch,
		"epoch":          row.Epoch,
		"addresses":      row.AddressIDs,
		"reputations":    row.Reputations,
	})
}

// handleGetEligibility returns per-identity eligibility fractions derived
// from the live in-memory identity map, both as the raw [0,1] fraction and
// a percent scaling for direct frontend consumption.
func (h *APIHandler) handleGetEligibility(c *gin.Context) {
	identities := h.engine.Identities()
	result := eligibility.Calculate(identities)

	entries := make([]gin.H, 0, len(result.Eligibility))
	for id, frac := range result.Eligibility {
		entries = append(entries, gin.H{
			"identity":    id,
			"reputation":  identities[id],
			"eligibility": frac,
			"percent":     frac * 100,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"epoch":            h.engine.Epoch(),
		"totalReputation":  result.Total,
		"eligibilities":    entries,
	})
}

// handleGetStats surfaces the engine's running high-water marks, the Go
// equivalent of the original's print_statistics.
func (h *APIHandler) handleGetStats(c *gin.Context) {
	maxDistributed, maxSlashed := h.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"epoch":                    h.engine.Epoch(),
		"maxReputationDistributed": maxDistributed,
		"maxReputationSlashed":     maxSlashed,
	})
}

// handleReconcile runs the reconciler's invariant check against the engine's
// current state and broadcasts an invariant_violation event over the
// websocket hub if one is found (spec §9's violation-surfacing path, the
// TRS analogue of the teacher's shadow-mode divergence alert).
func (h *APIHandler) handleReconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}

	result := h.reconciler.Check(c.Request.Context(), h.engine.Epoch(), h.engine, time.Now())
	if result.Violation != "" {
		BroadcastInvariantViolation(h.wsHub, result.Epoch, result.Violation)
	}

	c.JSON(http.StatusOK, result)
}

// handleDriftReport surfaces the aggregate reconciliation history.
func (h *APIHandler) handleDriftReport(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}

	report, err := h.reconciler.GenerateDriftReport(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate drift report", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// BroadcastEpochUpdate notifies connected websocket clients that an epoch's
// Update has committed, replacing the teacher's CoinJoin-alert broadcast.
func BroadcastEpochUpdate(wsHub *Hub, epoch uint32) {
	payload := gin.H{
		"type":  "epoch_update",
		"epoch": epoch,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal epoch update broadcast: %v", err)
		return
	}
	wsHub.Broadcast(data)
}

// BroadcastInvariantViolation notifies connected websocket clients that a
// reconciliation pass detected a conservation invariant violation.
func BroadcastInvariantViolation(wsHub *Hub, epoch uint32, violation string) {
	payload := gin.H{
		"type":      "invariant_violation",
		"epoch":     epoch,
		"violation": violation,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal invariant violation broadcast: %v", err)
		return
	}
	wsHub.Broadcast(data)
}
