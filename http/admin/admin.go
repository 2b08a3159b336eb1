// Package admin serves the operational API of a payee: claim status,
// manual claims and voucher lookups.
package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/ipfs/go-log/v2"

	"github.com/x402-foundation/paychan"
)

var logger = log.Logger("paychan/admin")

// Config carries the collaborators of the admin API
type Config struct {
	Claims   *paychan.ClaimEngine
	Vouchers paychan.VoucherRepository
	Pending  paychan.PendingVoucherStore

	// Token enables bearer authentication when non-empty
	Token string
}

// Server is the admin API
type Server struct {
	cfg     Config
	router  *gin.Engine
	started time.Time
}

// NewServer creates the admin API with its routes registered under /admin
func NewServer(cfg Config) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{cfg: cfg, router: router, started: time.Now()}
	s.Register(router)
	return s
}

// Handler returns the http.Handler serving the admin routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Register adds the admin routes to r
func (s *Server) Register(r gin.IRouter) {
	admin := r.Group("/admin")
	if s.cfg.Token != "" {
		admin.Use(BearerAuth(s.cfg.Token))
	}
	{
		admin.GET("/health", s.handleHealth)
		admin.GET("/channels/:channelId/claims", s.handleClaims)
		admin.POST("/channels/:channelId/sub/:vm/claim", s.handleTriggerClaim)
		admin.GET("/channels/:channelId/sub/:vm/vouchers/:nonce", s.handleVoucher)
		admin.GET("/channels/:channelId/sub/:vm/pending", s.handlePending)
	}
}

// BearerAuth rejects requests whose Authorization header does not carry token
func BearerAuth(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleClaims(c *gin.Context) {
	records, err := s.cfg.Claims.Status(c.Request.Context(), c.Param("channelId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channelId": c.Param("channelId"),
		"claims":    records,
	})
}

func (s *Server) handleTriggerClaim(c *gin.Context) {
	key := paychan.SubChannelKey{ChannelID: c.Param("channelId"), VMIDFragment: c.Param("vm")}
	record, err := s.cfg.Claims.TriggerClaim(c.Request.Context(), key)
	if err != nil {
		logger.Warnw("manual claim failed", "subChannel", key, "err", err)
		writeError(c, err)
		return
	}
	logger.Infow("manual claim submitted", "subChannel", key, "tx", record.LastTxHash)
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleVoucher(c *gin.Context) {
	nonce, err := strconv.ParseUint(c.Param("nonce"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nonce must be an unsigned integer"})
		return
	}
	archive, ok := s.cfg.Vouchers.(paychan.VoucherArchive)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "voucher repository keeps no archive"})
		return
	}

	v, err := archive.GetByNonce(c.Request.Context(), c.Param("channelId"), c.Param("vm"), nonce)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v.ToWire())
}

func (s *Server) handlePending(c *gin.Context) {
	p, err := s.cfg.Pending.GetPending(c.Request.Context(), c.Param("channelId"), c.Param("vm"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"voucher":  p.Voucher.ToWire(),
		"issuedAt": p.IssuedAt,
	})
}

func writeError(c *gin.Context, err error) {
	var pe *paychan.PaymentError
	switch {
	case errors.Is(err, paychan.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, paychan.ErrClaimInFlight), errors.Is(err, paychan.ErrNothingToClaim):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, paychan.ErrNoClaimSlot):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &pe):
		c.JSON(pe.HTTPStatus(), gin.H{"error": pe.Message, "code": pe.Code})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
