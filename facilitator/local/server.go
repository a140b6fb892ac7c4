package local

import (
	"errors"
	"net/http"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/becomeliminal/x402-paygate/facilitator"
	"github.com/gin-gonic/gin"
)

// Handler serves /verify, /settle, /supported and /transfers.
func (f *Facilitator) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), f.requestLogger())

	api := r.Group("/")
	if f.cfg.AuthSecret != "" {
		api.Use(f.requireAuth())
	}

	api.POST("/verify", f.handleVerify)
	api.POST("/settle", f.handleSettle)
	api.GET("/supported", f.handleSupported)
	api.GET("/transfers", f.handleTransfers)

	return r
}

func (f *Facilitator) handleVerify(c *gin.Context) {
	var req facilitator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, facilitator.Response{Success: facilitator.Bool(false), Error: "invalid request format"})
		return
	}

	if err := f.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentDetails); err != nil {
		c.JSON(http.StatusOK, facilitator.Response{Success: facilitator.Bool(false), Error: reasonOf(err)})
		return
	}

	c.JSON(http.StatusOK, facilitator.Response{Success: facilitator.Bool(true), Payer: req.PaymentPayload.Payer})
}

func (f *Facilitator) handleSettle(c *gin.Context) {
	var req facilitator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, facilitator.Response{Success: facilitator.Bool(false), Error: "invalid request format"})
		return
	}

	result, err := f.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentDetails)
	if err != nil {
		c.JSON(http.StatusOK, facilitator.Response{Success: facilitator.Bool(false), Error: reasonOf(err)})
		return
	}

	c.JSON(http.StatusOK, facilitator.Response{
		Success:         facilitator.Bool(true),
		TransactionHash: result.TransactionHash,
		Network:         result.Network,
		Payer:           result.Payer,
	})
}

func (f *Facilitator) handleSupported(c *gin.Context) {
	kinds := make([]facilitator.SupportedKind, 0, len(f.cfg.Networks))
	for _, network := range f.cfg.Networks {
		kinds = append(kinds, facilitator.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     network,
		})
	}
	c.JSON(http.StatusOK, facilitator.SupportedResponse{Kinds: kinds})
}

func (f *Facilitator) handleTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"transfers": f.Transfers()})
}

func (f *Facilitator) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := facilitator.ValidateToken(c.GetHeader("Authorization"), f.cfg.AuthSecret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, facilitator.Response{Success: facilitator.Bool(false), Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func (f *Facilitator) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		f.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	}
}

func reasonOf(err error) string {
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
