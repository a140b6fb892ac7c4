// Package ginx402 adapts the payment gate to Gin. It translates gin.Context
// into the gate's inputs and leaves verification and settlement to x402.Gate.
package ginx402

import (
	"context"
	"net/http"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/gin-gonic/gin"
)

// PaymentContextKey is the gin context key holding the *x402.PaymentContext.
const PaymentContextKey = "x402_payment"

// Middleware gates every route it is attached to that cfg prices.
//
//	r := gin.Default()
//	r.Use(ginx402.Middleware(gate, cfg))
//	r.POST("/analyze-workout", func(c *gin.Context) {
//	    payment := ginx402.GetPaymentFromContext(c)
//	    c.JSON(200, gin.H{"payer": payment.PayerAddress})
//	})
func Middleware(gate *x402.Gate, cfg x402.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, requiresPayment := cfg.MatchEndpoint(c.Request.URL.Path)
		if !requiresPayment {
			c.Next()
			return
		}

		accepts := x402.PreferNetwork(
			x402.BuildRequirements(*rule, x402.BuildResourceURL(c.Request), cfg),
			c.GetHeader(x402.HeaderChain),
		)

		out := gate.Process(c.Request.Context(), c.GetHeader(x402.HeaderPayment), accepts)
		if !out.Granted() {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, out.Challenge)
			return
		}

		if encoded, err := x402.EncodeSettlement(out.Settlement); err == nil {
			c.Header(x402.HeaderPaymentResponse, encoded)
		}

		payment := out.PaymentContext(gate.Clock().Now())
		c.Set(PaymentContextKey, payment)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), x402.PaymentContextKey, payment))

		c.Next()

		// The handler's failure does not undo the settled payment.
		if c.Writer.Status() >= http.StatusInternalServerError {
			var cause error
			if last := c.Errors.Last(); last != nil {
				cause = last
			}
			gate.HandlerFailed(c.Request.Context(), out,
				x402.NewPaymentError(x402.ErrCodeResourceHandler, http.StatusText(c.Writer.Status()), cause))
		}
	}
}

// GetPaymentFromContext returns the settled payment, or nil.
func GetPaymentFromContext(c *gin.Context) *x402.PaymentContext {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	payment, _ := value.(*x402.PaymentContext)
	return payment
}
