package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	"sandbox/internal/auth"
)

const (
	headerAccessToken = "x-access-token"
	headerWorkerID    = "x-worker-id"

	contextKeyIdentity = "identity"
	contextKeyWorkerID = "worker_id"
)

// userAuth verifies the x-access-token header as a user token. When required
// is false a missing token passes through as an anonymous request; a present
// but bad token is always rejected.
func (s *Server) userAuth(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(headerAccessToken)
		if token == "" {
			if required {
				respondError(c, errKindUnauthenticated, "access token required")
				return
			}
			c.Next()
			return
		}

		if s.deps.Verifier == nil {
			respondError(c, errKindUnauthenticated, "user login is not configured")
			return
		}
		identity, err := s.deps.Verifier.Verify(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				respondError(c, errKindTokenExpired, "access token expired")
			default:
				respondError(c, errKindUnauthenticated, "invalid access token")
			}
			return
		}
		c.Set(contextKeyIdentity, identity)
		c.Next()
	}
}

// workerAuth matches the x-access-token header against the worker secret and
// refreshes the caller's liveness row keyed by x-worker-id.
func (s *Server) workerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Workers == nil {
			respondError(c, errKindUnauthenticated, "worker access is not configured")
			return
		}
		if err := s.deps.Workers.Authenticate(c.GetHeader(headerAccessToken)); err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				respondError(c, errKindUnauthenticated, "access token required")
			default:
				respondError(c, errKindWrongToken, "wrong worker token")
			}
			return
		}

		if workerID := c.GetHeader(headerWorkerID); workerID != "" {
			c.Set(contextKeyWorkerID, workerID)
			if err := s.deps.Store.PingWorker(c.Request.Context(), workerID); err != nil {
				s.logger.Warn("Failed to ping worker %s: %v", workerID, err)
			}
		}
		c.Next()
	}
}

// identityFromContext returns the verified user, if any.
func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(contextKeyIdentity)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}
