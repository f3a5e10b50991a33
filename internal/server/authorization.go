package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, err := callerFrom(c)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), who, strings.TrimSpace(object), strings.TrimSpace(action)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// can reports whether the current caller holds an optional capability, e.g. viewing any invoice.
func (s *Server) can(c *gin.Context, object string, action string) bool {
	who, err := callerFrom(c)
	if err != nil || s.authzSvc == nil {
		return false
	}
	return s.authzSvc.Authorize(c.Request.Context(), who, object, action) == nil
}
