// Package httpapi exposes the in-scope HTTP surface named by the core
// boundary: authenticated private feeds, unauthenticated public feeds, a
// health endpoint, and authenticated mark-read, toggle-star and
// unread-counts routes — following the teacher's Recovery+Logger global
// middleware chain and route-group layering.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/watcher/internal/control"
	"github.com/use-agent/watcher/internal/watchererr"
)

// contextKey namespaces values stashed on a request context by this package.
type contextKey struct{ name string }

var apiKeyContextKey = contextKey{"api-key"}

// DefaultPrincipalResolver treats the raw API key extracted by
// extractAPIKey as the principal ID itself. Verifying that key against a
// real account directory is the session/auth layer's job and is out of
// scope here (see spec §1) — this resolver is the minimal seam a real
// deployment replaces.
func DefaultPrincipalResolver(ctx context.Context) (string, error) {
	key, _ := ctx.Value(apiKeyContextKey).(string)
	if key == "" {
		return "", errors.New("no API key present on request")
	}
	return key, nil
}

// extractAPIKey mirrors the teacher's dual X-API-Key / Bearer-token
// extraction pattern.
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ErrorResponse is the JSON envelope for API-boundary errors. Internal
// errors never leak their wrapped cause or a stack trace to the client.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRouter builds the gin.Engine serving every route listed above. resolver extracts the
// calling principal from an authenticated request; auth/session
// management itself is out of scope and lives entirely behind this seam.
func NewRouter(plane *control.Plane, resolver control.PrincipalResolver, mode string, startTime time.Time) *gin.Engine {
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", healthHandler(startTime))
	r.GET("/feeds/public/:slug", publicFeedHandler(plane))
	r.GET("/feeds/private/:id", privateFeedHandler(plane, resolver))
	r.POST("/targets/:id/events/:eventID/read", markReadHandler(plane, resolver))
	r.POST("/targets/:id/events/:eventID/star", toggleStarHandler(plane, resolver))
	r.GET("/unread-counts", unreadCountsHandler(plane, resolver))

	return r
}

func healthHandler(startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(startTime).String(),
		})
	}
}

func publicFeedHandler(plane *control.Plane) gin.HandlerFunc {
	return func(c *gin.Context) {
		slug := c.Param("slug")
		limit := limitFromQuery(c)

		xmlBytes, err := plane.RenderPublicFeed(c.Request.Context(), slug, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", xmlBytes)
	}
}

func privateFeedHandler(plane *control.Plane, resolver control.PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		targetID := c.Param("id")
		limit := limitFromQuery(c)

		principalID, ok := resolvePrincipal(c, resolver)
		if !ok {
			return
		}

		xmlBytes, err := plane.RenderFeed(c.Request.Context(), principalID, targetID, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", xmlBytes)
	}
}

// resolvePrincipal extracts the calling principal the same way
// privateFeedHandler does, aborting the request with 401 on failure.
func resolvePrincipal(c *gin.Context, resolver control.PrincipalResolver) (string, bool) {
	reqCtx := context.WithValue(c.Request.Context(), apiKeyContextKey, extractAPIKey(c))
	principalID, err := resolver(reqCtx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error: ErrorDetail{Code: string(watchererr.KindUnauthorized), Message: "authentication required"},
		})
		return "", false
	}
	return principalID, true
}

func markReadHandler(plane *control.Plane, resolver control.PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		principalID, ok := resolvePrincipal(c, resolver)
		if !ok {
			return
		}
		if err := plane.MarkRead(c.Request.Context(), principalID, c.Param("id"), c.Param("eventID")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func toggleStarHandler(plane *control.Plane, resolver control.PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		principalID, ok := resolvePrincipal(c, resolver)
		if !ok {
			return
		}
		starred, err := plane.ToggleStar(c.Request.Context(), principalID, c.Param("id"), c.Param("eventID"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"starred": starred})
	}
}

func unreadCountsHandler(plane *control.Plane, resolver control.PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		principalID, ok := resolvePrincipal(c, resolver)
		if !ok {
			return
		}
		counts, err := plane.GetUnreadCounts(c.Request.Context(), principalID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"by_target": counts.ByTarget, "by_folder": counts.ByFolder})
	}
}

func limitFromQuery(c *gin.Context) int {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := parsePositiveInt(v); err == nil {
			limit = parsed
		}
	}
	return limit
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a positive integer")
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func writeError(c *gin.Context, err error) {
	var werr *watchererr.Error
	if errors.As(err, &werr) {
		status := statusForKind(werr.Kind)
		c.AbortWithStatusJSON(status, ErrorResponse{
			Error: ErrorDetail{Code: string(werr.Kind), Message: werr.Message},
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: ErrorDetail{Code: string(watchererr.KindInternal), Message: "internal error"},
	})
}

func statusForKind(kind watchererr.Kind) int {
	switch kind {
	case watchererr.KindUnauthorized:
		return http.StatusUnauthorized
	case watchererr.KindInvalidInput, watchererr.KindSSRFRejected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
