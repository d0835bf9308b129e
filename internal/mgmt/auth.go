package mgmt

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Role defines the access level for an API key.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOperator  Role = "operator"
	RoleRequester Role = "requester"
	RoleReadOnly  Role = "readonly"
)

// Credential is what an API key authenticates as. An empty Principal lets
// the caller name the acting user in the request body.
type Credential struct {
	Role      Role
	Principal string
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode string                // "api-key" or "none"
	Keys map[string]Credential // api-key → credential
}

const (
	localRole      = "role"
	localPrincipal = "principal"
)

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware returns a Fiber middleware that validates the Authorization header.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == "none" {
			c.Locals(localRole, RoleAdmin)
			return c.Next()
		}

		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		for key, cred := range cfg.Keys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
				c.Locals(localRole, cred.Role)
				c.Locals(localPrincipal, cred.Principal)
				return c.Next()
			}
		}

		logger.Warn().
			Str("path", path).
			Str("method", c.Method()).
			Msg("unauthorized request: invalid API key")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

var roleLevel = map[Role]int{
	RoleReadOnly:  1,
	RoleRequester: 2,
	RoleOperator:  3,
	RoleAdmin:     4,
}

// requireRole returns a middleware that enforces a minimum role level.
func requireRole(minRole Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals(localRole).(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

// actingPrincipal returns the principal bound to the API key, falling back
// to the identity named in the request body.
func actingPrincipal(c *fiber.Ctx, fromBody string) string {
	if p, _ := c.Locals(localPrincipal).(string); p != "" {
		return p
	}
	return strings.TrimSpace(fromBody)
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
