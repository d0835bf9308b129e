package mgmt

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/access"
	"github.com/p-blackswan/privileged-access/internal/drift"
	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/health"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/policy"
	"github.com/p-blackswan/privileged-access/internal/requestid"
	"github.com/p-blackswan/privileged-access/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	access     *access.Service
	drift      *drift.Reconciler
	policy     *policy.Policy
	checker    *health.Checker
	policyFile string
	logger     zerolog.Logger
	startTime  time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, policyFile string, logger zerolog.Logger) *Handlers {
	return &Handlers{
		access:     deps.Access,
		drift:      deps.Drift,
		policy:     deps.Policy,
		checker:    deps.Checker,
		policyFile: policyFile,
		logger:     logger.With().Str("component", "handlers").Logger(),
		startTime:  time.Now(),
	}
}

// SubmitRequest handles POST /api/v1/requests.
func (h *Handlers) SubmitRequest(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}

	requester := actingPrincipal(c, req.Requester)
	if bound, _ := c.Locals(localPrincipal).(string); bound != "" && req.Requester != "" && req.Requester != bound {
		return problemResponse(c, fiber.StatusForbidden,
			"principal_mismatch", "Forbidden",
			"API key may only request access for "+bound)
	}

	var dur time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_request", "Bad Request",
				"duration must be a Go duration such as 2h or 30m")
		}
		dur = d
	}

	g, created, err := h.access.Submit(c.UserContext(), access.SubmitInput{
		Requester:     requester,
		Role:          req.Role,
		Duration:      dur,
		Justification: req.Justification,
		TicketRef:     req.TicketRef,
	})
	if err != nil {
		return h.writeError(c, err)
	}

	status := fiber.StatusCreated
	if !created {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(SubmitResponse{
		GrantID: g.ID,
		State:   g.State,
		Created: created,
		Grant:   g,
	})
}

// ListGrants handles GET /api/v1/grants.
func (h *Handlers) ListGrants(c *fiber.Ctx) error {
	f := store.GrantFilter{
		State:     models.State(c.Query("state")),
		Requester: c.Query("requester"),
		Role:      c.Query("role"),
		Limit:     c.QueryInt("limit", defaultListLimit),
		Offset:    c.QueryInt("offset", 0),
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	grants, err := h.access.List(c.UserContext(), f)
	if err != nil {
		return h.writeError(c, err)
	}
	if grants == nil {
		grants = []*models.Grant{}
	}
	return c.JSON(GrantListResponse{Grants: grants, Limit: f.Limit, Offset: f.Offset})
}

// GetGrant handles GET /api/v1/grants/:id.
func (h *Handlers) GetGrant(c *fiber.Ctx) error {
	g, err := h.access.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(GrantResponse{Grant: g})
}

// GrantAudit handles GET /api/v1/grants/:id/audit.
func (h *Handlers) GrantAudit(c *fiber.Ctx) error {
	events, err := h.access.Audit(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	return c.JSON(AuditResponse{Events: events})
}

// ApproveGrant handles POST /api/v1/grants/:id/approve.
func (h *Handlers) ApproveGrant(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	approver := actingPrincipal(c, req.Approver)
	if approver == "" {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_request", "Bad Request", "approver is required")
	}

	g, err := h.access.Approve(c.UserContext(), c.Params("id"), approver)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(GrantResponse{Grant: g})
}

// DenyGrant handles POST /api/v1/grants/:id/deny.
func (h *Handlers) DenyGrant(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	approver := actingPrincipal(c, req.Approver)
	if approver == "" {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_request", "Bad Request", "approver is required")
	}

	g, err := h.access.Deny(c.UserContext(), c.Params("id"), approver, req.Reason)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(GrantResponse{Grant: g})
}

// RevokeGrant handles POST /api/v1/grants/:id/revoke.
func (h *Handlers) RevokeGrant(c *fiber.Ctx) error {
	var req RevokeRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}

	g, err := h.access.Revoke(c.UserContext(), c.Params("id"), actingPrincipal(c, req.Actor), req.Reason)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(GrantResponse{Grant: g})
}

// RunDrift handles POST /api/v1/drift/run.
func (h *Handlers) RunDrift(c *fiber.Ctx) error {
	report, err := h.drift.RunOnce(c.UserContext())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(report)
}

// GetPolicy handles GET /api/v1/policy.
func (h *Handlers) GetPolicy(c *fiber.Ctx) error {
	return c.JSON(h.policyResponse())
}

// ReloadPolicy handles POST /api/v1/policy/reload.
func (h *Handlers) ReloadPolicy(c *fiber.Ctx) error {
	if h.policyFile == "" {
		return problemResponse(c, fiber.StatusConflict,
			"no_policy_file", "Conflict",
			"the built-in catalog is in use; set POLICY_FILE to enable reloads")
	}
	catalog, err := policy.LoadFile(h.policyFile)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_policy", "Bad Request", err.Error())
	}
	if err := h.policy.Replace(catalog); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_policy", "Bad Request", err.Error())
	}
	return c.JSON(h.policyResponse())
}

func (h *Handlers) policyResponse() PolicyResponse {
	snap := h.policy.Snapshot()
	resp := PolicyResponse{
		Version:                snap.Version,
		MaxDuration:            snap.MaxDuration,
		JustificationMaxLength: snap.JustificationMaxLength,
		BreakGlass:             snap.BreakGlass,
		Roles:                  make([]PolicyRole, 0, len(snap.Roles)),
	}
	if resp.BreakGlass == nil {
		resp.BreakGlass = []string{}
	}
	for _, r := range snap.Roles {
		resp.Roles = append(resp.Roles, PolicyRole{
			Name:             r.Name,
			Description:      r.Description,
			Tier:             r.Tier,
			RequiresApproval: r.RequiresApproval(),
			MaxDuration:      h.policy.MaxDuration(r).String(),
			AutoRemoveDrift:  r.AutoRemoveDrift,
		})
	}
	return resp
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(HealthResponse{Status: "ready"})
	}
	report := h.checker.Check(c.UserContext())
	checks := make(map[string]string, len(report.Checks))
	for name, s := range report.Checks {
		checks[name] = string(s)
	}
	resp := HealthResponse{
		Status: "ready",
		Checks: checks,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	}
	if !report.Ready {
		resp.Status = "not_ready"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

// writeError maps the error taxonomy onto problem details.
func (h *Handlers) writeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrInvalidRequest):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_request", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrInvalidTransition):
		return problemResponse(c, fiber.StatusConflict, "invalid_transition", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrBackendUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "backend_unavailable", "Service Unavailable", err.Error())
	case errors.Is(err, perrors.ErrBackendRejected):
		return problemResponse(c, fiber.StatusBadGateway, "backend_rejected", "Bad Gateway", err.Error())
	}

	log := requestid.Logger(c.UserContext(), h.logger)
	log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return problemResponse(c, fiber.StatusInternalServerError,
		"internal_error", "Internal Server Error",
		"An internal error occurred")
}

func invalidBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}
