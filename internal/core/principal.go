package core

// Feature identifies a metered capability of the service.
type Feature string

const (
	FeatureSearch     Feature = "search"
	FeatureQA         Feature = "qa"
	FeatureConsultant Feature = "consultant"
)

const (
	RoleFree     = "free"
	RoleStandard = "standard"
	RolePremium  = "premium"
	RoleAdmin    = "admin"
)

// Principal is the authenticated actor behind a request: identity, role
// and the token balance snapshot taken at auth time.
type Principal struct {
	UserID          int64
	ExternalID      string
	Role            string
	RemainingTokens int64
}

var featureRoles = map[Feature]map[string]bool{
	FeatureSearch:     {RoleFree: true, RoleStandard: true, RolePremium: true, RoleAdmin: true},
	FeatureQA:         {RoleStandard: true, RolePremium: true, RoleAdmin: true},
	FeatureConsultant: {RolePremium: true, RoleAdmin: true},
}

func (p *Principal) CanAccess(f Feature) bool {
	roles, ok := featureRoles[f]
	return ok && roles[p.Role]
}

// Unlimited reports whether the principal bypasses balance checks.
func (p *Principal) Unlimited() bool {
	return p.Role == RoleAdmin
}
