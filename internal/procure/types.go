package procure

import "fmt"

// Error is the typed procurement failure: which step failed, the provider's
// HTTP status when one was received, and a short message.
type Error struct {
	Op         string
	StatusCode int
	Msg        string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("procure %s: status %d: %s", e.Op, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("procure %s: %s", e.Op, e.Msg)
}

// Datacenter is one provider location.
type Datacenter struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Country      string   `json:"country"`
	Capabilities []string `json:"capabilities"`
}

// Tariff is one rentable server plan at a location.
type Tariff struct {
	ID           string `json:"id"`
	DatacenterID string `json:"datacenter_id"`
	CPU          int    `json:"cpu"`
	RAMMB        int    `json:"ram_mb"`
	DiskGB       int    `json:"disk_gb"`
	// MonthlyPrice in minor units.
	MonthlyPrice int64 `json:"monthly_price"`
	// Images lists the OS images currently deployable on this tariff. An
	// empty list means the tariff cannot be provisioned right now.
	Images []string `json:"images"`
}

// Plan is the resource requirement computed for an order.
type Plan struct {
	CPU    int
	RAMMB  int
	DiskGB int
}

// Satisfies reports whether the tariff covers the plan.
func (t Tariff) Satisfies(p Plan) bool {
	return t.CPU >= p.CPU && t.RAMMB >= p.RAMMB && t.DiskGB >= p.DiskGB
}

// Server is the provider's view of a created server.
type Server struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Address string `json:"address"`
}

// Credentials is the admin login assigned to a server. Assignment is
// asynchronous on the provider side and may lag server creation.
type Credentials struct {
	Login  string `json:"login"`
	Secret string `json:"secret"`
}

// Result is the ephemeral outcome of a procurement run. ExternalID is set as
// soon as the provider accepts the create request, before the address or
// credentials exist, so a partially-succeeded procurement can be torn down.
type Result struct {
	ExternalID string
	Address    string
	Login      string
	Secret     string
}
