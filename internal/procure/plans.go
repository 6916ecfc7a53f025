package procure

// planTier maps a capacity band to the resources a protocol class needs for
// it. Bands are inclusive upper bounds; lookup takes the first tier whose
// MaxPeers covers the request.
type planTier struct {
	MaxPeers int
	Plan     Plan
}

// planTable is keyed by protocol class. Kernel-space tunnels (wireguard) are
// cheap per peer; userspace TLS tunnels need more headroom.
var planTable = map[string][]planTier{
	"wireguard": {
		{MaxPeers: 10, Plan: Plan{CPU: 1, RAMMB: 512, DiskGB: 10}},
		{MaxPeers: 50, Plan: Plan{CPU: 1, RAMMB: 1024, DiskGB: 10}},
		{MaxPeers: 200, Plan: Plan{CPU: 2, RAMMB: 2048, DiskGB: 20}},
	},
	"openvpn": {
		{MaxPeers: 10, Plan: Plan{CPU: 1, RAMMB: 1024, DiskGB: 10}},
		{MaxPeers: 50, Plan: Plan{CPU: 2, RAMMB: 2048, DiskGB: 20}},
		{MaxPeers: 200, Plan: Plan{CPU: 4, RAMMB: 4096, DiskGB: 40}},
	},
	"ikev2": {
		{MaxPeers: 10, Plan: Plan{CPU: 1, RAMMB: 1024, DiskGB: 10}},
		{MaxPeers: 50, Plan: Plan{CPU: 2, RAMMB: 2048, DiskGB: 20}},
		{MaxPeers: 200, Plan: Plan{CPU: 4, RAMMB: 4096, DiskGB: 40}},
	},
	"shadowsocks": {
		{MaxPeers: 10, Plan: Plan{CPU: 1, RAMMB: 512, DiskGB: 10}},
		{MaxPeers: 50, Plan: Plan{CPU: 2, RAMMB: 1024, DiskGB: 10}},
		{MaxPeers: 200, Plan: Plan{CPU: 2, RAMMB: 2048, DiskGB: 20}},
	},
}

// defaultPlan covers unknown protocol classes and capacities beyond the
// largest tier.
var defaultPlan = Plan{CPU: 4, RAMMB: 8192, DiskGB: 80}

// PlanResources computes the resource plan for a protocol class and requested
// peer capacity via tiered lookup.
func PlanResources(protocolClass string, requestedCapacity int) Plan {
	tiers, ok := planTable[protocolClass]
	if !ok {
		return defaultPlan
	}
	for _, tier := range tiers {
		if requestedCapacity <= tier.MaxPeers {
			return tier.Plan
		}
	}
	return defaultPlan
}
