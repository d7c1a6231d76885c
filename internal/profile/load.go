package profile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"fleetd/pkg/types"
)

// MalformedError signals an invalid profile: missing fields, dangling
// dependencies, undeclared port collisions. Pre-start and non-retryable.
type MalformedError struct{ Msg string }

func (e MalformedError) Error() string { return "malformed profile: " + e.Msg }

// IsMalformed reports whether err indicates an invalid profile.
func IsMalformed(err error) bool {
	_, ok := err.(MalformedError)
	return ok
}

// Load validates a profile and returns its normalized service specs, sorted by
// tier then role. Specs declaring the same command and port are deduplicated
// into one physical process carrying the remaining roles as aliases.
func Load(p types.DeploymentProfile) ([]types.ServiceSpec, error) {
	if len(p.Services) == 0 {
		return nil, MalformedError{Msg: "profile has no services"}
	}

	byRole := make(map[string]types.ServiceSpec, len(p.Services))
	for _, s := range p.Services {
		if s.Role == "" {
			return nil, MalformedError{Msg: "service with empty role"}
		}
		if _, dup := byRole[s.Role]; dup {
			return nil, MalformedError{Msg: "duplicate role: " + s.Role}
		}
		if len(s.Command) == 0 {
			return nil, MalformedError{Msg: "role " + s.Role + ": empty command"}
		}
		if s.Tier < 0 {
			return nil, MalformedError{Msg: "role " + s.Role + ": negative tier"}
		}
		switch s.Probe {
		case types.ProbeHTTP, types.ProbeTCP:
			if s.Port <= 0 {
				return nil, MalformedError{Msg: fmt.Sprintf("role %s: %s probe requires a port", s.Role, s.Probe)}
			}
		case types.ProbeProcess:
		default:
			return nil, MalformedError{Msg: fmt.Sprintf("role %s: unknown probe kind %q", s.Role, s.Probe)}
		}
		byRole[s.Role] = s
	}

	for _, s := range p.Services {
		for _, dep := range s.DependsOn {
			d, ok := byRole[dep]
			if !ok {
				return nil, MalformedError{Msg: fmt.Sprintf("role %s depends on unknown role %s", s.Role, dep)}
			}
			if d.Tier >= s.Tier {
				return nil, MalformedError{Msg: fmt.Sprintf("role %s (tier %d) depends on %s (tier %d); dependency tier must be lower", s.Role, s.Tier, dep, d.Tier)}
			}
		}
	}

	if err := checkPorts(p.Services); err != nil {
		return nil, err
	}

	specs, err := dedup(p.Services)
	if err != nil {
		return nil, err
	}

	for i := range specs {
		specs[i].Command = renderCommand(specs[i])
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Tier != specs[j].Tier {
			return specs[i].Tier < specs[j].Tier
		}
		return specs[i].Role < specs[j].Role
	})
	return specs, nil
}

// checkPorts rejects port collisions unless either side declares the other as
// a sharing partner. Identical command+port pairs are exempt: they collapse
// into one process during dedup.
func checkPorts(services []types.ServiceSpec) error {
	for i := 0; i < len(services); i++ {
		for j := i + 1; j < len(services); j++ {
			a, b := services[i], services[j]
			if a.Port == 0 || a.Port != b.Port {
				continue
			}
			if commandKey(a) == commandKey(b) {
				continue
			}
			if declaresSharing(a, b.Role) || declaresSharing(b, a.Role) {
				continue
			}
			return MalformedError{Msg: fmt.Sprintf("roles %s and %s collide on port %d without a sharing declaration", a.Role, b.Role, a.Port)}
		}
	}
	return nil
}

func declaresSharing(s types.ServiceSpec, role string) bool {
	for _, r := range s.SharesPortWith {
		if r == role {
			return true
		}
	}
	return false
}

func commandKey(s types.ServiceSpec) string {
	return strings.Join(s.Command, "\x00") + "\x00" + strconv.Itoa(s.Port)
}

// dedup merges specs sharing command+port into one physical process. The
// first role in declaration order owns the record; the rest become aliases.
func dedup(services []types.ServiceSpec) ([]types.ServiceSpec, error) {
	var out []types.ServiceSpec
	index := make(map[string]int)
	for _, s := range services {
		key := commandKey(s)
		at, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, s)
			continue
		}
		if out[at].Tier != s.Tier {
			return nil, MalformedError{Msg: fmt.Sprintf("roles %s and %s share a process but declare different tiers", out[at].Role, s.Role)}
		}
		out[at].Aliases = append(out[at].Aliases, s.Role)
		out[at].DependsOn = mergeRoles(out[at].DependsOn, s.DependsOn)
	}
	return out, nil
}

func mergeRoles(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, r := range a {
		seen[r] = true
	}
	for _, r := range b {
		if !seen[r] {
			a = append(a, r)
			seen[r] = true
		}
	}
	return a
}

// renderCommand substitutes template placeholders in the argv.
func renderCommand(s types.ServiceSpec) []string {
	repl := strings.NewReplacer(
		"{port}", strconv.Itoa(s.Port),
		"{parallelism}", strconv.Itoa(s.Parallelism),
		"{memory_share}", strconv.FormatFloat(s.MemoryShare, 'f', 2, 64),
		"{role}", s.Role,
	)
	out := make([]string, len(s.Command))
	for i, arg := range s.Command {
		out[i] = repl.Replace(arg)
	}
	return out
}

// Find returns the spec serving a role, matching aliases from deduplication.
func Find(specs []types.ServiceSpec, role string) (types.ServiceSpec, bool) {
	for _, s := range specs {
		if s.Role == role {
			return s, true
		}
		for _, a := range s.Aliases {
			if a == role {
				return s, true
			}
		}
	}
	return types.ServiceSpec{}, false
}

// Tiers groups specs by ascending dependency tier.
func Tiers(specs []types.ServiceSpec) [][]types.ServiceSpec {
	byTier := make(map[int][]types.ServiceSpec)
	var order []int
	for _, s := range specs {
		if _, ok := byTier[s.Tier]; !ok {
			order = append(order, s.Tier)
		}
		byTier[s.Tier] = append(byTier[s.Tier], s)
	}
	sort.Ints(order)
	out := make([][]types.ServiceSpec, 0, len(order))
	for _, t := range order {
		out = append(out, byTier[t])
	}
	return out
}
