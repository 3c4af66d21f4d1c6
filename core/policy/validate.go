package policy

// Disallowed returns the action types in p that allowed does not contain,
// in declaration order. An empty result means the policy is valid.
func Disallowed(p Policy, allowed AllowSet) []string {
	out := []string{}
	for _, a := range p.Actions {
		if !allowed.Contains(a.Type) {
			out = append(out, a.Type)
		}
	}
	return out
}
