// Package invariant implements the kernel's always-on pure predicates:
// deterministic checks run both before and after every operation
// regardless of manifest or contract configuration.
package invariant

// Predicate is a deterministic pure check over an operation's payload.
// It returns (true, "") when the payload satisfies the invariant, or
// (false, reason) on violation. Predicates must never perform I/O or
// depend on wall-clock time so that the same payload always yields the
// same verdict.
type Predicate func(payload map[string]interface{}) (bool, string)

// Invariant pairs a name with its predicate for registry and audit
// purposes.
type Invariant struct {
	Name      string
	Predicate Predicate
}

// Registry holds the set of invariants the kernel runs on every
// operation, pre- and post-execution.
type Registry struct {
	invariants []Invariant
}

// NewRegistry creates a Registry pre-populated with the five built-in
// invariants.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Add("NoCodeInjection", NoCodeInjection)
	r.Add("NoShellInjection", NoShellInjection)
	r.Add("NoProtectedPathAccess", NoProtectedPathAccess)
	r.Add("NoHardcodedSecrets", NoHardcodedSecrets)
	r.Add("MaxOperationSize", MaxOperationSizeInvariant(maxOperationSizeDefault))
	return r
}

// Add registers an additional invariant. Invariants are additive: there
// is no API to remove a built-in check at runtime.
func (r *Registry) Add(name string, p Predicate) {
	r.invariants = append(r.invariants, Invariant{Name: name, Predicate: p})
}

// Result is one invariant's verdict.
type Result struct {
	Name      string
	Satisfied bool
	Reason    string
}

// CheckAll runs every registered invariant against payload and returns
// one Result per invariant, in registration order.
func (r *Registry) CheckAll(payload map[string]interface{}) []Result {
	results := make([]Result, 0, len(r.invariants))
	for _, inv := range r.invariants {
		ok, reason := inv.Predicate(payload)
		results = append(results, Result{Name: inv.Name, Satisfied: ok, Reason: reason})
	}
	return results
}

// AllSatisfied reports whether every result in results is satisfied.
func AllSatisfied(results []Result) bool {
	for _, r := range results {
		if !r.Satisfied {
			return false
		}
	}
	return true
}

// FirstViolation returns the first unsatisfied result, if any.
func FirstViolation(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.Satisfied {
			return r, true
		}
	}
	return Result{}, false
}
