// Package policy evaluates declarative compliance policies against structured
// configuration.
//
// Policies assert that something required is present: a policy whose predicate
// is false produces a domain.Finding. Predicates are either simple "require"
// checks over config paths, Go functions, or Rego evaluated by an embedded Open
// Policy Agent. The Engine keeps policies in registration order and scopes each
// scan to the requested compliance frameworks.
package policy
