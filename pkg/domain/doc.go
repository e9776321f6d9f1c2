// Package domain defines the core types of the scanning pipeline: scan requests,
// flags raised by detectors, findings produced by policies, aggregated results
// and the jobs that carry a request through its lifecycle.
//
// The package depends only on the Go standard library. Detectors, policies, the
// job manager and the HTTP layer all exchange these types, and the dependency
// direction is always:
//
//	detect, policy, jobs, api → domain
//
// Types that cross goroutine boundaries expose Clone methods so that stores and
// readers never share mutable maps or slices.
package domain
