// Package selinux stands in for the security-context relabeling step
// that follows a legacy rename-based package install (§4.6 step 4:
// "On rename mode, restorecon the destination"). The real mechanism is
// a host-specific SELinux syscall; out of scope per §1, same boundary
// as sysprop. Callers depend only on the Restorer interface.
package selinux

// Restorer relabels a path's security context after it is moved into
// place by a non-atomic install.
type Restorer interface {
	Restore(path string) error
}

// NoopRestorer is the default wiring for hosts with no SELinux policy
// loaded, and for tests.
type NoopRestorer struct{}

func (NoopRestorer) Restore(path string) error { return nil }
