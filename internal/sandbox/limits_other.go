//go:build !linux

package sandbox

// applyLimits is a no-op outside Linux; the usage monitor enforces
// every configured limit by polling.
func applyLimits(pid int, policy Policy) (limitSupport, error) {
	return limitSupport{}, nil
}
