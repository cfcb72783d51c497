package shared

import "errors"

var (
	// ErrNotFound indicates the requested feature, tenant, or permission does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientPermissions indicates the principal's roles satisfy none of a role requirement.
	ErrInsufficientPermissions = errors.New("insufficient role permissions")
	// ErrDependencyNotMet indicates a paid feature was requested without its prerequisite enabled.
	ErrDependencyNotMet = errors.New("feature dependency not met")
	// ErrCacheEntry indicates a cached entry was malformed and could not be decoded.
	ErrCacheEntry = errors.New("malformed cache entry")
	// ErrFetchFailed indicates an upstream fetch failed; callers degrade fail-closed.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrUnauthenticated indicates the request carried no usable principal.
	ErrUnauthenticated = errors.New("unauthenticated")
)
