// Package errors defines the coded error taxonomy shared by every
// webmodeldelivery component: configuration, integrity, transport,
// collision, and cache errors, each distinguishable by callers without
// string matching.
package errors

const (
	CodeConfiguration = "CONFIGURATION"
	CodeIntegrity     = "INTEGRITY"
	CodeTransport     = "TRANSPORT"
	CodeCollision     = "COLLISION"
	CodeCache         = "CACHE"
)

// CodedError is implemented by every error constructed in this package.
type CodedError interface {
	error
	Code() string
}

type codedError struct {
	code string
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *codedError) Code() string {
	return e.code
}

func (e *codedError) Unwrap() error {
	return e.err
}

// Configuration wraps a fatal, fail-fast error: bad CLI args, a missing
// required external tool, an unreadable input. No partial output should
// exist once this is returned.
func Configuration(msg string, cause error) error {
	return &codedError{code: CodeConfiguration, msg: msg, err: cause}
}

// Integrity wraps a SHA-256 mismatch or filemap schema violation. Callers
// must treat the affected output as deleted/unusable; retry is the caller's
// decision, not this package's.
func Integrity(msg string, cause error) error {
	return &codedError{code: CodeIntegrity, msg: msg, err: cause}
}

// Transport wraps an exhausted-retry HTTP or socket failure on a shard or
// filemap fetch.
func Transport(msg string, cause error) error {
	return &codedError{code: CodeTransport, msg: msg, err: cause}
}

// Collision wraps a packager CDN-basename collision between two different
// contents. The packager must abort before writing anything once this is
// raised.
func Collision(msg string) error {
	return &codedError{code: CodeCollision, msg: msg}
}

// Cache wraps a best-effort, non-fatal cache I/O failure. Whoever raises
// this is expected to log it and continue — the fetch result it accompanies
// is still valid.
func Cache(msg string, cause error) error {
	return &codedError{code: CodeCache, msg: msg, err: cause}
}

// Code returns the error code carried by err, or the empty string if err
// does not implement CodedError.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if cerr, ok := err.(CodedError); ok {
		return cerr.Code()
	}
	return ""
}

func IsConfiguration(err error) bool { return Code(err) == CodeConfiguration }
func IsIntegrity(err error) bool     { return Code(err) == CodeIntegrity }
func IsTransport(err error) bool     { return Code(err) == CodeTransport }
func IsCollision(err error) bool     { return Code(err) == CodeCollision }
func IsCache(err error) bool         { return Code(err) == CodeCache }
