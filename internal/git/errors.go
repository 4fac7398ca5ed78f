package git

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sprite-ai/tiergate/internal/model"
)

// Checked in order; the first matching group wins.
var (
	permanentPatterns = []string{
		"permission denied",
		"protected branch",
		"authentication failed",
		"repository not found",
		"hook declined",
		"not a git repository",
	}

	networkPatterns = []string{
		"could not resolve host",
		"connection refused",
		"connection timed out",
		"connection reset",
		"network is unreachable",
		"operation timed out",
		"the remote end hung up unexpectedly",
		"early eof",
		"unable to access",
		"tls handshake",
		"gnutls_handshake",
		"ssl_connect",
	}

	contentionPatterns = []string{
		"non-fast-forward",
		"fetch first",
		"cannot lock ref",
		"unable to create",
		".lock': file exists",
		"incorrect old value provided",
		"failed to update ref",
	}
)

// Classify turns a failed git invocation into the typed error the retry policy understands.
// network marks operations that talk to the remote.
func Classify(op string, network bool, stderr string, err error) error {
	lower := strings.ToLower(stderr)

	// A failed --force-with-lease; retrying would only fail the same way.
	if strings.Contains(lower, "stale info") {
		return &model.GitOperationError{Op: op, Stderr: stderr, Err: fmt.Errorf("%w: %w", model.ErrSubjectMoved, err)}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return &model.GitOperationError{Op: op, Stderr: stderr, Err: err}
		}
	}
	if network {
		for _, p := range networkPatterns {
			if strings.Contains(lower, p) {
				return &model.NetworkError{Op: op, Err: &model.GitOperationError{Op: op, Stderr: stderr, Err: err}}
			}
		}
	}
	for _, p := range contentionPatterns {
		if strings.Contains(lower, p) {
			return &model.GitOperationError{Op: op, Stderr: stderr, Transient: true, Err: err}
		}
	}
	return &model.GitOperationError{Op: op, Stderr: stderr, Err: err}
}

// exitCode returns the process exit status wrapped in err, or -1.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
