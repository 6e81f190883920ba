package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies registry contract failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotRegistered
	KindAlreadyRegistered
	KindNotOwner
	KindInactive
	KindSameOwner
	KindFunctionUnavailable
	KindNotFound
)

var kindNames = map[ErrorKind]string{
	KindUnknown:             "unknown",
	KindNotRegistered:       "not registered",
	KindAlreadyRegistered:   "already registered",
	KindNotOwner:            "not owner",
	KindInactive:            "inactive",
	KindSameOwner:           "same owner",
	KindFunctionUnavailable: "function unavailable",
	KindNotFound:            "not found",
}

// revertPatterns maps substrings of contract revert reasons onto error kinds. Deployed
// registries differ in how they phrase reverts so several spellings are matched.
var revertPatterns = []struct {
	kind     ErrorKind
	patterns []string
}{
	{KindNotRegistered, []string{"not registered", "agentnotregistered", "agent does not exist", "nonexistent agent"}},
	{KindAlreadyRegistered, []string{"already registered", "agentexists", "agent exists"}},
	{KindNotOwner, []string{"not owner", "not the owner", "notagentowner", "caller is not", "unauthorized"}},
	{KindInactive, []string{"inactive", "not active"}},
	{KindSameOwner, []string{"same owner", "already owner", "sameowner"}},
	{KindFunctionUnavailable, []string{"function selector was not recognized", "function does not exist", "unrecognized function", "no matching function", "method not found"}},
}

// ErrRegistry is returned for every failed registry operation
type ErrRegistry struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e ErrRegistry) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("registry %s failed: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("registry %s failed: %s: %s", e.Op, e.Kind, e.Err)
}

func (e ErrRegistry) Unwrap() error {
	return e.Err
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Classify wraps a raw contract error into an ErrRegistry using the revert reason
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsRegistryError(err); ok {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, p := range revertPatterns {
		for _, pattern := range p.patterns {
			if strings.Contains(msg, pattern) {
				return ErrRegistry{Op: op, Kind: p.kind, Err: err}
			}
		}
	}
	return ErrRegistry{Op: op, Kind: KindUnknown, Err: err}
}

// classifyTransfer is like Classify but treats a revert without a reason as a missing
// function, which is how a contract without a fallback rejects unknown selectors.
func classifyTransfer(op string, err error) error {
	err = Classify(op, err)
	re, ok := AsRegistryError(err)
	if ok && re.Kind == KindUnknown && re.Err != nil && isBareRevert(re.Err) {
		re.Kind = KindFunctionUnavailable
		return re
	}
	return err
}

func isBareRevert(err error) bool {
	return strings.TrimSpace(strings.ToLower(err.Error())) == "execution reverted"
}

// AsRegistryError unwraps err into an ErrRegistry
func AsRegistryError(err error) (ErrRegistry, bool) {
	var re ErrRegistry
	if errors.As(err, &re) {
		return re, true
	}
	return ErrRegistry{}, false
}

// IsKind reports whether err is a registry error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	re, ok := AsRegistryError(err)
	return ok && re.Kind == kind
}
