package publish

import (
	"fmt"
	"strings"
)

// Kind is the delivery state of one relay.
type Kind int

const (
	Pending Kind = iota + 1
	Success
	Failure
	Timeout
	Aborted
)

var kindNames = map[Kind]string{
	Pending: "pending",
	Success: "success",
	Failure: "failure",
	Timeout: "timeout",
	Aborted: "aborted",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether no further transition is allowed.
func (k Kind) Terminal() bool {
	switch k {
	case Success, Failure, Timeout, Aborted:
		return true
	}
	return false
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for kk, name := range kindNames {
		if name == s {
			*k = kk
			return nil
		}
	}
	return fmt.Errorf("unknown status kind %q", s)
}

// Status is the outcome recorded for one relay.
type Status struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
}

// Err maps a terminal non-success status to its sentinel error.
func (s Status) Err() error {
	var base error
	switch s.Kind {
	case Failure:
		base = ErrSendFailure
	case Timeout:
		base = ErrSendTimeout
	case Aborted:
		base = ErrAborted
	default:
		return nil
	}
	if s.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, s.Message)
}

// StatusMap maps relay URL to status. Values handed out by views are
// snapshots and must not be modified.
type StatusMap map[string]Status

func (m StatusMap) Clone() StatusMap {
	out := make(StatusMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Terminal reports whether every relay in m has a terminal status.
func (m StatusMap) Terminal() bool {
	for _, s := range m {
		if !s.Kind.Terminal() {
			return false
		}
	}
	return true
}

// Count returns how many relays are in kind k.
func (m StatusMap) Count(k Kind) int {
	n := 0
	for _, s := range m {
		if s.Kind == k {
			n++
		}
	}
	return n
}

// severity is the order in which Merge picks a representative status.
var severity = []Kind{Aborted, Failure, Timeout, Pending, Success}

// Merge combines member maps into one. For each relay the most severe kind
// present wins; among members with that kind the earliest member wins.
func Merge(members ...StatusMap) StatusMap {
	out := StatusMap{}
	for _, m := range members {
		for relay := range m {
			if _, done := out[relay]; done {
				continue
			}
			out[relay] = pick(relay, members)
		}
	}
	return out
}

func pick(relay string, members []StatusMap) Status {
	for _, k := range severity {
		for _, m := range members {
			if s, ok := m[relay]; ok && s.Kind == k {
				return s
			}
		}
	}
	// Unknown kinds only.
	for _, m := range members {
		if s, ok := m[relay]; ok {
			return s
		}
	}
	return Status{}
}
