package service

import (
	"strings"

	"github.com/pion/ice/v4"
)

// CandidateFilter decides which locally gathered candidates may be sent to
// the remote peer.
type CandidateFilter interface {
	Eligible(candidate string) bool
}

type CandidateFilterFunc func(candidate string) bool

func (f CandidateFilterFunc) Eligible(candidate string) bool {
	return f(candidate)
}

// CandidatePolicy is the configurable CandidateFilter.
//
// A candidate is rejected when its text contains any DeniedMarkers entry
// (case-insensitive). DenyRelay additionally rejects TURN relay candidates,
// and a non-empty AllowedNetworks (udp4, udp6, tcp4, tcp6) rejects candidates
// on any other network type. Candidates that can't be parsed fail the
// AllowedNetworks check.
type CandidatePolicy struct {
	DeniedMarkers   []string
	DenyRelay       bool
	AllowedNetworks []string
}

// DefaultCandidatePolicy keeps media on UDP by refusing every candidate that
// mentions tcp.
func DefaultCandidatePolicy() CandidatePolicy {
	return CandidatePolicy{DeniedMarkers: []string{"tcp"}}
}

func (p CandidatePolicy) Eligible(candidate string) bool {
	lower := strings.ToLower(candidate)
	for _, marker := range p.DeniedMarkers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && strings.Contains(lower, marker) {
			return false
		}
	}
	if !p.DenyRelay && len(p.AllowedNetworks) == 0 {
		return true
	}

	parsed, err := ice.UnmarshalCandidate(strings.TrimPrefix(strings.TrimSpace(candidate), "candidate:"))
	if err != nil {
		if len(p.AllowedNetworks) > 0 {
			return false
		}
		return !strings.Contains(lower, " typ relay")
	}
	if p.DenyRelay && parsed.Type() == ice.CandidateTypeRelay {
		return false
	}
	if len(p.AllowedNetworks) == 0 {
		return true
	}
	network := parsed.NetworkType().String()
	for _, allowed := range p.AllowedNetworks {
		if strings.EqualFold(strings.TrimSpace(allowed), network) {
			return true
		}
	}
	return false
}
