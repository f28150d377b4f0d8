package store

import "boardsync/domain"

// Source identifies which boundary produced a representation of an entity.
type Source string

const (
	SourceLocal   Source = "local"
	SourceGateway Source = "gateway"
	SourcePush    Source = "push"
)

// Meta qualifies one representation of an entity for reconciliation.
type Meta struct {
	Provenance domain.Provenance
	Source     Source
	// Stamp is the representation's timestamp in unix nanoseconds: the
	// server timestamp when the source supplied one, the receive time
	// otherwise.
	Stamp int64
}

// resolve is the reconciliation policy applied when two representations of
// the same logical entity collide. It reports whether the incoming
// representation replaces the existing one.
//
// Confirmed always beats pending-local: server truth never regresses to a
// local guess. Between two confirmed representations the later stamp wins.
// On equal stamps the gateway wins, because a push payload may be a partial
// projection while the gateway response carries authoritative field values.
func resolve(existing, incoming Meta) bool {
	existingConfirmed := existing.Provenance == domain.Confirmed
	incomingConfirmed := incoming.Provenance == domain.Confirmed
	if existingConfirmed != incomingConfirmed {
		return incomingConfirmed
	}
	if incoming.Stamp != existing.Stamp {
		return incoming.Stamp > existing.Stamp
	}
	if incoming.Source == SourceGateway && existing.Source != SourceGateway {
		return true
	}
	return false
}
