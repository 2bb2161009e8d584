// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kind tags what an identifier refers to.
type Kind string

// Identifier kinds.
const (
	KindAuthorizationCode Kind = "acd"
	KindRefreshToken      Kind = "rft"
	KindTokenFamily       Kind = "fam"
)

// ErrMalformedIdentifier is returned by ParseIdentifier for any input that
// does not follow the g{gen}:{region}:{shard}:{kind}_{uuid} format.
var ErrMalformedIdentifier = errors.New("malformed identifier")

var regionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidRegionKey reports whether r may be embedded in an identifier.
func ValidRegionKey(r RegionKey) bool {
	return regionPattern.MatchString(string(r))
}

// Identifier is an opaque, self-routing handle for stored state.
type Identifier struct {
	Placement
	Kind Kind
	ID   uuid.UUID
}

// NewIdentifier mints a fresh identifier of kind at p.
func NewIdentifier(p Placement, kind Kind) Identifier {
	return Identifier{Placement: p, Kind: kind, ID: uuid.New()}
}

func (i Identifier) String() string {
	return fmt.Sprintf("g%d:%s:%d:%s_%s", i.Generation, i.Region, i.Shard, i.Kind, i.ID)
}

// ParseIdentifier decodes s. It never consults any store.
func ParseIdentifier(s string) (Identifier, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Identifier{}, ErrMalformedIdentifier
	}

	genPart, ok := strings.CutPrefix(parts[0], "g")
	if !ok {
		return Identifier{}, ErrMalformedIdentifier
	}
	gen, err := strconv.Atoi(genPart)
	if err != nil || gen < 1 {
		return Identifier{}, ErrMalformedIdentifier
	}

	region := RegionKey(parts[1])
	if !ValidRegionKey(region) {
		return Identifier{}, ErrMalformedIdentifier
	}

	shard, err := strconv.Atoi(parts[2])
	if err != nil || shard < 0 {
		return Identifier{}, ErrMalformedIdentifier
	}

	kind, rawID, ok := strings.Cut(parts[3], "_")
	if !ok {
		return Identifier{}, ErrMalformedIdentifier
	}
	switch Kind(kind) {
	case KindAuthorizationCode, KindRefreshToken, KindTokenFamily:
	default:
		return Identifier{}, ErrMalformedIdentifier
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Identifier{}, ErrMalformedIdentifier
	}

	return Identifier{
		Placement: Placement{Generation: gen, Region: region, Shard: shard},
		Kind:      Kind(kind),
		ID:        id,
	}, nil
}

// ParseIdentifierOfKind is ParseIdentifier that also requires a kind.
func ParseIdentifierOfKind(s string, kind Kind) (Identifier, error) {
	id, err := ParseIdentifier(s)
	if err != nil {
		return Identifier{}, err
	}
	if id.Kind != kind {
		return Identifier{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformedIdentifier, kind, id.Kind)
	}
	return id, nil
}
