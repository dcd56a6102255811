package engine

import (
	"context"

	"forge.dev/engine/internal/digest"
	"forge.dev/engine/internal/rule"
)

// Address is the canonical identifier of a target, opaque to the engine.
type Address string

// Target is the engine's view of one unit the external BUILD parser
// produced. Its fields are opaque; the engine only needs a stable hash
// for node identity, which is why every Target is rule.Hashable.
type Target interface {
	rule.Hashable
	Address() Address
}

// TargetProvider is the collaborator contract of the external target
// graph: it resolves canonical addresses to targets and expands target
// generators. Any cycles in the target model belong to the provider and
// must be resolved there before values enter the engine.
type TargetProvider interface {
	AddressesToTargets(ctx context.Context, addresses []Address) ([]Target, error)
	TargetGenerators(ctx context.Context, address Address) ([]Target, error)
}

// HashTargets folds the stable hashes of a target list into one digest,
// usable as a rule input hash for multi-target requests.
func HashTargets(targets []Target) digest.Digest {
	var buf []byte
	for _, t := range targets {
		buf = append(buf, t.Address()...)
		buf = append(buf, 0)
		h := t.StableHash()
		buf = append(buf, h.Fingerprint.String()...)
		buf = append(buf, 0)
	}
	return digest.FromBytes(buf)
}
