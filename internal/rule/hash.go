package rule

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"

	"forge.dev/engine/internal/digest"
)

// Hashable lets an input value control the hash used for node identity.
// Opaque collaborator values (e.g. targets from the BUILD parser) should
// implement it with a hash over their canonical address and fields.
type Hashable interface {
	StableHash() digest.Digest
}

// HashValue derives the node-identity hash of an input value. Hashable
// values use their own hash; binary-marshalable values hash their
// encoding; everything else falls back to canonical JSON, which encodes
// map keys in sorted order and is therefore deterministic within a
// session. For the two encoded forms the value's type name is mixed in
// so equal encodings of different types cannot collide; a Hashable
// value's own hash is returned unchanged.
func HashValue(v any) (digest.Digest, error) {
	switch value := v.(type) {
	case Hashable:
		return value.StableHash(), nil
	case encoding.BinaryMarshaler:
		raw, err := value.MarshalBinary()
		if err != nil {
			return digest.Digest{}, fmt.Errorf("rule: hash %T: %w", v, err)
		}
		return digest.FromBytes(append([]byte(typeName(v)+"\x00"), raw...)), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return digest.Digest{}, fmt.Errorf("rule: value of type %T is not hashable: %w", v, err)
		}
		return digest.FromBytes(append([]byte(typeName(v)+"\x00"), raw...)), nil
	}
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
