package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge.dev/engine/internal/digest"
	"forge.dev/engine/internal/rule"
)

func TestProgressAttachesToCurrentNode(t *testing.T) {
	var state progressState
	ctx := withProgress(t.Context(), &state)

	SetLabel(ctx, "compiling //src:lib")
	Progress(ctx, "1/3 units")
	Progress(ctx, "2/3 units")

	assert.Equal(t, "compiling //src:lib", state.label)
	assert.Equal(t, []string{"1/3 units", "2/3 units"}, state.lines)
}

func TestProgressLineTailIsBounded(t *testing.T) {
	var state progressState
	ctx := withProgress(t.Context(), &state)

	for range progressLineLimit * 2 {
		Progress(ctx, "line")
	}
	assert.Len(t, state.lines, progressLineLimit)
}

func TestProgressOutsideRuleBodyIsHarmless(t *testing.T) {
	SetLabel(t.Context(), "nobody is listening")
	Progress(t.Context(), "still fine")
}

type staticTarget struct {
	address Address
	payload string
}

func (s staticTarget) Address() Address {
	return s.address
}

func (s staticTarget) StableHash() digest.Digest {
	return digest.FromBytes([]byte(s.payload))
}

var _ Target = staticTarget{}

type staticProvider struct {
	targets map[Address]Target
}

func (p *staticProvider) AddressesToTargets(_ context.Context, addresses []Address) ([]Target, error) {
	out := make([]Target, 0, len(addresses))
	for _, a := range addresses {
		if t, ok := p.targets[a]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *staticProvider) TargetGenerators(_ context.Context, _ Address) ([]Target, error) {
	return nil, nil
}

func TestHashTargetsIsStableAndOrderSensitive(t *testing.T) {
	a := staticTarget{address: "//src:a", payload: "a"}
	b := staticTarget{address: "//src:b", payload: "b"}

	first := HashTargets([]Target{a, b})
	second := HashTargets([]Target{a, b})
	assert.Equal(t, first, second)

	swapped := HashTargets([]Target{b, a})
	assert.NotEqual(t, first, swapped)
}

func TestTargetsAreHashableRuleInputs(t *testing.T) {
	target := staticTarget{address: "//src:lib", payload: "fields"}

	h, err := rule.HashValue(target)
	require.NoError(t, err)
	assert.Equal(t, target.StableHash(), h, "targets hash by their own stable hash, not JSON")

	var provider TargetProvider = &staticProvider{targets: map[Address]Target{target.address: target}}
	resolved, err := provider.AddressesToTargets(t.Context(), []Address{"//src:lib"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, Address("//src:lib"), resolved[0].Address())
}
