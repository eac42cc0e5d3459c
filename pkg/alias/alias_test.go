package alias

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
)

func TestRegisterReplacesExistingNodeAlias(t *testing.T) {
	m := New(4)
	first := m.Register(0xAAA, 0x010203040506)
	require.NotNil(t, first)

	second := m.Register(0xBBB, 0x010203040506)
	require.NotNil(t, second)
	require.Nil(t, m.FindByAlias(0xAAA), "old alias must no longer resolve")
	require.Equal(t, lcc.Alias(0xBBB), m.FindByNodeID(0x010203040506).Alias)
}

func TestRegisterFullTableReturnsNil(t *testing.T) {
	m := New(1)
	require.NotNil(t, m.Register(1, 100))
	require.Nil(t, m.Register(2, 200))
}

func TestUnregisterAndDuplicateFlag(t *testing.T) {
	m := New(2)
	m.Register(0xAAA, 1)
	m.SetHasDuplicateAliasFlag()
	require.True(t, m.GetAliasMappingInfo().HasDuplicateAlias)

	m.Unregister(0xAAA)
	require.Nil(t, m.FindByAlias(0xAAA))

	m.ClearHasDuplicateAliasFlag()
	require.False(t, m.GetAliasMappingInfo().HasDuplicateAlias)
}
