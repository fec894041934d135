package metaref

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
)

func TestFromDocumentStableUnderLeafReordering(t *testing.T) {
	a := Document{
		ProjectID:   "prj_1",
		MilestoneID: "mls_1",
		Leaves: []leafhash.Leaf{
			{SubEntityID: "sub-2", Amount: 200},
			{SubEntityID: "sub-1", Amount: 100},
		},
	}
	b := Document{
		ProjectID:   "prj_1",
		MilestoneID: "mls_1",
		Leaves: []leafhash.Leaf{
			{SubEntityID: "sub-1", Amount: 100},
			{SubEntityID: "sub-2", Amount: 200},
		},
	}
	refA, err := FromDocument(a)
	require.NoError(t, err)
	refB, err := FromDocument(b)
	require.NoError(t, err)
	require.Equal(t, refA, refB)
}

func TestFromDocumentBindsAmounts(t *testing.T) {
	base := Document{
		ProjectID:   "prj_1",
		MilestoneID: "mls_1",
		Leaves:      []leafhash.Leaf{{SubEntityID: "sub-1", Amount: 100}},
	}
	changed := base
	changed.Leaves = []leafhash.Leaf{{SubEntityID: "sub-1", Amount: 101}}
	refA, err := FromDocument(base)
	require.NoError(t, err)
	refB, err := FromDocument(changed)
	require.NoError(t, err)
	require.NotEqual(t, refA, refB)
}

func TestValidate(t *testing.T) {
	ref, err := FromDocument(Document{
		ProjectID:   "prj_1",
		MilestoneID: "mls_1",
		Leaves:      []leafhash.Leaf{{SubEntityID: "sub-1", Amount: 100}},
	})
	require.NoError(t, err)
	require.NoError(t, Validate(ref))

	err = Validate("")
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
	err = Validate("not-a-cid")
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestEmptyDocumentRejected(t *testing.T) {
	_, err := FromDocument(Document{ProjectID: "prj_1", MilestoneID: "mls_1"})
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
}
