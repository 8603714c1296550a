package permission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepstream-io/recordd/internal/record"
)

func TestDecomposeCompoundActions(t *testing.T) {
	require.Equal(t,
		[]record.Action{record.ActionCreate, record.ActionUpdate},
		Decompose(record.ActionCreateAndUpdate),
	)
	require.Equal(t,
		[]record.Action{record.ActionCreate, record.ActionPatch},
		Decompose(record.ActionCreateAndPatch),
	)
}

func TestDecomposePassesThroughSimpleActions(t *testing.T) {
	require.Equal(t, []record.Action{record.ActionUpdate}, Decompose(record.ActionUpdate))
	require.Equal(t, []record.Action{record.ActionRead}, Decompose(record.ActionRead))
}

func TestCheckMessageRewritesActionAndPreservesOriginal(t *testing.T) {
	msg := record.Message{Action: record.ActionCreateAndUpdate, Name: "doc/1"}
	out := CheckMessage(msg, record.ActionCreate)

	require.Equal(t, record.ActionCreate, out.Action)
	require.Equal(t, record.ActionCreateAndUpdate, out.OriginalAction)
	require.Equal(t, record.ActionCreateAndUpdate, msg.Action, "original message must be untouched")
}
