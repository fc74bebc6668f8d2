package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnStateNames(t *testing.T) {
	for _, st := range []ConnState{ConnConnecting, ConnActive, ConnStale, ConnClosed} {
		assert.Equal(t, st, ParseConnState(st.String()))
	}
	assert.Equal(t, "unknown", ConnState(42).String())
	assert.Equal(t, ConnClosed, ParseConnState("bogus"))

	out, err := json.Marshal(ConnectionEvent{From: ConnActive, To: ConnStale})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"from":"active","to":"stale"`)
}
