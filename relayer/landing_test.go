// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"testing"

	"github.com/luxfi/relay"
	"github.com/luxfi/relay/merkle"
	"github.com/stretchr/testify/require"
)

func TestNewLandingData(t *testing.T) {
	tests := []struct {
		name             string
		messages         []relay.LoggedMessage
		expectedEarliest uint64
		expectedLatest   uint64
	}{
		{
			name:     "no window",
			messages: []relay.LoggedMessage{testMessage(0, 0, 0), testMessage(1, 0, 0)},
		},
		{
			name: "max earliest and min non-zero latest",
			messages: []relay.LoggedMessage{
				testMessage(0, 100, 0),
				testMessage(1, 300, 900),
				testMessage(2, 200, 700),
			},
			expectedEarliest: 300,
			expectedLatest:   700,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			tree := merkle.NewTree(5)
			for _, lm := range test.messages {
				_, err := tree.Insert(lm.Message.ID())
				require.NoError(err)
			}
			cp := tree.Checkpoint()
			proofs := make([]merkle.Proof, len(test.messages))
			for i := range test.messages {
				var err error
				proofs[i], err = tree.Prove(uint32(i))
				require.NoError(err)
			}

			data := NewLandingData(cp, test.messages, proofs)
			require.Equal(cp.Root, data.Root)
			require.Equal(cp.LeafCount, data.LeafCount)
			require.Equal(test.expectedEarliest, data.EarliestArrival)
			require.Equal(test.expectedLatest, data.LatestArrival)
			require.Len(data.Params, len(test.messages))
			for i, param := range data.Params {
				m := test.messages[i].Message
				require.Equal(m.ID(), param.MessageID)
				require.Equal(uint64(5), param.SrcChainID)
				require.Equal(m.Nonce(), param.SrcChainNonce)
				require.Equal(m.Bytes(), param.Message)
				require.Equal(uint32(i), param.LeafIndex)
				require.Equal(cp.Root, merkle.BranchRoot(param.MessageID, param.Proof, param.LeafIndex))
			}
			require.Equal(data.Params[0].MessageID, data.MessageIDs()[0])
		})
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
		final    bool
	}{
		{StateIndexed, "indexed", false},
		{StateAwaitingCheckpoint, "awaiting_checkpoint", false},
		{StateProvenReady, "proven_ready", false},
		{StateSubmitted, "submitted", false},
		{StateDelivered, "delivered", true},
		{StateFailed, "failed", true},
		{State(42), "unknown", false},
	}
	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			require.Equal(t, test.expected, test.state.String())
			require.Equal(t, test.final, test.state.Final())
		})
	}
}
