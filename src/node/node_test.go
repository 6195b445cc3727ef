package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashpool/ledgerd/src/chain"
)

func TestBlockResponsesStayWithinByteBudget(t *testing.T) {
	genesis := chain.NewGenesisBlock("test")

	bigBlock := func(parent *chain.Block) *chain.Block {
		tx := &chain.Transaction{Payload: make([]byte, 600*1024), Priority: 1}
		return chain.NewBlock(parent.Height+1, parent.Hash(), time.Now().Unix(), []*chain.Transaction{tx}, nil)
	}

	var run []*chain.Block
	parent := genesis
	for i := 0; i < 5; i++ {
		b := bigBlock(parent)
		run = append(run, b)
		parent = b
	}

	// Five 600 KiB blocks overflow the budget: the response keeps a prefix
	// of the run so the frame fits and the requester asks for the rest.
	capped := capBlocksBySize(run, responseByteBudget)
	require.NotEmpty(t, capped)
	require.Less(t, len(capped), len(run))

	for i, b := range capped {
		assert.Equal(t, run[i].Hash(), b.Hash(), "the cap keeps a prefix of the run")
	}

	// Small blocks pass through untouched.
	small := extend(genesis, 3, "small")
	assert.Len(t, capBlocksBySize(small, responseByteBudget), 3)

	// A single block over the budget is still returned, so a request can
	// always make progress.
	oversized := []*chain.Block{bigBlock(genesis)}
	assert.Len(t, capBlocksBySize(oversized, 1024), 1)
}
