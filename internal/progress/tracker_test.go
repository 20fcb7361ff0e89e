package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/johndauphine/catalog-etl/internal/etl"
)

func TestTrackerCountsChunks(t *testing.T) {
	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	tr.ChunkCommitted(etl.ChunkEvent{Table: "filmwork", Rows: 100, Documents: 180, Watermark: time.Now()})
	tr.ChunkCommitted(etl.ChunkEvent{Table: "person", Rows: 20, Documents: 45, Watermark: time.Now()})

	assert.Equal(t, int64(225), tr.Documents())
	assert.Equal(t, int64(2), tr.Chunks())

	tr.Finish()
	assert.Contains(t, buf.String(), "Indexed 225 documents from 120 rows in 2 chunks")
}
