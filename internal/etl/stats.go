package etl

import (
	"fmt"
	"time"
)

// Stats tracks timing and volume of one pass.
type Stats struct {
	// ExtractTime is time spent in source queries, including linking and
	// data queries.
	ExtractTime time.Duration

	// LoadTime is time spent in bulk loads and index creation.
	LoadTime time.Duration

	// CheckpointTime is time spent persisting watermarks.
	CheckpointTime time.Duration

	// Chunks is the number of committed chunks.
	Chunks int

	// Rows is the number of changed source rows.
	Rows int64

	// Documents is the number of documents loaded across all indexes.
	Documents int64
}

// String returns a formatted summary of the stats.
func (s *Stats) String() string {
	total := s.TotalTime()
	if total == 0 || s.Chunks == 0 {
		return "no data"
	}
	return fmt.Sprintf("extract=%.1fs (%.0f%%), load=%.1fs (%.0f%%), checkpoint=%.1fs (%.0f%%), chunks=%d, rows=%d, docs=%d",
		s.ExtractTime.Seconds(), float64(s.ExtractTime)/float64(total)*100,
		s.LoadTime.Seconds(), float64(s.LoadTime)/float64(total)*100,
		s.CheckpointTime.Seconds(), float64(s.CheckpointTime)/float64(total)*100,
		s.Chunks, s.Rows, s.Documents)
}

// TotalTime returns the sum of all timing components.
func (s *Stats) TotalTime() time.Duration {
	return s.ExtractTime + s.LoadTime + s.CheckpointTime
}

// DocsPerSecond calculates the load throughput.
func (s *Stats) DocsPerSecond() float64 {
	total := s.TotalTime()
	if total == 0 {
		return 0
	}
	return float64(s.Documents) / total.Seconds()
}

func (s *Stats) add(o Stats) {
	s.ExtractTime += o.ExtractTime
	s.LoadTime += o.LoadTime
	s.CheckpointTime += o.CheckpointTime
	s.Chunks += o.Chunks
	s.Rows += o.Rows
	s.Documents += o.Documents
}
