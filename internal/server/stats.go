package server

import (
	"net/http"
	"time"

	"tailspin/internal/aggregate"
	"tailspin/internal/storage"
)

// StatsResponse is the JSON response for storage and pipeline stats.
type StatsResponse struct {
	Database DatabaseStats        `json:"database"`
	Tables   storage.TableCounts  `json:"tables"`
	Buffer   BufferStats          `json:"buffer"`
	Live     aggregate.Statistics `json:"live"`
	Stream   StreamStats          `json:"stream"`
	Archive  ArchiveStats         `json:"archive"`
}

type DatabaseStats struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	WALSizeBytes int64  `json:"wal_size_bytes"`
}

type BufferStats struct {
	Len        int    `json:"len"`
	Cap        int    `json:"cap"`
	Generation uint64 `json:"generation"`
	Evicted    uint64 `json:"evicted"`
}

type StreamStats struct {
	Subscribers int `json:"subscribers"`
}

type ArchiveStats struct {
	Enabled      bool         `json:"enabled"`
	Dir          string       `json:"dir,omitempty"`
	Hours        int          `json:"hours"`
	IntervalMins int          `json:"interval_mins"`
	LastRun      *LastArchive `json:"last_run,omitempty"`
}

type LastArchive struct {
	Timestamp  string `json:"timestamp"`
	DurationMs int64  `json:"duration_ms"`
	File       string `json:"file,omitempty"`
	Rows       int64  `json:"rows"`
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.Stats(r.Context())
	if err != nil {
		a.writeStorageError(w, r, "stats", err)
		return
	}

	resp := StatsResponse{
		Database: DatabaseStats{
			Path:         stats.DBPath,
			SizeBytes:    stats.DBSizeBytes,
			WALSizeBytes: stats.WALSizeBytes,
		},
		Tables: stats.Tables,
		Buffer: BufferStats{
			Len:        a.Buffer.Len(),
			Cap:        a.Buffer.Cap(),
			Generation: a.Buffer.Generation(),
			Evicted:    a.Buffer.Evicted(),
		},
		Live: aggregate.GetStatistics(a.Sessions, a.Traces),
		Stream: StreamStats{
			Subscribers: a.Broadcaster.SubscriberCount(),
		},
		Archive: ArchiveStats{
			Enabled:      a.Archive.RetentionHours > 0,
			Dir:          a.Archive.Dir,
			Hours:        a.Archive.RetentionHours,
			IntervalMins: a.Archive.IntervalMins,
		},
	}

	if last := stats.LastArchive; last != nil {
		resp.Archive.LastRun = &LastArchive{
			Timestamp:  last.Timestamp.Format(time.RFC3339),
			DurationMs: last.Duration.Milliseconds(),
			File:       last.File,
			Rows:       last.Rows,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleStatistics serves the live aggregate summary alone.
func (a *api) handleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, aggregate.GetStatistics(a.Sessions, a.Traces))
}
