package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicelink/voicelink/internal/database"
	"github.com/voicelink/voicelink/internal/voice"
)

// journalAdapter bridges the voice session's lifecycle notifications to
// the sqlite session log.
type journalAdapter struct {
	repo database.SessionLogRepository
}

func (j *journalAdapter) Started(info voice.SessionInfo) {
	rec := &database.SessionRecord{
		ID:        info.ID,
		ServerID:  info.ServerID,
		Endpoint:  info.Endpoint,
		SSRC:      int64(info.SSRC),
		StartedAt: info.StartedAt,
	}
	if err := j.repo.Create(context.Background(), rec); err != nil {
		slog.Error("recording session start", "session", info.ID, "error", err)
	}
}

func (j *journalAdapter) Ended(info voice.SessionInfo, stats voice.Stats, cause error) {
	failure := ""
	if cause != nil {
		failure = cause.Error()
	}
	err := j.repo.Finish(context.Background(), info.ID, time.Now(),
		int64(stats.PacketsSent), int64(stats.BytesSent), failure)
	if err != nil {
		slog.Error("recording session end", "session", info.ID, "error", err)
	}
}
