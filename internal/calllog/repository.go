package calllog

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/callbridge/internal/model"
)

// Entry is one ended call, metadata only. Transcripts are never stored.
type Entry struct {
	ID            int64     `db:"id" json:"id"`
	CallID        string    `db:"call_id" json:"callId"`
	ChannelA      string    `db:"channel_a" json:"channelA"`
	GuildA        string    `db:"guild_a" json:"guildA"`
	ChannelB      string    `db:"channel_b" json:"channelB"`
	GuildB        string    `db:"guild_b" json:"guildB"`
	MessagesA     int       `db:"messages_a" json:"messagesA"`
	MessagesB     int       `db:"messages_b" json:"messagesB"`
	StartedAt     time.Time `db:"started_at" json:"startedAt"`
	EndedAt       time.Time `db:"ended_at" json:"endedAt"`
	EndReason     string    `db:"end_reason" json:"endReason"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

type Repository interface {
	Record(ctx context.Context, call model.ActiveCall, reason string) error
	FindRecent(ctx context.Context, limit int) ([]Entry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type repo struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repo{db: db}
}

func (r *repo) Record(ctx context.Context, call model.ActiveCall, reason string) error {
	endedAt := time.Now()
	if call.Status.EndTime != nil {
		endedAt = *call.Status.EndTime
	}

	a, b := call.Participants[0], call.Participants[1]
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_log
			(call_id, channel_a, guild_a, channel_b, guild_b,
			 messages_a, messages_b, started_at, ended_at, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, call.ID, a.ChannelID, a.GuildID, b.ChannelID, b.GuildID,
		a.MessageCount, b.MessageCount, call.StartTime, endedAt, reason)
	return err
}

func (r *repo) FindRecent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM call_log
		ORDER BY ended_at DESC
		LIMIT $1
	`, limit)
	return entries, err
}

func (r *repo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM call_log WHERE ended_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
