// internal/storage/archive/transcripts.go
package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/newthinker/relaybot/internal/llm"
)

const (
	transcriptRoot   = "transcripts"
	transcriptLayout = "20060102T150405Z"
)

// Transcript is a conversation archived when its user cleared the context.
type Transcript struct {
	UserID    string        `json:"user_id"`
	Provider  string        `json:"provider"`
	ClearedAt time.Time     `json:"cleared_at"`
	Messages  []llm.Message `json:"messages"`
}

// Transcripts stores transcripts as JSON documents on a Storage backend.
type Transcripts struct {
	storage Storage
	now     func() time.Time
}

// NewTranscripts creates a transcript archive on storage.
func NewTranscripts(storage Storage) *Transcripts {
	return &Transcripts{storage: storage, now: time.Now}
}

// Save writes t and returns its path. A zero ClearedAt is set to now.
func (a *Transcripts) Save(ctx context.Context, t Transcript) (string, error) {
	if t.ClearedAt.IsZero() {
		t.ClearedAt = a.now()
	}
	t.ClearedAt = t.ClearedAt.UTC()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding transcript: %w", err)
	}

	p := path.Join(userDir(t.UserID), t.ClearedAt.Format(transcriptLayout)+"-"+uuid.NewString()+".json")
	if err := a.storage.Write(ctx, p, data); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}
	return p, nil
}

// List returns the user's transcript paths, oldest first.
func (a *Transcripts) List(ctx context.Context, userID string) ([]string, error) {
	paths, err := a.storage.List(ctx, userDir(userID)+"/")
	if err != nil {
		return nil, fmt.Errorf("listing transcripts: %w", err)
	}
	out := paths[:0]
	for _, p := range paths {
		if strings.HasSuffix(p, ".json") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Load reads one transcript.
func (a *Transcripts) Load(ctx context.Context, p string) (*Transcript, error) {
	data, err := a.storage.Read(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding transcript %s: %w", p, err)
	}
	return &t, nil
}

// Latest returns the user's most recent transcript, or nil when there is none.
func (a *Transcripts) Latest(ctx context.Context, userID string) (*Transcript, error) {
	paths, err := a.List(ctx, userID)
	if err != nil || len(paths) == 0 {
		return nil, err
	}
	return a.Load(ctx, paths[len(paths)-1])
}

// userDir keeps user ids from escaping the transcript root. Ids made only of
// letters, digits and '-' are used as is; any other id is hex encoded behind a
// '_' marker, so distinct ids never share a directory.
func userDir(userID string) string {
	plain := userID != "" && strings.IndexFunc(userID, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-')
	}) < 0
	if plain {
		return transcriptRoot + "/" + userID
	}
	return transcriptRoot + "/_" + hex.EncodeToString([]byte(userID))
}
