package syncer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/triage"
)

const (
	// DefaultSpoolPageSize is the number of envelopes per page.
	DefaultSpoolPageSize = 100

	maxSpoolLine = 4 << 20
)

// SpoolAdapter reads pre-normalised envelopes from a JSON Lines file, one
// triage.Envelope per line. The cursor is the number of lines consumed, so
// appending to the file resumes where the last run stopped.
type SpoolAdapter struct {
	path     string
	pageSize int
}

// NewSpoolAdapter returns an adapter over path.
func NewSpoolAdapter(path string, pageSize int) *SpoolAdapter {
	if pageSize <= 0 {
		pageSize = DefaultSpoolPageSize
	}
	return &SpoolAdapter{path: path, pageSize: pageSize}
}

func (a *SpoolAdapter) Source() Source { return SourceSpool }

// Validate checks the spool file is readable.
func (a *SpoolAdapter) Validate(_ context.Context) error {
	if a.path == "" {
		return errors.New("spool: no file configured")
	}
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	return f.Close()
}

// Sync returns up to one page of lines after cursor. Blank lines advance the
// cursor but produce no conversation.
func (a *SpoolAdapter) Sync(ctx context.Context, cursor string) (*Page, error) {
	skip := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("spool: bad cursor %q", cursor)
		}
		skip = n
	}

	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxSpoolLine)

	page := &Page{}
	line := 0
	for sc.Scan() {
		if line < skip {
			line++
			continue
		}
		if len(page.Conversations) == a.pageSize {
			page.More = true
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		page.Conversations = append(page.Conversations, Conversation{
			ID:      "line-" + strconv.Itoa(line),
			Payload: append(json.RawMessage(nil), raw...),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("spool: reading %s: %w", a.path, err)
	}
	if line < skip {
		// the file was truncated or replaced; keep the cursor rather than replay
		line = skip
	}
	page.NextCursor = strconv.Itoa(line)
	return page, nil
}

func (a *SpoolAdapter) decode(c Conversation) (*triage.Envelope, error) {
	var env triage.Envelope
	if err := json.Unmarshal(c.Payload, &env); err != nil {
		return nil, fmt.Errorf("spool: decoding %s: %w", c.ID, err)
	}
	return &env, nil
}

// TransformItem decodes the item half of an envelope line.
func (a *SpoolAdapter) TransformItem(c Conversation) (*intake.Item, error) {
	env, err := a.decode(c)
	if err != nil {
		return nil, err
	}
	if env.Item.Source == "" {
		env.Item.Source = string(SourceSpool)
	}
	return &env.Item, nil
}

// TransformMessages decodes the messages of an envelope line.
func (a *SpoolAdapter) TransformMessages(c Conversation) ([]intake.Message, error) {
	env, err := a.decode(c)
	if err != nil {
		return nil, err
	}
	return env.Messages, nil
}
