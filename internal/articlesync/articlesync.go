// Package articlesync implements the article.sync durable task: fetch an
// article revision from its source and hand it to the content sink.
package articlesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"edusync/internal/errs"
	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

// TaskName is the durable task name the handler is registered under.
const TaskName = "article.sync"

// Payload is the submitted task payload.
type Payload struct {
	ArticleID string `json:"article_id"`
	SourceURL string `json:"source_url"`
	Revision  int64  `json:"revision,omitempty"`
}

// Result is stored on the completed task.
type Result struct {
	ArticleID string `json:"article_id"`
	Revision  int64  `json:"revision,omitempty"`
	Bytes     int    `json:"bytes"`
	Checksum  string `json:"checksum"`
}

// Article is what the sink receives.
type Article struct {
	ID       string
	Revision int64
	Source   string
	Content  []byte
	Checksum string
}

// Fetcher downloads article content.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

// Sink persists synced content.
type Sink interface {
	Store(ctx context.Context, a Article) error
}

// Submitter is the producer side of the task queue.
type Submitter interface {
	Submit(ctx context.Context, name string, payload any, opts ...taskqueue.SubmitOption) (string, error)
}

var ErrInvalidPayload = errors.New("articlesync: invalid payload")

// Validate checks the fields a sync needs.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.ArticleID) == "" {
		return fmt.Errorf("%w: article_id is required", ErrInvalidPayload)
	}
	if p.Revision < 0 {
		return fmt.Errorf("%w: revision must be >= 0", ErrInvalidPayload)
	}
	u, err := url.Parse(strings.TrimSpace(p.SourceURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: source_url must be an absolute http(s) url", ErrInvalidPayload)
	}
	return nil
}

// Enqueue validates p and submits it as an article.sync task.
func Enqueue(ctx context.Context, q Submitter, p Payload, opts ...taskqueue.SubmitOption) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	p.ArticleID = strings.TrimSpace(p.ArticleID)
	p.SourceURL = strings.TrimSpace(p.SourceURL)
	return q.Submit(ctx, TaskName, p, opts...)
}

// Handler returns the work function for article.sync.
//
// Progress: 10 after validation, 60 after the fetch, 100 on completion (by the
// queue). Bad payloads and permanent fetch errors are not retried. A lost
// lease stops the sync before the article reaches the sink.
func Handler(f Fetcher, s Sink, log logx.Logger) taskqueue.WorkFunc {
	return func(ctx context.Context, t *taskqueue.Task, progress taskqueue.ProgressFunc) (any, error) {
		report := func(pct int) error {
			err := progress(pct)
			if errors.Is(err, errs.ErrLeaseLost) {
				return err
			}
			if err != nil {
				log.Warn("progress update failed", logx.TaskID(t.ID), logx.Int("pct", pct), logx.Err(err))
			}
			return nil
		}

		var p Payload
		if err := t.Decode(&p); err != nil {
			return nil, taskqueue.NoRetry(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		}
		if err := p.Validate(); err != nil {
			return nil, taskqueue.NoRetry(err)
		}
		if err := report(10); err != nil {
			return nil, err
		}

		body, err := f.Fetch(ctx, p.SourceURL)
		if err != nil {
			if Permanent(err) {
				return nil, taskqueue.NoRetry(err)
			}
			return nil, err
		}
		if err := report(60); err != nil {
			return nil, err
		}

		sum := sha256.Sum256(body)
		a := Article{
			ID:       p.ArticleID,
			Revision: p.Revision,
			Source:   p.SourceURL,
			Content:  body,
			Checksum: hex.EncodeToString(sum[:]),
		}
		if err := s.Store(ctx, a); err != nil {
			return nil, fmt.Errorf("store article %s: %w", p.ArticleID, err)
		}
		log.Debug("article synced",
			logx.String("article_id", a.ID),
			logx.Int64("revision", a.Revision),
			logx.Int("bytes", len(body)),
		)
		return Result{ArticleID: a.ID, Revision: a.Revision, Bytes: len(body), Checksum: a.Checksum}, nil
	}
}

// Register binds the handler on q.
func Register(q *taskqueue.Queue, f Fetcher, s Sink, log logx.Logger) {
	q.Register(TaskName, Handler(f, s, log))
}

// LogSink records synced articles in the log only. The content store lives in
// the platform's ORM layer.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Store(_ context.Context, a Article) error {
	s.Log.Info("article content ready",
		logx.String("article_id", a.ID),
		logx.Int64("revision", a.Revision),
		logx.String("checksum", a.Checksum),
		logx.Int("bytes", len(a.Content)),
	)
	return nil
}
