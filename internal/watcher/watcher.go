// Package watcher runs the MongoDB change-stream consumers that turn
// database writes into work: task assignments launch specialist
// processes, and message/checkpoint inserts become WebSocket events.
package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
	pollTimeout    = 100 * time.Millisecond
)

// changeEvent is the slice of a change stream document the watchers need.
type changeEvent struct {
	OperationType string   `bson:"operationType"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

// handlerFunc consumes one change. The full document is raw BSON so each
// watcher can decode into its own type.
type handlerFunc func(ctx context.Context, op string, doc bson.Raw)

// streamWatcher owns one change stream with automatic reconnection.
type streamWatcher struct {
	name     string
	coll     *mongo.Collection
	pipeline mongo.Pipeline
	handle   handlerFunc
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStreamWatcher(name string, coll *mongo.Collection, pipeline mongo.Pipeline, handle handlerFunc, log *logger.Logger) *streamWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamWatcher{
		name:     name,
		coll:     coll,
		pipeline: pipeline,
		handle:   handle,
		logger:   log.WithFields(zap.String("watcher", name)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the watch loop.
func (w *streamWatcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("Change stream watcher started")
}

// Stop cancels the loop and waits for it to drain.
func (w *streamWatcher) Stop() {
	w.cancel()
	w.wg.Wait()
	w.logger.Info("Change stream watcher stopped")
}

// watchLoop opens the stream and reopens it with exponential backoff after
// failures, resuming from the last seen token when possible.
func (w *streamWatcher) watchLoop() {
	defer w.wg.Done()

	backoff := initialBackoff
	var resumeToken bson.Raw

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resumeToken != nil {
			opts.SetResumeAfter(resumeToken)
		}

		stream, err := w.coll.Watch(w.ctx, w.pipeline, opts)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to open change stream, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			if !w.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff
		w.logger.Info("Change stream open")

		token, streamErr := w.processStream(stream)
		_ = stream.Close(context.Background())
		if token != nil {
			resumeToken = token
		}
		if w.ctx.Err() != nil {
			return
		}
		if streamErr != nil {
			if isStaleResumeToken(streamErr) {
				w.logger.Error("Resume token expired, restarting from current position; events may be missed")
				resumeToken = nil
				continue
			}
			w.logger.Warn("Change stream error, reconnecting",
				zap.Error(streamErr), zap.Duration("backoff", backoff))
			if !w.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// processStream drains events until the stream errors or the watcher stops.
// Returns the last resume token seen.
func (w *streamWatcher) processStream(stream *mongo.ChangeStream) (bson.Raw, error) {
	var lastToken bson.Raw
	for {
		select {
		case <-w.ctx.Done():
			return lastToken, nil
		default:
		}

		pollCtx, cancel := context.WithTimeout(w.ctx, pollTimeout)
		hasNext := stream.TryNext(pollCtx)
		cancel()

		if err := stream.Err(); err != nil && w.ctx.Err() == nil {
			return lastToken, err
		}
		if !hasNext {
			continue
		}

		var event changeEvent
		if err := stream.Decode(&event); err != nil {
			w.logger.Error("Failed to decode change event", zap.Error(err))
			continue
		}
		lastToken = stream.ResumeToken()
		if event.FullDocument == nil {
			continue
		}
		w.handle(w.ctx, event.OperationType, event.FullDocument)
	}
}

func (w *streamWatcher) sleep(d time.Duration) bool {
	select {
	case <-w.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isStaleResumeToken(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "ChangeStreamHistoryLost") ||
		strings.Contains(msg, "resume token") ||
		strings.Contains(msg, "oplog")
}
