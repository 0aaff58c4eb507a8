package alwaysoffline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/always-offline/queue"

	"golang.org/x/sync/errgroup"
)

// RefreshMessage is broadcast to every client after a successful replay.
// Clients re-fetch the views named by the correlation ids.
type RefreshMessage struct {
	RefreshReportIDs []queue.CorrelationID `json:"refreshReportIds"`
}

// Sync handles a connectivity-restoration signal.
// Signals with another tag than the worker's are ignored.
// Concurrent signals share the replay cycle already in progress.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	log := w.log.With().Str("tag", tag).Logger()
	if tag != w.syncTag {
		log.Debug().Msg("Ignoring sync for unknown tag")
		return nil
	}
	_, err, shared := w.replays.Do(tag, func() (any, error) {
		return nil, w.replay(ctx, tag)
	})
	if shared {
		log.Trace().Msg("Joined replay already in progress")
	}
	return err
}

// Enqueue stores a deferred write in the queue replayed on the worker's sync tag.
func (w *Worker) Enqueue(ctx context.Context, task queue.TaskRecord) (queue.TaskRecord, error) {
	task, err := w.queue.Put(ctx, w.syncTag, task)
	if err != nil {
		return task, err
	}
	w.log.Debug().Str("task", task.Key).Str("endpoint", task.Endpoint).Msg("Queued offline task")
	return task, nil
}

// replay re-issues every queued task. Only when all of them reach the server
// are the clients told to refresh and the replayed tasks removed; otherwise
// the whole batch stays queued for the next signal.
func (w *Worker) replay(ctx context.Context, namespace string) error {
	log := w.log.With().Str("tag", namespace).Logger()

	tasks := make([]queue.TaskRecord, 0)
	err := w.queue.Iterate(ctx, namespace, func(task queue.TaskRecord) error {
		tasks = append(tasks, task)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Iterate through offline tasks failed")
		return fmt.Errorf("iterate offline tasks: %w", err)
	}
	if len(tasks) == 0 {
		log.Debug().Msg("No offline tasks to sync")
		return nil
	}

	ids := make([]queue.CorrelationID, len(tasks))
	// no shared context: one failing task does not abort the others
	var g errgroup.Group
	for i, task := range tasks {
		ids[i] = task.RefreshReportID
		task := task
		g.Go(func() error {
			return w.replayTask(ctx, task)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Int("tasks", len(tasks)).Msg("Offline tasks sync failed")
		return err
	}

	n := w.clients.Broadcast(RefreshMessage{RefreshReportIDs: ids})
	log.Info().Int("tasks", len(tasks)).Int("clients", n).Msg("Offline tasks sync succeeded")

	// only the replayed batch; tasks queued meanwhile wait for the next signal
	keys := make([]string, len(tasks))
	for i, task := range tasks {
		keys[i] = task.Key
	}
	if err := w.queue.Delete(ctx, namespace, keys); err != nil {
		log.Error().Err(err).Msg("Could not clear offline tasks")
		return fmt.Errorf("clear offline tasks: %w", err)
	}
	return nil
}

func (w *Worker) replayTask(ctx context.Context, task queue.TaskRecord) error {
	endpoint, err := w.resolve(task.Endpoint)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Key, err)
	}
	var body io.Reader
	if task.Options.Body != "" {
		body = strings.NewReader(task.Options.Body)
	}
	req, err := http.NewRequestWithContext(ctx, task.Options.Method, endpoint, body)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Key, err)
	}
	for name, value := range task.Options.Headers {
		req.Header.Set(name, value)
	}

	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Key, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	// any answer from the server settles the task, only an unreachable server fails it
	if res.StatusCode >= 400 {
		w.log.Warn().Str("task", task.Key).Str("endpoint", endpoint).Int("status", res.StatusCode).Msg("Offline task rejected by server")
		return nil
	}
	w.log.Trace().Str("task", task.Key).Str("endpoint", endpoint).Int("status", res.StatusCode).Msg("Replayed offline task")
	return nil
}

// resolve makes relative task endpoints absolute against the origin.
func (w *Worker) resolve(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if w.originURL == nil {
		return "", fmt.Errorf("relative endpoint %q without origin", endpoint)
	}
	return w.originURL.ResolveReference(u).String(), nil
}
