package app

import (
	"context"
	"errors"

	"bolashakai/pkg/backup"
	"bolashakai/pkg/dataaccess"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/queue"
)

// BackupQueue runs archive and restore work in the background.
// *queue.RedisJobQueue implements it.
type BackupQueue interface {
	Enqueue(ctx context.Context, req queue.Job) (queue.Job, error)
	GetJob(ctx context.Context, id string) (queue.Job, bool, error)
}

// QueueArchive schedules a background export to object storage.
func (a *App) QueueArchive(ctx context.Context, p Principal) (queue.Job, error) {
	if err := a.jobsReady(); err != nil {
		return queue.Job{}, err
	}
	return a.queue.Enqueue(ctx, queue.Job{Kind: queue.KindArchive, RequestedBy: p.UserID})
}

// QueueRestore schedules a background import of an archived bundle. The key
// and mode are checked before the job is queued.
func (a *App) QueueRestore(ctx context.Context, p Principal, key string, mode backup.Mode) (queue.Job, error) {
	if err := a.jobsReady(); err != nil {
		return queue.Job{}, err
	}
	if err := backup.ValidateKey(key); err != nil {
		return queue.Job{}, err
	}
	return a.queue.Enqueue(ctx, queue.Job{
		Kind:        queue.KindRestore,
		Key:         key,
		Mode:        string(mode),
		RequestedBy: p.UserID,
	})
}

// BackupJob reports the status of a queued job.
func (a *App) BackupJob(ctx context.Context, id string) (queue.Job, error) {
	if a.queue == nil {
		return queue.Job{}, ErrJobsDisabled
	}
	job, ok, err := a.queue.GetJob(ctx, id)
	if err != nil {
		return queue.Job{}, err
	}
	if !ok {
		return queue.Job{}, ErrJobNotFound
	}
	return job, nil
}

// RunBackupJob is the queue handler. Audit entries written by the job are
// attributed to the admin who requested it.
func (a *App) RunBackupJob(ctx context.Context, job queue.Job) (string, error) {
	if job.RequestedBy != "" {
		ctx = dataaccess.WithActor(ctx, job.RequestedBy)
	}
	var (
		result string
		err    error
	)
	switch job.Kind {
	case queue.KindArchive:
		var saved ArchivedBackup
		saved, err = a.ArchiveBackup(ctx)
		result = saved.Key
	case queue.KindRestore:
		var mode backup.Mode
		if mode, err = backup.ParseMode(job.Mode); err == nil {
			err = a.RestoreArchivedBackup(ctx, job.Key, mode)
			result = job.Key
		}
	default:
		err = domain.Invalid("kind", "unknown job kind "+job.Kind)
	}
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrArchiveDisabled) || domain.IsValidation(err) || domain.IsNotFound(err) {
		return "", queue.Permanent(err)
	}
	return "", err
}

func (a *App) jobsReady() error {
	if a.archive == nil {
		return ErrArchiveDisabled
	}
	if a.queue == nil {
		return ErrJobsDisabled
	}
	return nil
}
