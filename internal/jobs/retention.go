package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tomasbenes/sara/internal/store"
)

// RetentionJob prunes old call records. Transcripts contain customer
// speech, so they are kept only as long as the retention window allows.
type RetentionJob struct {
	store     *store.Store
	logger    *log.Logger
	retention time.Duration
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRetentionJob creates a new retention job.
func NewRetentionJob(s *store.Store, logger *log.Logger, retention, interval time.Duration) *RetentionJob {
	if retention == 0 {
		retention = 90 * 24 * time.Hour
	}
	if interval == 0 {
		interval = 6 * time.Hour
	}
	return &RetentionJob{
		store:     s,
		logger:    logger,
		retention: retention,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background job.
func (j *RetentionJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("RetentionJob: started (retention=%v, interval=%v)", j.retention, j.interval)
}

// Stop gracefully stops the background job.
func (j *RetentionJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("RetentionJob: stopped")
}

func (j *RetentionJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.prune()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.prune()
		case <-j.stopCh:
			return
		}
	}
}

func (j *RetentionJob) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-j.retention)
	deleted, err := j.store.DeleteCallsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Printf("RetentionJob: prune failed: %v", err)
		return
	}
	if deleted > 0 {
		j.logger.Printf("RetentionJob: pruned %d calls older than %s", deleted, cutoff.Format(time.RFC3339))
	}
}
