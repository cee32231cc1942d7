// Package scheduler retries and expires commands independently of any single dispatch.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"
	"github.com/go-fleetgate/fleetgate/internal/services"
)

// Deliverer pushes commands over sessions held by this hub instance
type Deliverer interface {
	IsConnected(deviceID string) bool
	Deliver(cmd *models.Command) (bool, error)
}

// Presence tells whether another hub instance owns a device's session
type Presence interface {
	ConnectedElsewhere(ctx context.Context, deviceID string) (bool, error)
}

// SweepResult counts what one sweep changed
type SweepResult struct {
	Expired     int
	Redelivered int
	Requeued    int
	Failed      int
}

// Scheduler expires overdue commands and redelivers unacknowledged ones
type Scheduler struct {
	commands   *services.CommandService
	hub        Deliverer
	presence   Presence
	maxRetries int
	batch      int
}

func New(
	commands *services.CommandService,
	hub Deliverer,
	presence Presence,
	maxRetries, batch int,
) *Scheduler {
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		commands:   commands,
		hub:        hub,
		presence:   presence,
		maxRetries: maxRetries,
		batch:      batch,
	}
}

// Sweep runs one pass at now. Commands past their TTL expire unconditionally.
// Sent commands past their ack deadline are redelivered while the device is
// connected here and retries remain, failed once retries are exhausted, and
// returned to the queue when the device has no session at all.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	expired, err := s.commands.ExpireOverdue(ctx, "", now, s.batch)
	result.Expired = expired
	if err != nil {
		return result, err
	}

	overdue, err := s.commands.ListAckOverdue(ctx, now, s.batch)
	if err != nil {
		return result, err
	}
	for i := range overdue {
		cmd := &overdue[i]
		if err := s.handleOverdue(ctx, cmd, now, &result); err != nil {
			log.Printf("[Scheduler] command %s of %s: %v", cmd.ID, cmd.DeviceID, err)
		}
	}
	return result, nil
}

func (s *Scheduler) handleOverdue(ctx context.Context, cmd *models.Command, now time.Time, result *SweepResult) error {
	if !s.hub.IsConnected(cmd.DeviceID) {
		if s.presence != nil {
			elsewhere, err := s.presence.ConnectedElsewhere(ctx, cmd.DeviceID)
			if err != nil {
				return err
			}
			if elsewhere {
				return nil
			}
		}
		if cmd.State != models.CommandSent {
			// The device resumes it on reconnect, see ResumeInProgress
			_, err := s.commands.Postpone(ctx, cmd, now)
			return err
		}
		ok, err := s.commands.Requeue(ctx, cmd, now)
		if ok {
			result.Requeued++
		}
		return err
	}

	if cmd.RetryCount >= s.maxRetries {
		ok, err := s.commands.FailExhausted(ctx, cmd, now)
		if ok {
			result.Failed++
		}
		return err
	}

	ok, err := s.commands.MarkRedelivered(ctx, cmd, now)
	if err != nil || !ok {
		return err
	}
	if _, err := s.hub.Deliver(cmd); err != nil {
		// The session teardown returns the command to the queue
		return err
	}
	result.Redelivered++
	return nil
}

// Run sweeps every interval until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Scheduler] started (interval=%s, max_retries=%d)", interval, s.maxRetries)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] stopped")
			return nil
		case now := <-ticker.C:
			result, err := s.Sweep(ctx, now)
			if err != nil && ctx.Err() == nil {
				log.Printf("[Scheduler] sweep failed: %v", err)
			}
			if result != (SweepResult{}) {
				log.Printf("[Scheduler] expired=%d redelivered=%d requeued=%d failed=%d",
					result.Expired, result.Redelivered, result.Requeued, result.Failed)
			}
		}
	}
}

// RunRetention deletes terminal commands older than retention every interval
func (s *Scheduler) RunRetention(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.commands.PurgeTerminal(ctx, retention)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Scheduler] command retention failed: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("[Scheduler] removed %d finished command(s) older than %s", n, retention)
			}
		}
	}
}
