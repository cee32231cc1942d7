package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/installer"
	"github.com/go-fleetgate/fleetgate/internal/protocol"
	"github.com/go-fleetgate/fleetgate/internal/version"
)

// Built-in command types
const (
	CommandSkillInstall = "skill.install"
	CommandReportStatus = "report_status"
	CommandReboot       = "reboot"
)

// ErrRebootDisabled is returned when no reboot command is configured
var ErrRebootDisabled = errors.New("reboot is not configured on this device")

// SkillInstaller is satisfied by installer.Installer and installer.Runner
type SkillInstaller interface {
	Install(ctx context.Context, entry catalog.Entry) (*installer.InstalledSkill, error)
}

// InstallHandler installs the catalog entry carried in the command payload
func InstallHandler(inst SkillInstaller) Handler {
	return func(ctx context.Context, cmd *protocol.Command) (json.RawMessage, error) {
		var entry catalog.Entry
		if err := json.Unmarshal(cmd.Payload, &entry); err != nil {
			return nil, fmt.Errorf("invalid skill.install payload: %w", err)
		}
		skill, err := inst.Install(ctx, entry)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"skill_id": skill.SkillID,
			"version":  skill.Version,
			"path":     skill.Path,
		})
	}
}

// Snapshot assembles the device status report from the ledger
func Snapshot(ctx context.Context, ledger *Ledger) (*protocol.StatusReport, error) {
	skills, err := ledger.InstalledSkills(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed skills: %w", err)
	}
	pending, err := ledger.CountUnfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending commands: %w", err)
	}
	report := &protocol.StatusReport{
		InstalledSkills: skills,
		PendingCommands: pending,
		AgentVersion:    version.String(),
	}
	last, err := ledger.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last command: %w", err)
	}
	if last != nil {
		at := last.ReceivedAt
		if last.FinishedAt != nil {
			at = *last.FinishedAt
		}
		report.LastCommand = &protocol.CommandSummary{
			CommandID: last.CommandID,
			Type:      last.Type,
			Status:    last.Status,
			At:        at,
		}
	}
	return report, nil
}

// ReportStatusHandler publishes a fresh status frame and returns the same report
func ReportStatusHandler(ledger *Ledger, publish func(*protocol.StatusReport) error) Handler {
	return func(ctx context.Context, _ *protocol.Command) (json.RawMessage, error) {
		report, err := Snapshot(ctx, ledger)
		if err != nil {
			return nil, err
		}
		if publish != nil {
			if err := publish(report); err != nil {
				return nil, fmt.Errorf("failed to publish status: %w", err)
			}
		}
		return json.Marshal(report)
	}
}

// RebootHandler schedules reboot after delay so the terminal ack goes out first
func RebootHandler(reboot func() error, delay time.Duration) Handler {
	return func(_ context.Context, _ *protocol.Command) (json.RawMessage, error) {
		if reboot == nil {
			return nil, ErrRebootDisabled
		}
		time.AfterFunc(delay, func() { _ = reboot() })
		return json.Marshal(map[string]any{"scheduled_in_seconds": delay.Seconds()})
	}
}

// ExecReboot runs command through the shell; an empty command disables reboots
func ExecReboot(command string) func() error {
	if command == "" {
		return nil
	}
	return func() error {
		return exec.Command("/bin/sh", "-c", command).Run()
	}
}
