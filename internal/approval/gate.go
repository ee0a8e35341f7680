package approval

import (
	"context"
	"fmt"

	"github.com/shinji-kodama/worktree-flow/internal/logger"
	"github.com/shinji-kodama/worktree-flow/internal/model"
)

// Request asks to run one project hook command.
type Request struct {
	Event   model.HookEvent
	Name    string
	Command string
}

// Approver asks the user to approve a batch of commands at once.
// It returns false when the user declines and model.ErrNotInteractive when
// no one can be asked.
type Approver interface {
	Approve(ctx context.Context, project string, requests []Request) (bool, error)
}

// Gate combines the Store with the session flags of one command invocation.
type Gate struct {
	Store    *Store
	Approver Approver

	// Project identifies the repository the hooks belong to.
	Project string

	// Force approves every pending command for this session (--force).
	Force bool

	// PersistForced also records forced approvals in the store.
	PersistForced bool
}

// Authorize checks every request and, when some are not yet approved, asks
// for all of them with a single prompt. Approved batches are persisted
// together. It returns model.ErrApprovalDenied when any command is denied.
func (g *Gate) Authorize(ctx context.Context, requests []Request) error {
	var pending []Request
	for _, r := range requests {
		decision, err := g.Store.CheckOrRequest(g.Project, r.Event, r.Name, r.Command)
		if err != nil {
			return err
		}
		switch decision {
		case Denied:
			return fmt.Errorf("%s.%s: %w", r.Event, r.Name, model.ErrApprovalDenied)
		case NeedsPrompt:
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	log := logger.WithComponent("approval")

	if g.Force {
		for _, r := range pending {
			g.Store.ApproveForSession(g.Project, r.Event, r.Name, r.Command)
		}
		log.Info("commands approved by --force", "project", g.Project, "count", len(pending), "persisted", g.PersistForced)
		if g.PersistForced {
			return g.Store.RecordAll(ctx, records(g.Project, pending))
		}
		return nil
	}

	if g.Approver == nil {
		return model.ErrNotInteractive
	}
	ok, err := g.Approver.Approve(ctx, g.Project, pending)
	if err != nil {
		return err
	}
	if !ok {
		for _, r := range pending {
			g.Store.Deny(g.Project, r.Event, r.Name, r.Command)
		}
		log.Info("commands denied", "project", g.Project, "count", len(pending))
		return model.ErrApprovalDenied
	}

	for _, r := range pending {
		g.Store.ApproveForSession(g.Project, r.Event, r.Name, r.Command)
	}
	if err := g.Store.RecordAll(ctx, records(g.Project, pending)); err != nil {
		// The commands may still run this session; only persistence failed.
		log.Warn("failed to save approvals", "error", err)
	}
	return nil
}

func records(project string, requests []Request) []model.ApprovalRecord {
	recs := make([]model.ApprovalRecord, 0, len(requests))
	for _, r := range requests {
		recs = append(recs, model.ApprovalRecord{
			Project: project,
			Event:   r.Event,
			Name:    r.Name,
			Command: r.Command,
		})
	}
	return recs
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, project string, requests []Request) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, project string, requests []Request) (bool, error) {
	return f(ctx, project, requests)
}
