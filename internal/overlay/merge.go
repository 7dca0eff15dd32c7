// Package overlay merges reconciled live steps onto the six-layer skeleton.
package overlay

import (
	"strings"

	"github.com/xiaot623/exectrack/internal/domain"
	"github.com/xiaot623/exectrack/internal/skeleton"
)

// Merge overlays liveSteps onto sk. The result always has exactly skeleton.LayerCount entries in
// layer order, however many or few live steps exist.
//
// A step matches a layer by case-insensitive layer name. Steps whose layer names no skeleton layer
// fall back to positional matching (StepOrder == position+1).
func Merge(sk skeleton.Skeleton, liveSteps []domain.StepRecord) []domain.MergedStepView {
	byName := make(map[int][]domain.StepRecord, skeleton.LayerCount)
	byOrder := make(map[int][]domain.StepRecord, skeleton.LayerCount)

	for _, step := range liveSteps {
		if idx, ok := layerIndex(sk, step.Layer); ok {
			byName[idx] = append(byName[idx], step)
			continue
		}
		if step.StepOrder >= 1 && step.StepOrder <= skeleton.LayerCount {
			byOrder[step.StepOrder-1] = append(byOrder[step.StepOrder-1], step)
		}
	}

	out := make([]domain.MergedStepView, skeleton.LayerCount)
	for i, entry := range sk {
		matches := byName[i]
		if len(matches) == 0 {
			matches = byOrder[i]
		}
		out[i] = mergeEntry(entry, matches)
	}
	return out
}

func layerIndex(sk skeleton.Skeleton, layer string) (int, bool) {
	layer = strings.TrimSpace(layer)
	if layer == "" {
		return 0, false
	}
	for i, entry := range sk {
		if strings.EqualFold(entry.Layer, layer) {
			return i, true
		}
	}
	return 0, false
}

func fromSkeleton(entry domain.SkeletonEntry) domain.MergedStepView {
	return domain.MergedStepView{
		Layer:          entry.Layer,
		Order:          entry.Order,
		Agent:          entry.Agent,
		Status:         entry.Status,
		Agents:         entry.Agents,
		IsParallel:     entry.IsParallel,
		Specialization: entry.Specialization,
		Description:    entry.Description,
		Capabilities:   entry.Capabilities,
		Provenance:     domain.ProvenanceSkeleton,
	}
}

// mergeEntry applies the field precedence: live status, agent name, duration, timestamps and
// output win; skeleton descriptive fields stay when the live record has none.
func mergeEntry(entry domain.SkeletonEntry, matches []domain.StepRecord) domain.MergedStepView {
	view := fromSkeleton(entry)
	if len(matches) == 0 {
		return view
	}

	primary := matches[len(matches)-1]
	view.Provenance = domain.ProvenanceLive
	view.StepID = primary.StepID
	view.Status = rollupStatus(matches)
	if primary.AgentName != "" {
		view.Agent = primary.AgentName
	}
	if primary.Action != "" {
		view.Action = primary.Action
	}
	if primary.Specialization != "" {
		view.Specialization = primary.Specialization
	}
	if primary.Description != "" {
		view.Description = primary.Description
	}
	if len(primary.Capabilities) > 0 {
		view.Capabilities = primary.Capabilities
	}
	view.OutputData = primary.OutputData

	for _, m := range matches {
		if m.AgentName != "" {
			view.LiveAgents = append(view.LiveAgents, m.AgentName)
		}
		if m.StartedAt != nil && (view.StartedAt == nil || m.StartedAt.Before(*view.StartedAt)) {
			ts := *m.StartedAt
			view.StartedAt = &ts
		}
		if m.CompletedAt != nil && (view.CompletedAt == nil || m.CompletedAt.After(*view.CompletedAt)) {
			ts := *m.CompletedAt
			view.CompletedAt = &ts
		}
		if m.Duration != nil && (view.Duration == nil || *m.Duration > *view.Duration) {
			d := *m.Duration
			view.Duration = &d
		}
		if m.IsParallel {
			view.IsParallel = true
		}
	}
	if len(matches) > 1 {
		view.IsParallel = true
	}
	return view
}

// rollupStatus folds the statuses of every record on one layer: any error wins, then any
// still-running step, then completed once every step finished.
func rollupStatus(matches []domain.StepRecord) domain.StepStatus {
	var running, completed, skipped, pending bool
	for _, m := range matches {
		switch m.Status {
		case domain.StepStatusError:
			return domain.StepStatusError
		case domain.StepStatusRunning:
			running = true
		case domain.StepStatusCompleted:
			completed = true
		case domain.StepStatusSkipped:
			skipped = true
		default:
			pending = true
		}
	}
	switch {
	case running:
		return domain.StepStatusRunning
	case completed && pending:
		return domain.StepStatusRunning
	case completed:
		return domain.StepStatusCompleted
	case skipped && !pending:
		return domain.StepStatusSkipped
	}
	return domain.StepStatusPending
}
