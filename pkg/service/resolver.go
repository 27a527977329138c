package service

import (
	"slices"

	"github.com/ignatij/triageflow/pkg/models"
)

// ValidateDefinition checks the structure of a workflow: unique non-empty task
// ids, known dependencies, no self references and an acyclic graph.
func ValidateDefinition(def *models.WorkflowDefinition) error {
	_, err := ResolvePhases(def)
	return err
}

// ResolvePhases turns the task graph into execution phases with a layered
// topological sort. Tasks inside a phase keep their declaration order.
func ResolvePhases(def *models.WorkflowDefinition) ([]models.ExecutionPhase, error) {
	if def == nil || len(def.Tasks) == 0 {
		return nil, &InvalidDefinitionError{Reason: "workflow has no tasks"}
	}

	known := make(map[string]struct{}, len(def.Tasks))
	for _, t := range def.Tasks {
		if t.ID == "" {
			return nil, &InvalidDefinitionError{Reason: "task id must not be empty"}
		}
		if _, dup := known[t.ID]; dup {
			return nil, &InvalidDefinitionError{TaskID: t.ID, Reason: "duplicate task id"}
		}
		known[t.ID] = struct{}{}
	}
	for _, t := range def.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return nil, &InvalidDefinitionError{TaskID: t.ID, Reason: "task depends on itself"}
			}
			if _, ok := known[dep]; !ok {
				return nil, &UnknownDependencyError{TaskID: t.ID, Dependency: dep}
			}
		}
		for _, opt := range t.OptionalDependencies {
			if !slices.Contains(t.Dependencies, opt) {
				return nil, &InvalidDefinitionError{TaskID: t.ID, Reason: "optional dependency '" + opt + "' is not listed in dependencies"}
			}
		}
	}

	placed := make(map[string]struct{}, len(def.Tasks))
	var phases []models.ExecutionPhase
	for len(placed) < len(def.Tasks) {
		var ready []string
		for _, t := range def.Tasks {
			if _, done := placed[t.ID]; done {
				continue
			}
			satisfied := true
			for _, dep := range t.Dependencies {
				if _, ok := placed[dep]; !ok {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, t.ID)
			}
		}
		if len(ready) == 0 {
			return nil, &CyclicDependencyError{TaskIDs: cycleMembers(def, placed)}
		}
		// only mark after the scan so a phase never contains its own dependencies
		for _, id := range ready {
			placed[id] = struct{}{}
		}
		phases = append(phases, models.ExecutionPhase{Index: len(phases), TaskIDs: ready})
	}
	return phases, nil
}

// cycleMembers narrows the unplaced tasks down to those on a cycle by
// repeatedly dropping tasks no other unplaced task depends on.
func cycleMembers(def *models.WorkflowDefinition, placed map[string]struct{}) []string {
	remaining := make(map[string]models.TaskDefinition)
	for _, t := range def.Tasks {
		if _, ok := placed[t.ID]; !ok {
			remaining[t.ID] = t
		}
	}
	for {
		needed := make(map[string]struct{})
		for _, t := range remaining {
			for _, dep := range t.Dependencies {
				if _, ok := remaining[dep]; ok {
					needed[dep] = struct{}{}
				}
			}
		}
		pruned := false
		for id := range remaining {
			if _, ok := needed[id]; !ok {
				delete(remaining, id)
				pruned = true
			}
		}
		if !pruned {
			break
		}
	}

	var ids []string
	for _, t := range def.Tasks {
		if _, ok := remaining[t.ID]; ok {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		for _, t := range def.Tasks {
			if _, ok := placed[t.ID]; !ok {
				ids = append(ids, t.ID)
			}
		}
	}
	return ids
}
