package workflow

import (
	"github.com/pitabwire/flowrun/model"
)

type visitState uint8

const (
	unvisited visitState = iota
	inProgress
	done
)

// ComputeOrder returns every step id exactly once such that each step comes
// after all of its dependencies. Steps are visited in input order and each
// step's dependencies in their listed order, so the result is deterministic.
//
// A dependency naming an id that is not in steps yields a
// *model.MissingDependencyError. Reaching a step that is still being visited
// yields a *model.CycleDetectedError naming that step.
func ComputeOrder(steps []model.WorkflowStep) ([]string, error) {
	byID := make(map[string]*model.WorkflowStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	state := make(map[string]visitState, len(steps))
	order := make([]string, 0, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case inProgress:
			return &model.CycleDetectedError{StepID: id}
		}

		state[id] = inProgress
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				return &model.MissingDependencyError{StepID: id, MissingID: dep}
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, id)
		return nil
	}

	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
