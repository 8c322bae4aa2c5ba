package temporal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	enumspb "go.temporal.io/api/enums/v1"
)

// ErrUnsupportedFilter is returned for a name pattern the visibility store cannot express.
var ErrUnsupportedFilter = errors.New("unsupported filter")

// DefaultTaskQueue serves every task under the Unique routing strategy.
const DefaultTaskQueue = "default"

var supportedName = regexp.MustCompile(`^\w[.\w]*[.*]?$`)

// StateOf maps an execution status to a task state.
func StateOf(status enumspb.WorkflowExecutionStatus) (tasks.State, error) {
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return tasks.StateRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return tasks.StateDone, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return tasks.StateError, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return tasks.StateCancelled, nil
	}
	return 0, fmt.Errorf("unsupported workflow execution status %s", status)
}

// statusesOf maps a task state to the execution statuses it covers. QUEUED is
// indistinguishable from RUNNING; CREATED has no counterpart.
func statusesOf(s tasks.State) []enumspb.WorkflowExecutionStatus {
	switch s {
	case tasks.StateQueued, tasks.StateRunning:
		return []enumspb.WorkflowExecutionStatus{enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING}
	case tasks.StateDone:
		return []enumspb.WorkflowExecutionStatus{enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED}
	case tasks.StateError:
		return []enumspb.WorkflowExecutionStatus{enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT}
	case tasks.StateCancelled:
		return []enumspb.WorkflowExecutionStatus{enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED}
	}
	return nil
}

// statusLabel turns WORKFLOW_EXECUTION_STATUS_TIMED_OUT into TimedOut.
func statusLabel(s enumspb.WorkflowExecutionStatus) string {
	parts := strings.Split(strings.ToLower(strings.TrimPrefix(s.String(), "WORKFLOW_EXECUTION_STATUS_")), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

// TaskQueueOf resolves the workflow task queue of a task.
func TaskQueueOf(strategy routing.Strategy, name string, group tasks.Group) string {
	key := strings.ToLower(strategy.Key(name, group))
	if key == "" {
		return DefaultTaskQueue
	}
	return key
}

// BuildQuery translates filters into a visibility query. Arguments cannot be
// indexed and are left to the caller. The second result is false when the
// filters can match nothing.
func BuildQuery(filters tasks.Filters) (string, bool, error) {
	var statements []string

	if filters.States != nil {
		seen := map[enumspb.WorkflowExecutionStatus]bool{}
		var labels []string
		for _, s := range tasks.AllStates {
			if !filters.MatchesState(s) {
				continue
			}
			for _, st := range statusesOf(s) {
				if !seen[st] {
					seen[st] = true
					labels = append(labels, fmt.Sprintf("ExecutionStatus = '%s'", statusLabel(st)))
				}
			}
		}
		if len(labels) == 0 {
			return "", false, nil
		}
		statements = append(statements, strings.Join(labels, " OR "))
	}

	if filters.Name != "" {
		if !supportedName.MatchString(filters.Name) {
			return "", false, fmt.Errorf("name pattern %q: only exact names or prefix.* are supported: %w", filters.Name, ErrUnsupportedFilter)
		}
		if prefix, ok := strings.CutSuffix(filters.Name, ".*"); ok {
			statements = append(statements, fmt.Sprintf("WorkflowType STARTS_WITH '%s'", prefix))
		} else {
			statements = append(statements, fmt.Sprintf("WorkflowType = '%s'", filters.Name))
		}
	}

	if filters.User != "" {
		statements = append(statements, fmt.Sprintf("%s = '%s'", UserAttribute.GetName(), strings.ReplaceAll(filters.User, "'", `\'`)))
	}

	for i, s := range statements {
		statements[i] = "( " + s + " )"
	}
	return strings.Join(statements, " AND "), true, nil
}
