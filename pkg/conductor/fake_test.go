package conductor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// fakeServer is an in-memory Conductor REST API holding one SIMPLE task per workflow.
type fakeServer struct {
	mu        sync.Mutex
	seq       int
	workflows map[string]*fakeWorkflow
	order     []string
	taskDefs  []TaskDef
	wfDefs    []WorkflowDef
}

type fakeWorkflow struct {
	wf     Workflow
	domain string
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	f := &fakeServer{workflows: map[string]*fakeWorkflow{}}
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]bool{"healthy": true})
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/metadata/taskdefs", f.registerTasks)
		r.Put("/metadata/workflow", f.registerWorkflows)
		r.Post("/workflow", f.start)
		r.Get("/workflow/search", f.search)
		r.Get("/workflow/{name}/correlated/{cid}", f.correlated)
		r.Get("/workflow/{id}", f.get)
		r.Delete("/workflow/{id}", f.terminate)
		r.Delete("/workflow/{id}/remove", f.remove)
		r.Get("/tasks/poll/batch/{type}", f.poll)
		r.Get("/tasks/{taskId}", f.getTask)
		r.Post("/tasks", f.update)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, NewClient(srv.URL + "/api")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) registerTasks(w http.ResponseWriter, r *http.Request) {
	var defs []TaskDef
	if err := json.NewDecoder(r.Body).Decode(&defs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.taskDefs = append(f.taskDefs, defs...)
	f.mu.Unlock()
}

func (f *fakeServer) registerWorkflows(w http.ResponseWriter, r *http.Request) {
	var defs []WorkflowDef
	if err := json.NewDecoder(r.Body).Decode(&defs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.wfDefs = append(f.wfDefs, defs...)
	f.mu.Unlock()
}

func (f *fakeServer) start(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	input, _ := json.Marshal(req.Input)
	taskInput, _ := json.Marshal(map[string]any{inputArgs: req.Input[inputArgs]})

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("wf-%d", f.seq)
	now := time.Now().UnixMilli()
	f.workflows[id] = &fakeWorkflow{
		domain: req.TaskToDomain["*"],
		wf: Workflow{
			WorkflowID:    id,
			WorkflowName:  req.Name,
			CorrelationID: req.CorrelationID,
			Status:        WorkflowRunning,
			CreateTime:    now + int64(f.seq),
			Input:         input,
			Tasks: []PolledTask{{
				TaskID:             id + "-t",
				TaskType:           req.Name,
				Status:             TaskScheduled,
				WorkflowInstanceID: id,
				InputData:          taskInput,
				ScheduledTime:      now,
			}},
		},
	}
	f.order = append(f.order, id)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(id))
}

func (f *fakeServer) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	f.mu.Lock()
	defer f.mu.Unlock()
	var all []WorkflowSummary
	for _, id := range f.order {
		fw, ok := f.workflows[id]
		if !ok {
			continue
		}
		if query != "" && !strings.Contains(query, fw.wf.Status) {
			continue
		}
		all = append(all, WorkflowSummary{WorkflowID: id, WorkflowType: fw.wf.WorkflowName, CorrelationID: fw.wf.CorrelationID, Status: fw.wf.Status})
	}
	res := SearchResult{TotalHits: int64(len(all))}
	if start < len(all) {
		res.Results = all[start:min(start+size, len(all))]
	}
	writeJSON(w, res)
}

func (f *fakeServer) correlated(w http.ResponseWriter, r *http.Request) {
	name, cid := chi.URLParam(r, "name"), chi.URLParam(r, "cid")
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []Workflow{}
	for _, fw := range f.workflows {
		if fw.wf.WorkflowName == name && fw.wf.CorrelationID == cid {
			list = append(list, fw.wf)
		}
	}
	writeJSON(w, list)
}

func (f *fakeServer) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fw, ok := f.workflows[chi.URLParam(r, "id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, fw.wf)
}

func (f *fakeServer) terminate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fw, ok := f.workflows[chi.URLParam(r, "id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if fw.wf.Status != WorkflowRunning {
		http.Error(w, "workflow is not running", http.StatusConflict)
		return
	}
	fw.wf.Status = WorkflowTerminated
	fw.wf.ReasonForIncompletion = r.URL.Query().Get("reason")
	fw.wf.EndTime = time.Now().UnixMilli()
	for i := range fw.wf.Tasks {
		fw.wf.Tasks[i].Status = TaskCanceled
	}
}

func (f *fakeServer) remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(f.workflows, id)
}

func (f *fakeServer) poll(w http.ResponseWriter, r *http.Request) {
	taskType, domain := chi.URLParam(r, "type"), r.URL.Query().Get("domain")
	f.mu.Lock()
	for _, id := range f.order {
		fw, ok := f.workflows[id]
		if !ok || fw.domain != domain {
			continue
		}
		t := &fw.wf.Tasks[0]
		if t.TaskType == taskType && t.Status == TaskScheduled {
			t.Status = TaskInProgress
			t.PollCount++
			polled := *t
			f.mu.Unlock()
			writeJSON(w, []PolledTask{polled})
			return
		}
	}
	f.mu.Unlock()
	timeout, _ := strconv.Atoi(r.URL.Query().Get("timeout"))
	time.Sleep(min(time.Duration(timeout)*time.Millisecond, 20*time.Millisecond))
	writeJSON(w, []PolledTask{})
}

func (f *fakeServer) task(taskID string) (*fakeWorkflow, *PolledTask) {
	fw, ok := f.workflows[strings.TrimSuffix(taskID, "-t")]
	if !ok {
		return nil, nil
	}
	return fw, &fw.wf.Tasks[0]
}

func (f *fakeServer) getTask(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, t := f.task(chi.URLParam(r, "taskId"))
	if t == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, t)
}

func (f *fakeServer) update(w http.ResponseWriter, r *http.Request) {
	var res TaskResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fw, t := f.task(res.TaskID)
	if t == nil {
		http.NotFound(w, r)
		return
	}
	if t.Status == TaskCanceled {
		_, _ = w.Write([]byte(res.TaskID))
		return
	}
	if res.OutputData != nil {
		t.OutputData, _ = json.Marshal(res.OutputData)
	}
	now := time.Now().UnixMilli()
	switch res.Status {
	case TaskInProgress:
		t.Status = TaskInProgress
		if res.CallbackAfterSeconds == 0 {
			t.Status = TaskScheduled
		}
	case TaskCompleted:
		t.Status = TaskCompleted
		fw.wf.Status = WorkflowCompleted
		fw.wf.Output, _ = json.Marshal(map[string]any{outputResult: res.OutputData[outputResult]})
		fw.wf.EndTime = now
	case TaskFailedWithTerminalErr, TaskFailed:
		t.Status = res.Status
		fw.wf.Status = WorkflowFailed
		fw.wf.ReasonForIncompletion = res.ReasonForIncompletion
		fw.wf.EndTime = now
	}
	_, _ = w.Write([]byte(res.TaskID))
}

func (f *fakeServer) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	fw, ok := f.workflows[id]
	if !ok {
		return ""
	}
	return fw.wf.Status
}
