package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowent/flowent/internal/rest/apierror"
	"github.com/flowent/flowent/pkg/bpmn"
	"github.com/flowent/flowent/pkg/bpmn/model"
	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

type processInstanceResponse struct {
	Key               int64                  `json:"key"`
	DefinitionId      string                 `json:"definitionId"`
	DefinitionVersion int32                  `json:"definitionVersion"`
	BusinessKey       string                 `json:"businessKey,omitempty"`
	Name              string                 `json:"name,omitempty"`
	State             string                 `json:"state"`
	ParentKey         int64                  `json:"parentKey,omitempty"`
	StartedAt         time.Time              `json:"startedAt"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	Variables         map[string]interface{} `json:"variables"`
}

func toProcessInstanceResponse(instance runtime.ProcessInstance) processInstanceResponse {
	return processInstanceResponse{
		Key:               instance.Key,
		DefinitionId:      instance.DefinitionId,
		DefinitionVersion: instance.DefinitionVersion,
		BusinessKey:       instance.BusinessKey,
		Name:              instance.Name,
		State:             string(instance.State),
		ParentKey:         instance.ParentKey,
		StartedAt:         instance.StartedAt,
		CompletedAt:       instance.CompletedAt,
		Variables:         instance.VariableHolder.RawValues(),
	}
}

func (s *Server) deployProcessDefinition(w http.ResponseWriter, r *http.Request) {
	var definition model.ProcessDefinition
	if !decode(w, r, &definition) {
		return
	}
	deployed, err := s.engine.DeployProcessDefinition(r.Context(), definition)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, deployed)
}

func (s *Server) getProcessDefinition(w http.ResponseWriter, r *http.Request) {
	definition, err := s.engine.FindLatestProcessDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, definition)
}

func (s *Server) startProcessInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DefinitionId string                 `json:"definitionId"`
		Variables    map[string]interface{} `json:"variables"`
		BusinessKey  string                 `json:"businessKey"`
		Name         string                 `json:"name"`
	}
	if !decode(w, r, &body) {
		return
	}
	options := make([]bpmn.StartOption, 0, 2)
	if body.BusinessKey != "" {
		options = append(options, bpmn.StartWithBusinessKey(body.BusinessKey))
	}
	if body.Name != "" {
		options = append(options, bpmn.StartWithName(body.Name))
	}
	instance, err := s.engine.StartProcessInstance(r.Context(), body.DefinitionId, body.Variables, options...)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProcessInstanceResponse(instance))
}

func (s *Server) getProcessInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	instance, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessInstanceResponse(instance))
}

func (s *Server) suspendProcessInstance(w http.ResponseWriter, r *http.Request) {
	s.instanceCommand(w, r, s.engine.SuspendProcessInstance)
}

func (s *Server) resumeProcessInstance(w http.ResponseWriter, r *http.Request) {
	s.instanceCommand(w, r, s.engine.ResumeProcessInstance)
}

func (s *Server) cancelProcessInstance(w http.ResponseWriter, r *http.Request) {
	s.instanceCommand(w, r, s.engine.CancelProcessInstance)
}

func (s *Server) instanceCommand(w http.ResponseWriter, r *http.Request, command func(ctx context.Context, key int64) error) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := command(r.Context(), key); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameProcessInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.RenameProcessInstance(r.Context(), key, body.Name); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getProcessInstanceVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	variables, err := s.engine.GetProcessInstanceVariables(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, variables)
}

func (s *Server) setProcessInstanceVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Variables map[string]interface{} `json:"variables"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.SetProcessInstanceVariables(r.Context(), key, body.Variables); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteProcessInstanceVariable(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteProcessInstanceVariable(r.Context(), key, chi.URLParam(r, "name")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getProcessInstanceEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	events := make([]runtime.RuntimeEvent, 0)
	for event := range s.engine.Recorder().StreamFor(r.Context(), key) {
		events = append(events, event)
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) getTaskEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	task, err := s.engine.FindTask(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	events := make([]runtime.RuntimeEvent, 0)
	for event := range s.engine.Recorder().StreamFor(r.Context(), task.StreamKey()) {
		events = append(events, event)
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) publishMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageName    string                 `json:"messageName"`
		CorrelationKey string                 `json:"correlationKey"`
		Variables      map[string]interface{} `json:"variables"`
		Start          bool                   `json:"start"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Start {
		instance, err := s.engine.StartProcessByMessage(r.Context(), body.MessageName, body.CorrelationKey, body.Variables)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProcessInstanceResponse(instance))
		return
	}
	if err := s.engine.CorrelateMessage(r.Context(), body.MessageName, body.CorrelationKey, body.Variables); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) broadcastSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SignalName string                 `json:"signalName"`
		Variables  map[string]interface{} `json:"variables"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.BroadcastSignal(r.Context(), body.SignalName, body.Variables); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var request bpmn.TaskRequest
	if !decode(w, r, &request) {
		return
	}
	task, err := s.engine.CreateTask(r.Context(), request)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	task, err := s.engine.FindTask(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTaskVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	variables, err := s.engine.GetTaskVariables(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, variables)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := s.engine.ClaimTask(r.Context(), key, callerFrom(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) releaseTask(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := s.engine.ReleaseTask(r.Context(), key, callerFrom(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Assignee string `json:"assignee"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.AssignTask(r.Context(), key, body.Assignee, callerFrom(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) saveTask(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var update bpmn.TaskUpdate
	if !decode(w, r, &update) {
		return
	}
	if err := s.engine.SaveTask(r.Context(), key, callerFrom(r), update); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Variables map[string]interface{} `json:"variables"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.CompleteTask(r.Context(), key, callerFrom(r), body.Variables); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteTask(r.Context(), key, callerFrom(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) receiveIntegrationResult(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Results map[string]interface{} `json:"results"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.ReceiveIntegrationResult(r.Context(), key, body.Results); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) receiveIntegrationError(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		ErrorClassName string `json:"errorClassName"`
		Message        string `json:"message"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.ReceiveIntegrationError(r.Context(), key, body.ErrorClassName, body.Message); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func callerFrom(r *http.Request) runtime.Caller {
	return runtime.Caller{
		UserId: r.Header.Get("X-User-Id"),
		Admin:  r.Header.Get("X-User-Admin") == "true",
	}
}

func pathKey(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: "key must be an integer",
		})
		return 0, false
	}
	return key, true
}

func decode(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: err.Error(),
		})
		return false
	}
	return true
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType := statusFor(err)
	writeError(w, r, status, apierror.ApiError{
		Type:    errType,
		Message: err.Error(),
	})
}

func statusFor(err error) (int, string) {
	var definitionNotFound *bpmn.DefinitionNotFoundError
	var instanceNotFound *bpmn.ProcessInstanceNotFoundError
	var taskNotFound *bpmn.TaskNotFoundError
	var subscriptionNotFound *bpmn.SubscriptionNotFoundError
	var duplicateSubscription *bpmn.DuplicateSubscriptionError
	var duplicateStart *bpmn.DuplicateStartMessageError
	var invalidTransition *bpmn.InvalidStateTransitionError
	var notClaimable *bpmn.TaskNotClaimableError
	var notAssignable *bpmn.TaskNotAssignableError
	var typeMismatch *runtime.TypeMismatchError
	switch {
	case errors.As(err, &definitionNotFound),
		errors.As(err, &instanceNotFound),
		errors.As(err, &taskNotFound),
		errors.As(err, &subscriptionNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &duplicateSubscription),
		errors.As(err, &duplicateStart),
		errors.As(err, &invalidTransition),
		errors.As(err, &notClaimable),
		errors.As(err, &notAssignable):
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &typeMismatch):
		return http.StatusBadRequest, "BAD_REQUEST"
	}
	return http.StatusInternalServerError, "ERROR"
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, apiErr apierror.ApiError) {
	writeJSON(w, status, apiErr)
}
