package methods

import (
	"context"
	"encoding/json"

	"github.com/adytum-sh/adytum/internal/cron"
	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// CronMethods manages scheduled jobs over RPC.
type CronMethods struct {
	scheduler *cron.Scheduler
}

func NewCronMethods(s *cron.Scheduler) *CronMethods {
	return &CronMethods{scheduler: s}
}

func (m *CronMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodCronList, m.handleList)
	router.Register(protocol.MethodCronCreate, m.handleCreate)
	router.Register(protocol.MethodCronUpdate, m.handleUpdate)
	router.Register(protocol.MethodCronDelete, m.handleDelete)
	router.Register(protocol.MethodCronToggle, m.handleToggle)
	router.Register(protocol.MethodCronRun, m.handleRun)
}

func (m *CronMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"jobs": m.scheduler.Jobs(),
	}))
}

func (m *CronMethods) handleCreate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Name           string `json:"name"`
		Schedule       string `json:"schedule"`
		Task           string `json:"task"`
		TargetAgentID  string `json:"targetAgentId"`
		TimeoutMs      int64  `json:"timeoutMs"`
		Deliver        bool   `json:"deliver"`
		DeleteAfterRun bool   `json:"deleteAfterRun"`
		Disabled       bool   `json:"disabled"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	job, err := m.scheduler.AddJob(cron.AddParams{
		Name:           params.Name,
		Schedule:       params.Schedule,
		Task:           params.Task,
		TargetAgentID:  params.TargetAgentID,
		TimeoutMs:      params.TimeoutMs,
		Deliver:        params.Deliver,
		DeleteAfterRun: params.DeleteAfterRun,
		Disabled:       params.Disabled,
	})
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, job))
}

func (m *CronMethods) handleUpdate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID            string  `json:"id"`
		Name          *string `json:"name"`
		Schedule      *string `json:"schedule"`
		Task          *string `json:"task"`
		TargetAgentID *string `json:"targetAgentId"`
		Enabled       *bool   `json:"enabled"`
		TimeoutMs     *int64  `json:"timeoutMs"`
		Deliver       *bool   `json:"deliver"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}

	job, err := m.scheduler.UpdateJob(params.ID, cron.UpdateParams{
		Name:          params.Name,
		Schedule:      params.Schedule,
		Task:          params.Task,
		TargetAgentID: params.TargetAgentID,
		Enabled:       params.Enabled,
		TimeoutMs:     params.TimeoutMs,
		Deliver:       params.Deliver,
	})
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, job))
}

func (m *CronMethods) handleDelete(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if err := m.scheduler.RemoveJob(params.ID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]string{"deleted": params.ID}))
}

func (m *CronMethods) handleToggle(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	var err error
	if params.Enabled {
		err = m.scheduler.ResumeJob(params.ID)
	} else {
		err = m.scheduler.PauseJob(params.ID)
	}
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, m.scheduler.Get(params.ID)))
}

func (m *CronMethods) handleRun(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if err := m.scheduler.TriggerJob(ctx, params.ID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]string{
		"triggered": params.ID,
		"status":    m.scheduler.GetJobStatus(params.ID),
	}))
}
