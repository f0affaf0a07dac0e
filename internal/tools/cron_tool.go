package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adytum-sh/adytum/internal/cron"
)

// CronTool lets the agent manage its own scheduled jobs.
type CronTool struct {
	scheduler *cron.Scheduler
}

func NewCronTool(scheduler *cron.Scheduler) *CronTool {
	return &CronTool{scheduler: scheduler}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs: add recurring or one-shot reminders and tasks, list, pause, resume, remove, or trigger them."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "What to do",
				"enum":        []string{"add", "list", "remove", "pause", "resume", "trigger"},
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Job name (add)",
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression like '0 9 * * *', or 'at:<epoch millis>' for a one-shot, or 'in:<minutes>' relative one-shot (add)",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Prompt the job runs against the agent (add)",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Target job id (remove, pause, resume, trigger)",
			},
			"delete_after_run": map[string]interface{}{
				"type":        "boolean",
				"description": "One-shot jobs only: remove the job once it succeeds (add)",
			},
			"deliver": map[string]interface{}{
				"type":        "boolean",
				"description": "Send the job's result to the configured notifier channels (add)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(args)
	case "list":
		return t.list()
	case "remove":
		return t.byID(args, "removed", t.scheduler.RemoveJob)
	case "pause":
		return t.byID(args, "paused", t.scheduler.PauseJob)
	case "resume":
		return t.byID(args, "resumed", t.scheduler.ResumeJob)
	case "trigger":
		jobID, _ := args["job_id"].(string)
		if jobID == "" {
			return ErrorResult("job_id is required")
		}
		if err := t.scheduler.TriggerJob(ctx, jobID); err != nil {
			return ErrorResult(fmt.Sprintf("trigger failed: %v", err))
		}
		return SilentResult(fmt.Sprintf("Job %s triggered.", jobID))
	default:
		return ErrorResult(fmt.Sprintf("unknown action %q", action))
	}
}

func (t *CronTool) add(args map[string]interface{}) *Result {
	name, _ := args["name"].(string)
	schedule, _ := args["schedule"].(string)
	task, _ := args["task"].(string)
	if schedule == "" || task == "" {
		return ErrorResult("schedule and task are required")
	}

	// "in:<minutes>" is sugar for an absolute one-shot.
	if rest, ok := strings.CutPrefix(schedule, "in:"); ok {
		var minutes float64
		if _, err := fmt.Sscanf(rest, "%f", &minutes); err != nil || minutes <= 0 {
			return ErrorResult("in:<minutes> needs a positive number of minutes")
		}
		at := time.Now().Add(time.Duration(minutes * float64(time.Minute)))
		schedule = fmt.Sprintf("at:%d", at.UnixMilli())
	}

	deleteAfterRun, _ := args["delete_after_run"].(bool)
	deliver, _ := args["deliver"].(bool)

	job, err := t.scheduler.AddJob(cron.AddParams{
		Name:           name,
		Schedule:       schedule,
		Task:           task,
		Deliver:        deliver,
		DeleteAfterRun: deleteAfterRun,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("add failed: %v", err))
	}
	return SilentResult(fmt.Sprintf("Scheduled job %q (id %s, schedule %s).", job.Name, job.ID, job.Schedule))
}

func (t *CronTool) list() *Result {
	jobs := t.scheduler.Jobs()
	if len(jobs) == 0 {
		return SilentResult("No scheduled jobs.")
	}
	var sb strings.Builder
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&sb, "- %s (id %s): %s [%s, %s]", j.Name, j.ID, j.Schedule, j.ScheduleKind, status)
		if j.State.LastStatus != "" {
			fmt.Fprintf(&sb, " last=%s", j.State.LastStatus)
		}
		sb.WriteString("\n")
	}
	return SilentResult(sb.String())
}

func (t *CronTool) byID(args map[string]interface{}, verb string, fn func(string) error) *Result {
	jobID, _ := args["job_id"].(string)
	if jobID == "" {
		return ErrorResult("job_id is required")
	}
	if err := fn(jobID); err != nil {
		return ErrorResult(fmt.Sprintf("%v", err))
	}
	return SilentResult(fmt.Sprintf("Job %s %s.", jobID, verb))
}
