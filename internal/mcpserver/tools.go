package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/appctx"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/execution"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/worker"
)

// writeTimeout bounds the detached DB writes behind the report and
// completion tools.
const writeTimeout = 10 * time.Second

func registerTools(s *server.MCPServer, svcs Services, stopCh <-chan struct{}, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("report",
			mcp.WithDescription(
				"Submit your final report for a queued worker task. Call this exactly once, "+
					"when the work is done, blocked on a question, or has failed. "+
					"The report is what the user sees; make the summary self-contained.",
			),
			mcp.WithString("worker_id",
				mcp.Required(),
				mcp.Description("Your worker id, provided in the task prompt"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("One of: complete, needs_clarification, failed"),
			),
			mcp.WithString("summary",
				mcp.Required(),
				mcp.Description("One-line outcome shown in notifications"),
			),
			mcp.WithString("body",
				mcp.Description("Full markdown report body (optional; defaults to the summary)"),
			),
			mcp.WithArray("artifacts",
				mcp.Description("Paths of files you produced, relative to the user's home (optional)"),
			),
		),
		reportHandler(svcs.Reports, stopCh, log),
	)

	s.AddTool(
		mcp.NewTool("mission_complete",
			mcp.WithDescription(
				"Close the mission execution you are running. Call this before exiting; "+
					"the scheduler tears the mission window down once the execution is closed.",
			),
			mcp.WithString("execution_id",
				mcp.Required(),
				mcp.Description("The mission execution id from your environment (MISSION_EXECUTION_ID)"),
			),
			mcp.WithString("status",
				mcp.Description("completed (default) or failed"),
			),
			mcp.WithString("summary",
				mcp.Description("Short outcome summary stored on the execution (optional)"),
			),
		),
		completeExecutionHandler(execution.KindMission, svcs.Executions, stopCh, log),
	)

	s.AddTool(
		mcp.NewTool("duty_complete",
			mcp.WithDescription(
				"Close the duty execution you are running. Call this when the duty's work "+
					"is done; your session stays up afterwards.",
			),
			mcp.WithString("execution_id",
				mcp.Required(),
				mcp.Description("The duty execution id from your environment (MISSION_EXECUTION_ID)"),
			),
			mcp.WithString("status",
				mcp.Description("completed (default) or failed"),
			),
			mcp.WithString("summary",
				mcp.Description("Short outcome summary stored on the execution (optional)"),
			),
		),
		completeExecutionHandler(execution.KindDuty, svcs.Executions, stopCh, log),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription(
				"Record what your session is currently doing. The status shows up in "+
					"heartbeat wake messages and the health endpoint.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Your session id (CLAUDE_SESSION_ID in your environment)"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("One of: idle, active, tool_active"),
			),
			mcp.WithString("status_text",
				mcp.Description("One line describing the current activity (optional)"),
			),
		),
		sessionStatusHandler(svcs.Sessions, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 4))
}

func reportHandler(reports ReportSink, stopCh <-chan struct{}, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workerID, err := req.RequireString("worker_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		summary, err := req.RequireString("summary")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rep := worker.Report{
			WorkerID: workerID,
			Status:   status,
			Summary:  summary,
			Body:     req.GetString("body", ""),
		}
		if raw, ok := req.GetArguments()["artifacts"]; ok && raw != nil {
			artifacts, err := stringSlice(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to parse artifacts: %v", err)), nil
			}
			rep.Artifacts = artifacts
		}

		// Agents usually exit right after reporting, and the SSE connection
		// can drop while the call is still in flight. Detach the write from
		// the request so the report lands anyway; it still dies with the
		// server's stop channel.
		writeCtx, cancel := appctx.Detached(ctx, stopCh, writeTimeout)
		defer cancel()

		text, err := reports.SubmitReport(writeCtx, rep)
		if err != nil {
			log.Error("report tool failed",
				zap.String("worker_id", workerID), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

// completeExecutionHandler closes a duty or mission execution. The kind
// check stops a duty agent from closing a mission's row and vice versa; the
// schedulers notice the closed row on their next poll and do the teardown.
func completeExecutionHandler(kind string, execs ExecutionLedger, stopCh <-chan struct{}, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		execID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := executionStatus(req.GetString("status", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		summary := req.GetString("summary", "")

		// Same detach as the report tool: this is the agent's last call
		// before it exits, so the close must not ride on its connection.
		ctx, cancel := appctx.Detached(ctx, stopCh, writeTimeout)
		defer cancel()

		exec, err := execs.Get(ctx, execID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if exec.Kind != kind {
			return mcp.NewToolResultError(
				fmt.Sprintf("execution %s is a %s, not a %s", execID, exec.Kind, kind)), nil
		}
		if !exec.Running() {
			return mcp.NewToolResultError(
				fmt.Sprintf("execution %s is already closed with status %s", execID, exec.Status)), nil
		}

		errMsg := ""
		if status == execution.StatusFailed {
			errMsg = "agent reported failure"
		}
		if err := execs.Finish(ctx, execID, status, summary, errMsg); err != nil {
			log.Error("failed to close execution",
				zap.String("execution_id", execID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record completion: %v", err)), nil
		}

		log.Info("execution closed by agent",
			zap.String("kind", kind),
			zap.String("slug", exec.Slug),
			zap.String("execution_id", execID),
			zap.String("status", status))
		return mcp.NewToolResultText(
			fmt.Sprintf("Recorded %s %q as %s. Finish up; the scheduler handles the rest.",
				kind, exec.Slug, status)), nil
	}
}

func sessionStatusHandler(sessions StatusRecorder, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		state, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		switch state {
		case session.StateIdle, session.StateActive, session.StateToolActive:
		default:
			return mcp.NewToolResultError(
				fmt.Sprintf("status %q is not one of idle, active, tool_active", state)), nil
		}

		if err := sessions.UpdateStatus(ctx, sessionID, state, req.GetString("status_text", "")); err != nil {
			log.Error("failed to record session status",
				zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record status: %v", err)), nil
		}
		return mcp.NewToolResultText("Status recorded."), nil
	}
}

// executionStatus normalizes the terminal status an agent typed.
func executionStatus(raw string) (string, error) {
	switch raw {
	case "", "completed", "complete", "success", "done":
		return execution.StatusCompleted, nil
	case "failed", "failure", "error":
		return execution.StatusFailed, nil
	default:
		return "", fmt.Errorf("status %q is not one of completed, failed", raw)
	}
}

// stringSlice converts the raw JSON array an MCP client sent into []string.
func stringSlice(raw interface{}) ([]string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
