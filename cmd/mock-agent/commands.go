package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/manlab/manlab/pkg/agentwire"
)

// execute runs one server command and reports its terminal result. Long
// commands register a cancel scope so command.cancel can interrupt them.
func (a *Agent) execute(ctx context.Context, cmd *agentwire.ExecuteCommandPayload) {
	switch cmd.Type {
	case agentwire.CommandFileList:
		a.fileList(cmd)
	case agentwire.CommandFileRead:
		a.fileRead(cmd)
	case agentwire.CommandFileZip:
		a.fileZip(ctx, cmd)
	case agentwire.CommandFileStream:
		a.fileStream(ctx, cmd)
	case agentwire.CommandLogRead:
		a.logRead(cmd)
	case agentwire.CommandLogTail:
		a.logTail(ctx, cmd)
	case agentwire.CommandTerminalOpen:
		a.succeed(cmd.CommandID, fmt.Sprintf("mock shell on %s\n$ ", a.hostname))
	case agentwire.CommandTerminalInput:
		a.terminalInput(cmd)
	case agentwire.CommandTerminalClose:
		a.succeed(cmd.CommandID, "")
	case agentwire.CommandScriptRun:
		a.scriptRun(ctx, cmd)
	case agentwire.CommandServiceStatus:
		a.serviceStatus(cmd)
	case agentwire.CommandAgentUpdate:
		a.agentUpdate(cmd)
	case agentwire.CommandSystemUpdate:
		a.systemUpdate(ctx, cmd)
	case agentwire.CommandCancel:
		a.cancelTarget(cmd)
	default:
		a.fail(cmd.CommandID, fmt.Sprintf("unsupported command type %q", cmd.Type))
	}
}

func (a *Agent) succeed(commandID, output string) {
	a.sendResult(commandID, "success", output)
}

func (a *Agent) fail(commandID, output string) {
	a.sendResult(commandID, "failed", output)
}

func (a *Agent) sendResult(commandID, status, output string) {
	frame, err := agentwire.NewNotification(agentwire.ActionCommandResult, agentwire.CommandResultPayload{
		CommandID:  commandID,
		Status:     status,
		OutputTail: output,
	})
	if err != nil {
		return
	}
	_ = a.send(frame)
}

func (a *Agent) succeedJSON(commandID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		a.fail(commandID, err.Error())
		return
	}
	a.succeed(commandID, string(data))
}

func (a *Agent) fileList(cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.FileListRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad file.list payload")
		return
	}
	entries := a.fs.list(req.Path)
	truncated := false
	if req.MaxEntries > 0 && len(entries) > req.MaxEntries {
		entries = entries[:req.MaxEntries]
		truncated = true
	}
	result := agentwire.FileListResult{Truncated: truncated}
	for _, e := range entries {
		result.Entries = append(result.Entries, agentwire.FileEntry{
			Name:      e.Name,
			Path:      e.Path,
			IsDir:     e.IsDir,
			SizeBytes: e.Size,
			ModTime:   e.ModTime,
		})
	}
	a.succeedJSON(cmd.CommandID, result)
}

func (a *Agent) fileRead(cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.FileReadRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad file.read payload")
		return
	}
	content, ok := a.fs.read(req.Path)
	if !ok {
		a.fail(cmd.CommandID, fmt.Sprintf("no such file: %s", req.Path))
		return
	}
	truncated := false
	if req.MaxBytes > 0 && int64(len(content)) > req.MaxBytes {
		content = content[:req.MaxBytes]
		truncated = true
	}
	a.succeedJSON(cmd.CommandID, agentwire.FileReadResult{Path: req.Path, Content: content, Truncated: truncated})
}

// fileZip assembles a real zip in memory and parks it at a temp path inside
// the fake filesystem, where file.stream can pick it up.
func (a *Agent) fileZip(ctx context.Context, cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.FileZipRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad file.zip payload")
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range req.Paths {
		content, ok := a.fs.read(p)
		if !ok {
			// A missing member degrades to a partial archive, same as a
			// real agent racing file deletion.
			continue
		}
		w, err := zw.Create(strings.TrimPrefix(p, "/"))
		if err != nil {
			a.fail(cmd.CommandID, err.Error())
			return
		}
		if _, err := w.Write([]byte(content)); err != nil {
			a.fail(cmd.CommandID, err.Error())
			return
		}
	}
	if err := zw.Close(); err != nil {
		a.fail(cmd.CommandID, err.Error())
		return
	}

	tempPath := fmt.Sprintf("/tmp/manlab-%s.zip", req.DownloadID)
	a.fs.write(tempPath, buf.String())
	a.succeedJSON(cmd.CommandID, agentwire.FileZipResult{
		DownloadID:   req.DownloadID,
		TotalBytes:   int64(buf.Len()),
		TempFilePath: tempPath,
	})
}

// fileStream pushes the requested byte range as stream.chunk frames and
// terminates with stream.end.
func (a *Agent) fileStream(ctx context.Context, cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.FileStreamRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad file.stream payload")
		return
	}
	content, ok := a.fs.read(req.Path)
	if !ok {
		a.streamEnd(req.StreamID, fmt.Sprintf("no such file: %s", req.Path))
		a.fail(cmd.CommandID, fmt.Sprintf("no such file: %s", req.Path))
		return
	}

	data := []byte(content)
	start := req.StartOffset
	end := req.EndOffset
	if end <= 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	if start < 0 || start > end {
		a.streamEnd(req.StreamID, "invalid byte range")
		a.fail(cmd.CommandID, "invalid byte range")
		return
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}

	streamCtx := a.trackTask(ctx, req.StreamID, cmd.CommandID)
	defer a.untrackTask(req.StreamID, cmd.CommandID)

	var seq int64
	for off := start; off < end; off += int64(chunkSize) {
		if streamCtx.Err() != nil {
			a.streamEnd(req.StreamID, "cancelled")
			a.fail(cmd.CommandID, "cancelled")
			return
		}
		hi := off + int64(chunkSize)
		if hi > end {
			hi = end
		}
		frame, err := agentwire.NewNotification(agentwire.ActionStreamChunk, agentwire.StreamChunkPayload{
			StreamID: req.StreamID,
			Seq:      seq,
			Bytes:    data[off:hi],
		})
		if err != nil {
			a.streamEnd(req.StreamID, err.Error())
			return
		}
		if err := a.send(frame); err != nil {
			return
		}
		seq++
	}
	a.streamEnd(req.StreamID, "")
	a.succeed(cmd.CommandID, fmt.Sprintf("streamed %d bytes", end-start))
}

func (a *Agent) streamEnd(streamID, errMsg string) {
	frame, err := agentwire.NewNotification(agentwire.ActionStreamEnd, agentwire.StreamEndPayload{
		StreamID: streamID,
		Error:    errMsg,
	})
	if err != nil {
		return
	}
	_ = a.send(frame)
}

func (a *Agent) logRead(cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.LogReadRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad log.read payload")
		return
	}
	content, ok := a.fs.read(req.Path)
	if !ok {
		a.fail(cmd.CommandID, fmt.Sprintf("no such file: %s", req.Path))
		return
	}
	lines := splitLines(content)
	truncated := false
	if req.MaxLines > 0 && len(lines) > req.MaxLines {
		lines = lines[len(lines)-req.MaxLines:]
		truncated = true
	}
	a.succeedJSON(cmd.CommandID, agentwire.LogResult{Path: req.Path, Lines: lines, Truncated: truncated})
}

// logTail waits a slice of the requested window, then returns the tail of
// the file plus a few fresh lines stamped during the wait.
func (a *Agent) logTail(ctx context.Context, cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.LogTailRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad log.tail payload")
		return
	}
	content, ok := a.fs.read(req.Path)
	if !ok {
		a.fail(cmd.CommandID, fmt.Sprintf("no such file: %s", req.Path))
		return
	}

	wait := time.Duration(req.DurationSeconds) * time.Second
	if wait > 3*time.Second {
		wait = 3 * time.Second
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	lines := splitLines(content)
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	lines = append(lines, fmt.Sprintf("%s INFO tail window closed", time.Now().UTC().Format(time.RFC3339)))
	a.succeedJSON(cmd.CommandID, agentwire.LogResult{Path: req.Path, Lines: lines})
}

func (a *Agent) terminalInput(cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.TerminalInputRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad terminal.input payload")
		return
	}
	input := strings.TrimSpace(req.Input)
	var out string
	switch {
	case input == "pwd":
		out = "/home/demo"
	case input == "whoami":
		out = "demo"
	case input == "hostname":
		out = a.hostname
	case input == "ls" || strings.HasPrefix(input, "ls "):
		dir := "/home/demo"
		if rest := strings.TrimSpace(strings.TrimPrefix(input, "ls")); rest != "" {
			dir = rest
		}
		var names []string
		for _, e := range a.fs.list(dir) {
			names = append(names, e.Name)
		}
		out = strings.Join(names, "\n")
	default:
		out = fmt.Sprintf("mock: executed %q", input)
	}
	a.succeed(cmd.CommandID, out+"\n$ ")
}

func (a *Agent) scriptRun(ctx context.Context, cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.ScriptRunRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad script.run payload")
		return
	}

	runCtx := a.trackTask(ctx, cmd.CommandID, "")
	defer a.untrackTask(cmd.CommandID, "")

	select {
	case <-runCtx.Done():
		a.fail(cmd.CommandID, "script interrupted")
		return
	case <-time.After(500 * time.Millisecond):
	}

	lines := len(splitLines(req.Script))
	a.succeed(cmd.CommandID, fmt.Sprintf("interpreter=%s lines=%d\nscript run %s completed\n", req.Interpreter, lines, req.RunID))
}

func (a *Agent) serviceStatus(cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.ServiceStatusRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad service.status payload")
		return
	}
	services := req.Services
	if len(services) == 0 {
		services = []string{"sshd", "cron", "manlab-agent"}
	}
	result := agentwire.ServiceStatusResult{}
	for _, name := range services {
		result.Services = append(result.Services, agentwire.ServiceState{
			Name:    name,
			Running: name != "broken-service",
			Detail:  "mocked",
		})
	}
	a.succeedJSON(cmd.CommandID, result)
}

// agentUpdate pretends to self-update: the new version shows up in the next
// telemetry push.
func (a *Agent) agentUpdate(cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.AgentUpdateRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad agent.update payload")
		return
	}
	a.version = req.Version
	a.succeed(cmd.CommandID, fmt.Sprintf("updated to %s from %s", req.Version, req.DownloadURL))
	a.sendTelemetry()
}

// systemUpdate answers the two shapes of system.update: an empty package
// list asks for available updates, a non-empty one applies them.
func (a *Agent) systemUpdate(ctx context.Context, cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.SystemUpdateRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad system.update payload")
		return
	}

	if len(req.Packages) == 0 {
		a.succeedJSON(cmd.CommandID, agentwire.SystemUpdateListResult{
			Updates: []agentwire.PackageUpdate{
				{Name: "openssl", CurrentVersion: "3.0.2", NewVersion: "3.0.8", Category: "security"},
				{Name: "htop", CurrentVersion: "3.2.1", NewVersion: "3.2.2", Category: "optional"},
			},
		})
		return
	}

	applyCtx := a.trackTask(ctx, cmd.CommandID, "")
	defer a.untrackTask(cmd.CommandID, "")
	select {
	case <-applyCtx.Done():
		a.fail(cmd.CommandID, "apply interrupted")
		return
	case <-time.After(time.Second):
	}
	a.succeed(cmd.CommandID, fmt.Sprintf("upgraded %d packages: %s", len(req.Packages), strings.Join(req.Packages, ", ")))
}

// cancelTarget interrupts a tracked long-running task. The target id may be
// a command id or a stream/download id.
func (a *Agent) cancelTarget(cmd *agentwire.ExecuteCommandPayload) {
	var req agentwire.CancelCommandPayload
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		a.fail(cmd.CommandID, "bad command.cancel payload")
		return
	}
	if a.cancelTask(req.TargetCommandID) {
		a.succeed(cmd.CommandID, fmt.Sprintf("cancelled %s", req.TargetCommandID))
		return
	}
	// Nothing running under that id; report success so the server's
	// bookkeeping settles either way.
	a.succeed(cmd.CommandID, fmt.Sprintf("no running task %s", req.TargetCommandID))
}

// trackTask registers a cancellable scope under one or two ids.
func (a *Agent) trackTask(ctx context.Context, primary, secondary string) context.Context {
	taskCtx, cancel := context.WithCancel(ctx)
	a.tasksMu.Lock()
	if a.tasks == nil {
		a.tasks = map[string]context.CancelFunc{}
	}
	a.tasks[primary] = cancel
	if secondary != "" {
		a.tasks[secondary] = cancel
	}
	a.tasksMu.Unlock()
	return taskCtx
}

func (a *Agent) untrackTask(primary, secondary string) {
	a.tasksMu.Lock()
	delete(a.tasks, primary)
	if secondary != "" {
		delete(a.tasks, secondary)
	}
	a.tasksMu.Unlock()
}

func (a *Agent) cancelTask(id string) bool {
	a.tasksMu.Lock()
	cancel, ok := a.tasks[id]
	a.tasksMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func splitLines(content string) []string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
