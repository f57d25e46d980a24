package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"applyq.local/applyq/internal/client"
	"applyq.local/applyq/internal/cooldown"
	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/service"
	"applyq.local/applyq/internal/sessions"
)

const defaultRefresh = 2 * time.Second

type Options struct {
	Client  client.Config
	Refresh time.Duration
}

func Run(ctx context.Context, opts Options) error {
	cli, err := client.New(opts.Client)
	if err != nil {
		return err
	}
	defer cli.Close()
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	tenantID := opts.Client.TenantID

	app := tview.NewApplication()

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetText("[yellow]stream: connecting")
	statusView.SetBorder(true).SetTitle("Scheduler")

	tasksView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tasksView.SetBorder(true).SetTitle("Tasks")

	sessionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	sessionsView.SetBorder(true).SetTitle("Sessions")

	cooldownsView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	cooldownsView.SetBorder(true).SetTitle("Cooldowns")

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetScrollable(true)
	eventsView.SetBorder(true).SetTitle("Events")

	input := tview.NewInputField().
		SetLabel("Enqueue> ").
		SetFieldWidth(0)
	input.SetBorder(true).SetTitle("Compose")
	if tenantID == "" {
		input.SetPlaceholder("start with -tenant to enqueue; /quit exits")
	} else {
		input.SetPlaceholder("<kind> [json payload]; /quit exits")
	}

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(sessionsView, 0, 2, false).
		AddItem(cooldownsView, 0, 1, false)
	middle := tview.NewFlex().
		AddItem(tasksView, 0, 3, false).
		AddItem(right, 0, 2, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(statusView, 4, 0, false).
		AddItem(middle, 0, 2, false).
		AddItem(eventsView, 0, 1, false).
		AddItem(input, 3, 0, true)

	appendLine := func(line string) {
		_, _ = fmt.Fprintf(eventsView, "%s\n", line)
		eventsView.ScrollToEnd()
	}
	streamState := "[yellow]stream: connecting"
	lastSnapshot := "[gray]snapshot: pending"
	tenantLine := ""
	renderStatus := func() {
		lines := []string{streamState + "   " + lastSnapshot}
		if tenantLine != "" {
			lines = append(lines, tenantLine)
		}
		statusView.SetText(strings.Join(lines, "\n"))
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(input.GetText())
		if text == "" {
			return
		}
		input.SetText("")

		if text == "/quit" {
			app.Stop()
			return
		}
		req, err := parseEnqueue(tenantID, text)
		if err != nil {
			appendLine(fmt.Sprintf("[red]%s %v", timestamp(), err))
			return
		}

		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			taskID, err := cli.Enqueue(sendCtx, req)
			if err != nil {
				app.QueueUpdateDraw(func() {
					appendLine(fmt.Sprintf("[red]%s enqueue failed: %v", timestamp(), err))
				})
				return
			}
			app.QueueUpdateDraw(func() {
				appendLine(fmt.Sprintf("[gray]%s enqueued kind=%s task=%s", timestamp(), req.Kind, taskID))
			})
		}()
	})

	poll := func() {
		pollCtx, cancel := context.WithTimeout(ctx, refresh)
		defer cancel()
		snap, err := cli.Snapshot(pollCtx)
		if err != nil {
			app.QueueUpdateDraw(func() {
				lastSnapshot = fmt.Sprintf("[red]snapshot failed: %v", err)
				renderStatus()
			})
			return
		}
		now := time.Now().UTC()
		tasks := renderTasks(snap.Tasks, now)
		live := renderSessions(snap.Sessions, now)
		cooling := renderCooldowns(snap.Cooldowns, now)
		tenant := renderTenant(snap.Tenant, now)
		app.QueueUpdateDraw(func() {
			tasksView.SetText(tasks)
			sessionsView.SetText(live)
			cooldownsView.SetText(cooling)
			lastSnapshot = "[gray]snapshot: " + snap.FetchedAt.Format(time.RFC3339)
			tenantLine = tenant
			renderStatus()
		})
	}

	go func() {
		poll()
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	go func() {
		if err := cli.Connect(ctx); err != nil {
			app.QueueUpdateDraw(func() {
				streamState = "[red]stream: unavailable"
				renderStatus()
				appendLine(fmt.Sprintf("[red]%s stream connect failed: %v", timestamp(), err))
			})
			return
		}
		app.QueueUpdateDraw(func() {
			streamState = "[green]stream: live"
			renderStatus()
		})

		for {
			select {
			case <-ctx.Done():
				return
			case <-cli.Done():
				app.QueueUpdateDraw(func() {
					streamState = "[yellow]stream: closed"
					renderStatus()
				})
				return
			case err := <-cli.Errors():
				app.QueueUpdateDraw(func() {
					appendLine(fmt.Sprintf("[red]%s stream error: %v", timestamp(), err))
				})
			case event := <-cli.Events():
				formatted := formatEvent(event)
				app.QueueUpdateDraw(func() {
					appendLine(formatted)
				})
			}
		}
	}()

	go func() {
		<-ctx.Done()
		app.Stop()
	}()

	return app.SetRoot(layout, true).EnableMouse(true).Run()
}

// parseEnqueue reads "<kind> [json payload]".
func parseEnqueue(tenantID, text string) (service.EnqueueRequest, error) {
	if tenantID == "" {
		return service.EnqueueRequest{}, fmt.Errorf("no tenant selected")
	}
	kind, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	req := service.EnqueueRequest{TenantID: tenantID, Kind: kind}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return service.EnqueueRequest{}, fmt.Errorf("payload is not valid json")
		}
		req.Payload = json.RawMessage(rest)
	}
	return req, nil
}

func formatEvent(event events.Event) string {
	color := "white"
	switch {
	case event.Alert():
		color = "red"
	case event.Type == events.TypeHealthWarning || event.Type == events.TypeTaskRetrying:
		color = "yellow"
	case event.Type == events.TypeTaskCompleted:
		color = "green"
	case event.Type == events.TypeTaskProgress:
		color = "gray"
	}

	parts := []string{
		event.OccurredAt.UTC().Format(time.RFC3339),
		string(event.Type),
		"tenant=" + event.TenantID,
	}
	if event.TaskID != "" {
		parts = append(parts, "task="+event.TaskID)
	}
	if event.SessionID != "" {
		parts = append(parts, "session="+event.SessionID)
	}
	keys := make([]string, 0, len(event.Attributes))
	for key := range event.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := event.Attributes[key]
		if len(value) > 120 {
			value = value[:120] + "..."
		}
		parts = append(parts, key+"="+value)
	}
	return fmt.Sprintf("[%s]%s", color, tview.Escape(strings.Join(parts, " ")))
}

func renderTasks(tasks []service.TaskStatus, now time.Time) string {
	if len(tasks) == 0 {
		return "[gray]no tasks"
	}
	var b strings.Builder
	for _, task := range tasks {
		line := fmt.Sprintf("%-12s %s %s/%s attempts=%d/%d",
			task.Status, task.TaskID, task.TenantID, task.Kind, task.AttemptCount, task.MaxAttempts)
		if task.ProgressStep != "" {
			line += " step=" + task.ProgressStep
		}
		if task.NotBefore.After(now) {
			line += " in=" + shortDuration(task.NotBefore.Sub(now))
		}
		if task.Error != "" {
			line += " err=" + truncate(task.Error, 60)
		}
		fmt.Fprintf(&b, "[%s]%s\n", taskColor(task), tview.Escape(line))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func taskColor(task service.TaskStatus) string {
	switch task.Status {
	case queue.StatusCompleted:
		return "green"
	case queue.StatusFailed:
		return "red"
	case queue.StatusRetrying:
		return "yellow"
	case queue.StatusProcessing:
		return "aqua"
	default:
		return "white"
	}
}

func renderSessions(records []sessions.Record, now time.Time) string {
	if len(records) == 0 {
		return "[gray]no live sessions"
	}
	var b strings.Builder
	for _, rec := range records {
		line := fmt.Sprintf("%-8s %s %s uses=%d age=%s idle=%s",
			rec.Status, rec.ID, rec.TenantID, rec.UsesRemaining,
			shortDuration(now.Sub(rec.CreatedAt)), shortDuration(now.Sub(rec.LastActivityAt)))
		if rec.CurrentTaskID != "" {
			line += " task=" + rec.CurrentTaskID
		}
		if rec.PendingDispose != "" {
			line += " pending=" + rec.PendingDispose
		}
		color := "white"
		if rec.Status == sessions.StatusInUse {
			color = "aqua"
		}
		if rec.Tainted {
			color = "red"
		}
		fmt.Fprintf(&b, "[%s]%s\n", color, tview.Escape(line))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func renderCooldowns(entries []cooldown.Entry, now time.Time) string {
	var active []cooldown.Entry
	for _, entry := range entries {
		if entry.Active(now) {
			active = append(active, entry)
		}
	}
	if len(active) == 0 {
		return "[green]no tenants cooling down"
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Until.Before(active[j].Until) })
	var b strings.Builder
	for _, entry := range active {
		line := fmt.Sprintf("%s %s for %s strikes=%d", entry.TenantID, entry.Reason, shortDuration(entry.Until.Sub(now)), entry.RateLimitStrikes)
		fmt.Fprintf(&b, "[red]%s\n", tview.Escape(line))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func renderTenant(status *service.TenantStatus, now time.Time) string {
	if status == nil {
		return ""
	}
	line := fmt.Sprintf("tenant=%s sessions=%d/%d in_use=%d idle=%d strikes=%d",
		status.TenantID, status.Sessions.Held, status.Sessions.Max, status.Sessions.InUse, status.Sessions.Idle, status.RateLimitStrikes)
	counts := make(map[string]int, len(status.Tasks))
	keys := make([]string, 0, len(status.Tasks))
	for key, count := range status.Tasks {
		counts[string(key)] = count
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += fmt.Sprintf(" %s=%d", strings.ToLower(key), counts[key])
	}
	if status.CoolingDown && status.CooldownUntil != nil {
		return fmt.Sprintf("[red]%s cooldown=%s (%s)", tview.Escape(line), shortDuration(status.CooldownUntil.Sub(now)), tview.Escape(status.CooldownReason))
	}
	return "[white]" + tview.Escape(line)
}

func shortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= time.Hour {
		return d.Truncate(time.Minute).String()
	}
	return d.Truncate(time.Second).String()
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
