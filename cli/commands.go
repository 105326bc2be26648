// Command execution for CLI commands.
//
// Information Hiding:
// - Run dispatch and transcript bookkeeping hidden
// - Output formatting hidden

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/agent"
	"github.com/Synthenova/conthunt-sub001/quota"
	"github.com/Synthenova/conthunt-sub001/storage"
	"github.com/Synthenova/conthunt-sub001/telemetry"
)

// chatHistoryShown is how many transcript messages a resumed chat prints.
const chatHistoryShown = 6

// Research runs one request, streaming the reply to out.
func (a *App) Research(ctx context.Context, req agent.Request, out io.Writer, verbose bool) (agent.Result, error) {
	res, err := a.Runner.Run(ctx, req, func(chunk string) {
		fmt.Fprint(out, chunk)
	})
	fmt.Fprintln(out)

	switch {
	case res.Cancelled:
		fmt.Fprintln(out, "(cancelled, send the same message again to resume)")
	case res.Reply != "":
		if terr := a.Transcripts.Append(context.WithoutCancel(ctx), req.SessionID, storage.Turn(req.Message, res.Reply)...); terr != nil {
			a.logger.Warn("failed to save transcript", zap.String("session_id", req.SessionID), telemetry.Err(terr))
		}
	}
	if verbose {
		printRunSummary(out, res)
	}
	return res, err
}

// Chat reads messages from in until EOF or "exit", running each as a request.
func (a *App) Chat(ctx context.Context, base agent.Request, in io.Reader, out io.Writer, verbose bool) error {
	history, err := a.Transcripts.Load(ctx, base.SessionID, chatHistoryShown)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(history) > 0 {
		fmt.Fprintf(out, "Resuming session '%s'\n", base.SessionID)
		for _, m := range history {
			fmt.Fprintf(out, "  %s: %s\n", m.Role, telemetry.Preview(m.Content, 120))
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, `Type a request such as "find viral cooking hacks" or "justify top-10 of search 1 for strong hooks". Type 'exit' to quit.`)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		req := base
		req.Message = input
		fmt.Fprintln(out)
		_, err := a.Research(ctx, req, out, verbose)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			// The user already saw the stable message; the next turn may succeed.
			a.logger.Debug("turn failed",
				zap.String("session_id", req.SessionID),
				zap.Bool("halted", errors.Is(err, agent.ErrHalted)),
				telemetry.Err(err))
		}
		fmt.Fprintln(out)
	}
	return scanner.Err()
}

// ShowProgress prints the searches and criteria recorded for a session.
func (a *App) ShowProgress(ctx context.Context, session string, out io.Writer) error {
	p, err := a.Deps.Journal.Read(ctx, session)
	if err != nil {
		return err
	}
	if len(p.SearchOrder) == 0 {
		fmt.Fprintf(out, "Session %s has no searches yet.\n", session)
		return nil
	}

	fmt.Fprintf(out, "Session %s (updated %s)\n\nSearches:\n", session, p.LastUpdatedAt.Format("2006-01-02 15:04:05 UTC"))
	for _, n := range p.SearchOrder {
		e, _ := p.Search(n)
		fmt.Fprintf(out, "  %d. %q  %d videos\n", n, e.Query, e.ItemCount)
	}

	slugs := p.CriteriaSlugs()
	if len(slugs) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nCriteria:")
	for _, slug := range slugs {
		files, err := a.Deps.Writer.ListFiles(ctx, session, slug)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s  %d recorded in %d batches\n", slug, p.Criteria[slug].TotalAnalyzed, len(files))
		for _, n := range p.SearchOrder {
			if c := p.Recorded(slug, n); c > 0 {
				fmt.Fprintf(out, "    search %d: %d\n", n, c)
			}
		}
	}
	return nil
}

// ListSessions prints the sessions with a transcript, most recent first.
func (a *App) ListSessions(ctx context.Context, out io.Writer) error {
	ids, err := a.Transcripts.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "No sessions yet.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

// ClearTranscript forgets the chat history of a session. Searches, analyses
// and recorded batches stay in the session namespace.
func (a *App) ClearTranscript(ctx context.Context, session string, out io.Writer) error {
	ok, err := a.Transcripts.Exists(ctx, session)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s has no transcript", session)
	}
	if err := a.Transcripts.Delete(ctx, session); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", session, err)
	}
	fmt.Fprintf(out, "Cleared transcript of session %s\n", session)
	return nil
}

// ShowQuota prints today's usage and remaining credits for a user.
func (a *App) ShowQuota(ctx context.Context, user string, role quota.Role, out io.Writer) error {
	usage, err := a.Ledger.Usage(ctx, user)
	if err != nil {
		return err
	}
	remaining, err := a.Ledger.Remaining(ctx, user, role)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "User %s (%s) on %s: %d credits used\n", user, role, usage.Day, usage.Total)
	kinds := make([]string, 0, len(usage.ByKind))
	for kind := range usage.ByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(out, "  %s: %d\n", kind, usage.ByKind[kind])
	}
	if remaining < 0 {
		fmt.Fprintln(out, "Remaining: unmetered")
	} else {
		fmt.Fprintf(out, "Remaining: %d\n", remaining)
	}
	return nil
}

func printRunSummary(out io.Writer, res agent.Result) {
	fmt.Fprintln(out, "--- Run ---")
	fmt.Fprintf(out, "phase: %s, steps: %d", res.Phase, res.Steps)
	if res.SearchNumber > 0 {
		fmt.Fprintf(out, ", search: %d", res.SearchNumber)
	}
	if res.Recorded > 0 {
		fmt.Fprintf(out, ", recorded: %d", res.Recorded)
	}
	if res.Resumed {
		fmt.Fprint(out, ", resumed")
	}
	fmt.Fprintln(out)
	for _, k := range res.Notices {
		fmt.Fprintf(out, "notice: %s\n", k)
	}
	if res.Kind != "" {
		fmt.Fprintf(out, "stopped: %s\n", res.Kind)
	}
	fmt.Fprintln(out, "-----------")
}
