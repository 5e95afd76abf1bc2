package taskstore

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// CommandRunner abstracts the external `gh` invocation so adapters are testable without
// forking a real process — the seam SPEC_FULL.md's "Dependency injection for tests" note
// calls for.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

// issueListing is the subset of `gh issue list --json ...` this adapter consumes.
type issueListing struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// GitHubAdapter implements Adapter over a remote issue tracker via an external `gh`-like
// command runner. GitHub tasks are ungroupable (Group is always "").
type GitHubAdapter struct {
	Repo    string
	Label   string
	Runner  CommandRunner
}

func NewGitHubAdapter(repo, label string, runner CommandRunner) *GitHubAdapter {
	return &GitHubAdapter{Repo: repo, Label: label, Runner: runner}
}

func (a *GitHubAdapter) Source() Source { return SourceGitHub }

func (a *GitHubAdapter) listArgs(state string) []string {
	args := []string{"issue", "list", "--repo", a.Repo, "--state", state, "--json", "number,title,url,state"}
	if a.Label != "" {
		args = append(args, "--label", a.Label)
	}
	return args
}

func (a *GitHubAdapter) list(ctx context.Context, state string) ([]issueListing, error) {
	out, err := a.Runner.Run(ctx, "gh", a.listArgs(state)...)
	if err != nil {
		return nil, &SourceError{Source: SourceGitHub, Op: "list", Err: err}
	}
	var issues []issueListing
	if strings.TrimSpace(out) == "" {
		return issues, nil
	}
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, &SourceError{Source: SourceGitHub, Op: "decode", Err: err}
	}
	return issues, nil
}

func (a *GitHubAdapter) ParseAll() ([]Task, error) {
	ctx := context.Background()
	open, err := a.list(ctx, "open")
	if err != nil {
		return nil, err
	}
	closed, err := a.list(ctx, "closed")
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(open)+len(closed))
	for _, iss := range open {
		tasks = append(tasks, a.toTask(iss, false, len(tasks)))
	}
	for _, iss := range closed {
		tasks = append(tasks, a.toTask(iss, true, len(tasks)))
	}
	return tasks, nil
}

func (a *GitHubAdapter) toTask(iss issueListing, completed bool, index int) Task {
	return Task{
		Source:    SourceGitHub,
		Text:      strings.TrimSpace(iss.Title),
		URL:       iss.URL,
		Number:    iss.Number,
		Completed: completed,
		Index:     index,
	}
}

// Next returns the first open issue, parsed directly from `gh issue list --state open`
// without a full ParseAll pass (issue trackers are not scanned for already-closed items).
func (a *GitHubAdapter) Next() (Task, error) {
	ctx := context.Background()
	open, err := a.list(ctx, "open")
	if err != nil {
		return Task{}, err
	}
	if len(open) == 0 {
		return Task{}, ErrEmpty
	}
	return a.toTask(open[0], false, 0), nil
}

// Complete re-lists with state=all, exact-matches the trimmed title, views the issue for
// its current state, and closes it if still open.
func (a *GitHubAdapter) Complete(title string) (CompleteResult, error) {
	ctx := context.Background()
	target := strings.TrimSpace(title)

	all, err := a.list(ctx, "all")
	if err != nil {
		return CompleteResult{}, err
	}

	var match *issueListing
	for i := range all {
		if strings.TrimSpace(all[i].Title) == target {
			match = &all[i]
			break
		}
	}
	if match == nil {
		return CompleteResult{Status: StatusNotFound, Source: SourceGitHub}, nil
	}

	state, err := a.viewState(ctx, match.Number)
	if err != nil {
		return CompleteResult{}, err
	}
	if strings.EqualFold(state, "closed") {
		return CompleteResult{Status: StatusAlreadyComplete, Source: SourceGitHub}, nil
	}

	args := []string{"issue", "close", "--repo", a.Repo, strconv.Itoa(match.Number)}
	if _, err := a.Runner.Run(ctx, "gh", args...); err != nil {
		return CompleteResult{}, &SourceError{Source: SourceGitHub, Op: "close", Err: err}
	}
	return CompleteResult{Status: StatusUpdated, Source: SourceGitHub}, nil
}

func (a *GitHubAdapter) viewState(ctx context.Context, number int) (string, error) {
	out, err := a.Runner.Run(ctx, "gh", "issue", "view", "--repo", a.Repo, strconv.Itoa(number), "--json", "state")
	if err != nil {
		return "", &SourceError{Source: SourceGitHub, Op: "view", Err: err}
	}
	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return "", &SourceError{Source: SourceGitHub, Op: "decode", Err: err}
	}
	return parsed.State, nil
}

