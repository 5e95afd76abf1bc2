package taskstore

// SelectOptions carries the precedence-ordered source configuration §4.1 describes:
// github wins over yaml, which wins over Markdown (default path "PRD.md").
type SelectOptions struct {
	PRDPath     string
	YAMLPath    string
	GitHubRepo  string
	GitHubLabel string
	Runner      CommandRunner
}

const DefaultMarkdownPath = "PRD.md"

// Select returns the adapter implied by opts, applying the github > yaml > markdown
// precedence rule.
func Select(opts SelectOptions) Adapter {
	if opts.GitHubRepo != "" {
		return NewGitHubAdapter(opts.GitHubRepo, opts.GitHubLabel, opts.Runner)
	}
	if opts.YAMLPath != "" {
		return NewYAMLAdapter(opts.YAMLPath)
	}
	path := opts.PRDPath
	if path == "" {
		path = DefaultMarkdownPath
	}
	return NewMarkdownAdapter(path)
}
