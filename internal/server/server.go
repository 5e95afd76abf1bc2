// Package server implements the HTTP control plane (SPEC_FULL.md §6): a loopback-only JSON
// API in front of the same config/task-source/executor/loop primitives the CLI front-end
// drives, so external tooling can integrate without shelling out.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/yarlson/ralphy/internal/config"
	"github.com/yarlson/ralphy/internal/taskstore"
)

// Version is the server's reported build version, overridden at link time by the CLI.
var Version = "dev"

// SingleRunFunc executes one single-task run and returns a JSON-serializable result.
type SingleRunFunc func(req SingleRunRequest) (any, error)

// PRDRunFunc executes one PRD run (sequential or parallel) and returns a JSON-serializable result.
type PRDRunFunc func(req PRDRunRequest) (any, error)

// SingleRunRequest is the body of POST /v1/run/single.
type SingleRunRequest struct {
	Task            string `json:"task"`
	Engine          string `json:"engine,omitempty"`
	SkipTests       bool   `json:"skipTests,omitempty"`
	SkipLint        bool   `json:"skipLint,omitempty"`
	AutoCommit      bool   `json:"autoCommit,omitempty"`
	DryRun          bool   `json:"dryRun,omitempty"`
	MaxRetries      int    `json:"maxRetries,omitempty"`
	RetryDelay      int    `json:"retryDelay,omitempty"`
	PromptMode      string `json:"promptMode,omitempty"`
	TaskSource      string `json:"taskSource,omitempty"`
	TaskSourcePath  string `json:"taskSourcePath,omitempty"`
	IssueBody       string `json:"issueBody,omitempty"`
}

// PRDRunRequest is the body of POST /v1/run/prd.
type PRDRunRequest struct {
	PRD           string `json:"prd,omitempty"`
	YAML          string `json:"yaml,omitempty"`
	GitHub        string `json:"github,omitempty"`
	GitHubLabel   string `json:"githubLabel,omitempty"`
	MaxIterations *int   `json:"maxIterations,omitempty"`
	MaxRetries    int    `json:"maxRetries,omitempty"`
	RetryDelay    int    `json:"retryDelay,omitempty"`
	BranchPerTask bool   `json:"branchPerTask,omitempty"`
	BaseBranch    string `json:"baseBranch,omitempty"`
	CreatePR      bool   `json:"createPr,omitempty"`
	DraftPR       bool   `json:"draftPr,omitempty"`
	SkipTests     bool   `json:"skipTests,omitempty"`
	SkipLint      bool   `json:"skipLint,omitempty"`
	AutoCommit    bool   `json:"autoCommit,omitempty"`
	Parallel      bool   `json:"parallel,omitempty"`
	MaxParallel   int    `json:"maxParallel,omitempty"`
	Engine        string `json:"engine,omitempty"`
}

// Deps wires the server's route handlers to the rest of the module.
type Deps struct {
	ConfigPath string
	ProjectDir string

	RunSingle SingleRunFunc
	RunPRD    PRDRunFunc
}

// New builds the chi router implementing every route §6's HTTP control plane lists.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://127.0.0.1:*", "http://localhost:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/v1/health", handleHealth)
	r.Get("/v1/version", handleVersion)
	r.Post("/v1/config/init", handleConfigInit(deps))
	r.Get("/v1/config", handleConfigGet(deps))
	r.Post("/v1/config/rules", handleConfigAddRule(deps))
	r.Get("/v1/tasks/next", handleTasksNext)
	r.Post("/v1/tasks/complete", handleTasksComplete)
	r.Post("/v1/run/single", handleRunSingle(deps))
	r.Post("/v1/run/prd", handleRunPRD(deps))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func handleConfigInit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cwd := deps.ProjectDir
		if cwd == "" {
			cwd = "."
		}
		project := config.Detect(cwd)
		cfg := config.Default()
		cfg.Project = project
		if err := config.Save(deps.ConfigPath, cfg); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

func handleConfigGet(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := config.Load(deps.ConfigPath)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

func handleConfigAddRule(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Rule string `json:"rule"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Rule == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or empty rule"})
			return
		}
		if err := config.AddRule(deps.ConfigPath, body.Rule); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"rule": body.Rule})
	}
}

func handleTasksNext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	adapter := taskstore.Select(taskstore.SelectOptions{
		PRDPath:     q.Get("prd"),
		YAMLPath:    q.Get("yaml"),
		GitHubRepo:  q.Get("github"),
		GitHubLabel: q.Get("githubLabel"),
	})
	task, err := adapter.Next()
	if err != nil {
		if err == taskstore.ErrEmpty {
			writeJSON(w, http.StatusOK, map[string]any{"empty": true})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func handleTasksComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task        string `json:"task"`
		PRD         string `json:"prd"`
		YAML        string `json:"yaml"`
		GitHub      string `json:"github"`
		GitHubLabel string `json:"githubLabel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing task"})
		return
	}
	adapter := taskstore.Select(taskstore.SelectOptions{
		PRDPath:     body.PRD,
		YAMLPath:    body.YAML,
		GitHubRepo:  body.GitHub,
		GitHubLabel: body.GitHubLabel,
	})
	result, err := adapter.Complete(body.Task)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleRunSingle(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.RunSingle == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "single-task run not configured"})
			return
		}
		var req SingleRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing task"})
			return
		}
		result, err := deps.RunSingle(req)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleRunPRD(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.RunPRD == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "PRD run not configured"})
			return
		}
		var req PRDRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		result, err := deps.RunPRD(req)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
