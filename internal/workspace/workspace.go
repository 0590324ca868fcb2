package workspace

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mpataki/cirun/internal/models"
)

// ProfilePattern is the LLVM_PROFILE_FILE naming scheme used by the
// coverage step; %p is the pid and %m the binary's mmap id.
const ProfilePattern = "profile-instrumentation-%p-%m.profraw"

var profileFile = regexp.MustCompile(`^profile-instrumentation-\d+-[0-9a-zA-Z_]+\.profraw$`)

// Workspace is one run's private directory: the checkout, step logs and
// the scratch files steps use to hand environment changes forward.
type Workspace struct {
	Path     string
	RepoPath string
}

type RunMetadata struct {
	RunID    int64        `json:"run_id"`
	Workflow string       `json:"workflow"`
	Event    models.Event `json:"event"`
	GroupKey string       `json:"group_key"`
	Revision string       `json:"revision"`
}

func Create(baseDir string, runID int64, sourceRepo, revision string) (*Workspace, error) {
	path := filepath.Join(baseDir, fmt.Sprintf("run-%d", runID))

	w := &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
	}

	// Create base workspace directory
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	// Create repo via git worktree if source repo provided
	if sourceRepo != "" {
		if err := w.createWorktree(sourceRepo, revision); err != nil {
			return nil, err
		}
	} else {
		// Fall back to empty directory
		if err := os.MkdirAll(w.RepoPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create repo directory: %w", err)
		}
	}

	for _, dir := range []string{w.LogsDir(), w.ScratchDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return w, nil
}

func (w *Workspace) createWorktree(sourceRepo, revision string) error {
	// Resolve to absolute path
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	// Verify it's a git repo
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = absRepo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	if revision == "" {
		revision = "HEAD"
	}
	cmd = exec.Command("git", "rev-parse", "--verify", revision+"^{commit}")
	cmd.Dir = absRepo
	shaOut, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("failed to resolve revision %s: %w", revision, err)
	}
	sha := strings.TrimSpace(string(shaOut))

	// Create detached worktree at the resolved commit
	cmd = exec.Command("git", "worktree", "add", "--detach", w.RepoPath, sha)
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create worktree: %s", string(output))
	}

	return nil
}

func Open(baseDir string, runID int64) (*Workspace, error) {
	path := filepath.Join(baseDir, fmt.Sprintf("run-%d", runID))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %d does not exist", runID)
	}

	return &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
	}, nil
}

func (w *Workspace) LogsDir() string    { return filepath.Join(w.Path, "logs") }
func (w *Workspace) ScratchDir() string { return filepath.Join(w.Path, "scratch") }

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// LogPath is where the output of step seq is written.
func (w *Workspace) LogPath(seq int, stepName string) string {
	name := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(stepName), "-"), "-")
	return filepath.Join(w.LogsDir(), fmt.Sprintf("%02d-%s.log", seq, name))
}

// Revision returns the commit checked out in the repo, or "" when the
// checkout is not a git worktree.
func (w *Workspace) Revision() string {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = w.RepoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	path := filepath.Join(w.Path, "run.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}

// CleanProfiles removes raw coverage profiles left in the checkout and
// returns how many were deleted.
func (w *Workspace) CleanProfiles() (int, error) {
	removed := 0
	err := filepath.WalkDir(w.RepoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "target" {
				return filepath.SkipDir
			}
			return nil
		}
		if profileFile.MatchString(d.Name()) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Remove deletes the workspace, detaching its git worktree from the
// source repository first.
func (w *Workspace) Remove() error {
	// Find the source repo from the worktree's .git file
	if sourceRepo := findSourceRepo(w.RepoPath); sourceRepo != "" {
		cmd := exec.Command("git", "worktree", "remove", "--force", w.RepoPath)
		cmd.Dir = sourceRepo
		cmd.CombinedOutput() // Ignore errors

		cmd = exec.Command("git", "worktree", "prune")
		cmd.Dir = sourceRepo
		cmd.CombinedOutput()
	}

	return os.RemoveAll(w.Path)
}

// findSourceRepo extracts the main repo path from a worktree's .git file
func findSourceRepo(worktreePath string) string {
	gitFile := filepath.Join(worktreePath, ".git")
	data, err := os.ReadFile(gitFile)
	if err != nil {
		return ""
	}

	// .git file contains: "gitdir: /path/to/main/.git/worktrees/run-N"
	content := string(data)
	if !strings.HasPrefix(content, "gitdir: ") {
		return ""
	}

	gitDir := strings.TrimSpace(content[8:])
	// gitDir looks like: /path/to/repo/.git/worktrees/run-N
	idx := strings.LastIndex(gitDir, "/.git/")
	if idx == -1 {
		return ""
	}
	return gitDir[:idx]
}

// CurrentBranch returns the branch checked out in repo, or "" when HEAD
// is detached or repo is not a git repository.
func CurrentBranch(repo string) string {
	cmd := exec.Command("git", "symbolic-ref", "--quiet", "--short", "HEAD")
	cmd.Dir = repo
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
