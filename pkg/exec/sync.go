package exec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SyncResult describes how a working copy compared to its remote.
type SyncResult struct {
	Exists bool
	Ahead  int
	Behind int
	Pulled bool
	Output string // git pull output when Pulled
	Err    error
}

// Sync refreshes the working copy of repo: it updates remotes, counts commits
// against origin/<branch> and pulls when behind. The repository lock is held
// throughout. A missing working copy is not an error.
func (w *Workspace) Sync(ctx context.Context, repo, branch string) SyncResult {
	if !w.RepoExists(repo) {
		return SyncResult{}
	}
	result := SyncResult{Exists: true}

	unlock, err := w.Lock(ctx, repo)
	if err != nil {
		result.Err = err
		return result
	}
	defer unlock()

	if out := w.execute(ctx, "git remote update", repo); !out.OK {
		result.Err = fmt.Errorf("git remote update: %s", strings.TrimSpace(strings.TrimPrefix(out.Output, FailurePrefix)))
		return result
	}

	out := w.execute(ctx, fmt.Sprintf("git rev-list --left-right --count HEAD...origin/%s", branch), repo)
	if !out.OK {
		result.Err = fmt.Errorf("git rev-list: %s", strings.TrimSpace(strings.TrimPrefix(out.Output, FailurePrefix)))
		return result
	}
	result.Ahead, result.Behind, err = parseLeftRight(out.Output)
	if err != nil {
		result.Err = err
		return result
	}

	if result.Behind > 0 {
		pull := w.execute(ctx, "git pull origin "+branch, repo)
		result.Output = pull.Output
		if !pull.OK {
			result.Err = fmt.Errorf("git pull: %s", strings.TrimSpace(strings.TrimPrefix(pull.Output, FailurePrefix)))
			return result
		}
		result.Pulled = true
	}
	w.logger.Info("synced %s: ahead=%d behind=%d pulled=%t", repo, result.Ahead, result.Behind, result.Pulled)
	return result
}

// parseLeftRight reads "<ahead>\t<behind>" as printed by rev-list --left-right --count.
func parseLeftRight(s string) (ahead, behind int, err error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", s)
	}
	if ahead, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q: %w", s, err)
	}
	if behind, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q: %w", s, err)
	}
	return ahead, behind, nil
}
