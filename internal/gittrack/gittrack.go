// Package gittrack gathers objective evidence of session progress from
// the version-control CLI: commit counts, diff stats, last commit
// metadata. Every call carries a timeout and every failure is coerced to
// "no git data" rather than an error the pipeline has to handle.
package gittrack

import (
	"context"
	"strconv"
	"strings"
	"time"

	"orchd/internal/proc"
	"orchd/internal/state"
)

const gitTimeout = 5 * time.Second

// Head returns the current HEAD commit hash, or "" when the directory is
// not a repository.
func Head(ctx context.Context, dir string) string {
	res, err := proc.RunShell(ctx, []string{"git", "rev-parse", "HEAD"},
		proc.ShellOpts{Timeout: gitTimeout, Dir: dir})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// Progress enumerates commits and diff stats in dir since the given time.
// A directory without a repository yields NoGit=true.
func Progress(ctx context.Context, dir string, since time.Time) state.GitProgress {
	sinceArg := since.Format(time.RFC3339)

	res, err := proc.RunShell(ctx, []string{
		"git", "rev-list", "--count", "--since", sinceArg, "HEAD",
	}, proc.ShellOpts{Timeout: gitTimeout, Dir: dir})
	if err != nil {
		return state.GitProgress{NoGit: true}
	}
	count, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return state.GitProgress{NoGit: true}
	}

	p := state.GitProgress{CommitCount: count}
	if count == 0 {
		return p
	}

	// Diff stats across the window.
	res, err = proc.RunShell(ctx, []string{
		"git", "log", "--numstat", "--format=", "--since", sinceArg,
	}, proc.ShellOpts{Timeout: gitTimeout, Dir: dir})
	if err == nil {
		p.Insertions, p.Deletions, p.FilesChanged = parseNumstat(res.Stdout)
	}

	// Last commit metadata.
	res, err = proc.RunShell(ctx, []string{
		"git", "log", "--format=%H|%s|%aI", "-1",
	}, proc.ShellOpts{Timeout: gitTimeout, Dir: dir})
	if err == nil {
		parts := strings.SplitN(strings.TrimSpace(res.Stdout), "|", 3)
		if len(parts) == 3 {
			p.LastCommitHash = parts[0]
			p.LastCommitSubject = parts[1]
			if at, perr := time.Parse(time.RFC3339, parts[2]); perr == nil {
				p.LastCommitAt = at
			}
		}
	}

	return p
}

// parseNumstat sums insertion/deletion columns; binary files show "-"
// and contribute only to the file count.
func parseNumstat(out string) (ins, del, files int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		files++
		if n, err := strconv.Atoi(fields[0]); err == nil {
			ins += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			del += n
		}
	}
	return ins, del, files
}
