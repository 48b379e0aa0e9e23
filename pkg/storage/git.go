package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ExecGit reads repository history by shelling out to the git binary with
// the workspace root as working directory. Only read-only subcommands are
// ever invoked.
type ExecGit struct {
	root string
}

// NewExecGit builds a git reader for the workspace root.
func NewExecGit(root string) *ExecGit {
	return &ExecGit{root: root}
}

// Available reports whether the root is inside a git work tree and the git
// binary can be found.
func (g *ExecGit) Available(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = g.root
	return cmd.Run() == nil
}

func (g *ExecGit) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("git %s: %s", args[0], msg)
	}
	return out, nil
}

// Log returns the most recent commits touching path, or repository-wide
// history when path is empty.
func (g *ExecGit) Log(ctx context.Context, path string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []string{"log", fmt.Sprintf("-n%d", limit), "--pretty=format:%H|%an|%ct|%s"}
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var commits []Commit
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "|", 4)
		if len(parts) < 4 {
			continue
		}
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		commits = append(commits, Commit{
			Hash:    parts[0],
			Author:  parts[1],
			When:    time.Unix(ts, 0).UTC(),
			Subject: parts[3],
		})
	}
	return commits, nil
}

// Blame attributes the line range of a file using porcelain output.
func (g *ExecGit) Blame(ctx context.Context, path string, startLine, endLine int) ([]BlameLine, error) {
	if path == "" {
		return nil, fmt.Errorf("blame requires a path")
	}
	args := []string{"blame", "--line-porcelain"}
	if startLine > 0 {
		if endLine < startLine {
			endLine = startLine
		}
		args = append(args, "-L", fmt.Sprintf("%d,%d", startLine, endLine))
	}
	args = append(args, "--", path)
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseBlamePorcelain(out), nil
}

// parseBlamePorcelain walks the --line-porcelain format: a header line
// "<hash> <orig> <final> [n]", attribute lines, then the content line
// prefixed with a tab.
func parseBlamePorcelain(out []byte) []BlameLine {
	var lines []BlameLine
	var cur BlameLine

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "\t"):
			cur.Text = strings.TrimPrefix(line, "\t")
			lines = append(lines, cur)
			cur = BlameLine{Hash: cur.Hash, Author: cur.Author, When: cur.When}
		case strings.HasPrefix(line, "author "):
			cur.Author = strings.TrimPrefix(line, "author ")
		case strings.HasPrefix(line, "author-time "):
			if ts, err := strconv.ParseInt(strings.TrimPrefix(line, "author-time "), 10, 64); err == nil {
				cur.When = time.Unix(ts, 0).UTC()
			}
		default:
			fields := strings.Fields(line)
			if len(fields) >= 3 && len(fields[0]) == 40 {
				cur.Hash = fields[0]
				if n, err := strconv.Atoi(fields[2]); err == nil {
					cur.Line = n
				}
			}
		}
	}
	return lines
}

// Diff returns the textual diff between two refs, optionally narrowed to a
// path. An empty base diffs the working tree against HEAD.
func (g *ExecGit) Diff(ctx context.Context, base, head, path string) (string, error) {
	args := []string{"diff"}
	switch {
	case base != "" && head != "":
		args = append(args, base, head)
	case base != "":
		args = append(args, base)
	}
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Status lists changed files in porcelain form.
func (g *ExecGit) Status(ctx context.Context) ([]FileChange, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var changes []FileChange
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		changes = append(changes, FileChange{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}
	return changes, nil
}
