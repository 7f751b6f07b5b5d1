package plugins

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

// Placeholders expanded in each argument of the dependency command.
const (
	placeholderRequirements = "{requirements}"
	placeholderDir          = "{dir}"
)

var errInstallerClosed = errors.New("dependency installer is closed")

// DependencyInstaller runs the configured dependency command for plugin
// packages on a bounded pool of workers.
type DependencyInstaller struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger

	jobs      chan depJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type depJob struct {
	ctx      context.Context
	dir      string
	manifest *pluginsdk.Manifest
	result   chan error
}

// NewDependencyInstaller starts workers goroutines. An empty command makes
// Install a logged no-op.
func NewDependencyInstaller(command []string, workers int, timeout time.Duration, logger *slog.Logger) *DependencyInstaller {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &DependencyInstaller{
		command: append([]string(nil), command...),
		timeout: timeout,
		logger:  logger,
		jobs:    make(chan depJob),
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Install merges the manifest's dependencies into the package's
// requirements file and runs the command in dir. It blocks until a worker
// finishes the job or ctx ends.
func (d *DependencyInstaller) Install(ctx context.Context, dir string, manifest *pluginsdk.Manifest) error {
	job := depJob{ctx: ctx, dir: dir, manifest: manifest, result: make(chan error, 1)}
	select {
	case d.jobs <- job:
	case <-d.done:
		return errInstallerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after in-flight jobs finish.
func (d *DependencyInstaller) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *DependencyInstaller) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case job := <-d.jobs:
			job.result <- d.run(job.ctx, job.dir, job.manifest)
		}
	}
}

func (d *DependencyInstaller) run(ctx context.Context, dir string, manifest *pluginsdk.Manifest) error {
	reqPath, count, err := mergeRequirements(dir, manifest.Dependencies)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if len(d.command) == 0 {
		d.logger.Warn("plugin declares dependencies but no dependency command is configured",
			"plugin", manifest.Name, "count", count)
		return nil
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	args := make([]string, len(d.command))
	for i, arg := range d.command {
		arg = strings.ReplaceAll(arg, placeholderRequirements, reqPath)
		args[i] = strings.ReplaceAll(arg, placeholderDir, dir)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return fmt.Errorf("dependency command failed: %w: %s", err, truncate(strings.TrimSpace(string(output)), 2048))
	}
	d.logger.Info("plugin dependencies installed",
		"plugin", manifest.Name,
		"count", count,
		"duration", time.Since(start),
	)
	return nil
}

// mergeRequirements appends manifest dependencies missing from the package's
// requirements file. It returns the file path and the number of entries.
func mergeRequirements(dir string, deps []string) (string, int, error) {
	path := filepath.Join(dir, pluginsdk.RequirementsFilename)

	var lines []string
	seen := make(map[string]struct{})
	f, err := os.Open(path)
	switch {
	case err == nil:
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if _, dup := seen[line]; dup {
				continue
			}
			seen[line] = struct{}{}
			lines = append(lines, line)
		}
		scanErr := scanner.Err()
		_ = f.Close()
		if scanErr != nil {
			return "", 0, fmt.Errorf("read requirements: %w", scanErr)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return "", 0, fmt.Errorf("open requirements: %w", err)
	}

	added := false
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if _, dup := seen[dep]; dup || dep == "" {
			continue
		}
		seen[dep] = struct{}{}
		lines = append(lines, dep)
		added = true
	}
	if added {
		if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			return "", 0, fmt.Errorf("write requirements: %w", err)
		}
	}
	return path, len(lines), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
