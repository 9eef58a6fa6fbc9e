// Package doctor provides environment preflight checks for ttsworkerd,
// run before a Dispatcher is ever constructed: is the synthesizer
// executable reachable, is the cache directory usable, and is the
// configuration internally consistent.
package doctor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/example/ttsworkerd/internal/config"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is
// unavailable. The production path execs ExecutablePath with --version;
// tests inject a fake.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Target is the configuration whose executable/cache-dir/sanity is
	// checked.
	Target config.Config
	// ExecutableVersion returns the synthesizer's reported version. If
	// nil, Run execs Target.ExecutablePath with "--version" itself.
	ExecutableVersion VersionFunc
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to
// w. Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	runCheckConfigSanity(cfg.Target, w, &res)
	runCheckExecutable(cfg, w, &res)
	runCheckCacheDir(cfg.Target, w, &res)

	return res
}

func runCheckConfigSanity(target config.Config, w io.Writer, res *Result) {
	if err := target.Validate(); err != nil {
		res.fail(fmt.Sprintf("config: %v", err))
		fmt.Fprintf(w, "%s config: %v\n", FailMark, err)

		return
	}

	fmt.Fprintf(w, "%s config: min_workers=%d max_workers=%d algorithm=%s\n",
		PassMark, target.MinWorkers, target.MaxWorkers, target.LoadBalancer.Algorithm)
}

func runCheckExecutable(cfg Config, w io.Writer, res *Result) {
	versionFn := cfg.ExecutableVersion
	if versionFn == nil {
		versionFn = func() (string, error) { return execVersion(cfg.Target.ExecutablePath) }
	}

	ver, err := versionFn()
	if err != nil {
		res.fail(fmt.Sprintf("synthesizer executable %q: %v", cfg.Target.ExecutablePath, err))
		fmt.Fprintf(w, "%s synthesizer executable %s: not found (%v)\n", FailMark, cfg.Target.ExecutablePath, err)

		return
	}

	fmt.Fprintf(w, "%s synthesizer executable %s: %s\n", PassMark, cfg.Target.ExecutablePath, ver)
}

func execVersion(executablePath string) (string, error) {
	if executablePath == "" {
		return "", fmt.Errorf("executable_path is empty")
	}

	if _, err := exec.LookPath(executablePath); err != nil {
		return "", err
	}

	out, err := exec.Command(executablePath, "--version").Output() //nolint:gosec
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(out)), nil
}

func runCheckCacheDir(target config.Config, w io.Writer, res *Result) {
	if target.CacheDir == "" {
		fmt.Fprintf(w, "%s cache directory: skipped (none configured)\n", PassMark)
		return
	}

	info, err := os.Stat(target.CacheDir)
	if err != nil {
		res.fail(fmt.Sprintf("cache directory %q: %v", target.CacheDir, err))
		fmt.Fprintf(w, "%s cache directory %s: %v\n", FailMark, target.CacheDir, err)

		return
	}

	if !info.IsDir() {
		res.fail(fmt.Sprintf("cache directory %q: not a directory", target.CacheDir))
		fmt.Fprintf(w, "%s cache directory %s: not a directory\n", FailMark, target.CacheDir)

		return
	}

	probe := target.CacheDir + "/.ttsworkerd-doctor-probe"
	if err := os.WriteFile(probe, []byte{}, 0o644); err != nil { //nolint:gosec
		res.fail(fmt.Sprintf("cache directory %q: not writable: %v", target.CacheDir, err))
		fmt.Fprintf(w, "%s cache directory %s: not writable (%v)\n", FailMark, target.CacheDir, err)

		return
	}
	_ = os.Remove(probe)

	fmt.Fprintf(w, "%s cache directory: %s\n", PassMark, target.CacheDir)
}
