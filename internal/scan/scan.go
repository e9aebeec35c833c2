// Package scan provides malware scanning of downloaded update packages
// using ClamAV in Docker containers.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors
var (
	ErrDockerUnavailable = errors.New("docker command not available")
	ErrThreatsFound      = errors.New("malware detected in package")
	ErrNoThreatsInOutput = errors.New("malware detected but no threats found in output")
)

// DefaultImage is the ClamAV container image used when none is configured.
const DefaultImage = "clamav/clamav:stable"

// CommandRunner executes external commands.
// This interface enables testing without actual command execution.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual system commands.
type RealCommandRunner struct{}

// Run executes a command and returns combined stdout/stderr output.
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Result represents the outcome of a package scan.
type Result struct {
	Clean    bool
	Threats  []string
	Metadata Metadata
}

// Metadata contains information about the scan environment.
type Metadata struct {
	EngineVersion string
	DatabaseDate  string
	ScanDuration  time.Duration
}

// Scanner scans downloaded package archives before they are extracted.
type Scanner struct {
	runner CommandRunner
	image  string
	log    *slog.Logger
}

// NewScanner creates a scanner that runs clamscan in a Docker container.
func NewScanner(runner CommandRunner, image string, log *slog.Logger) *Scanner {
	if runner == nil {
		runner = &RealCommandRunner{}
	}
	if image == "" {
		image = DefaultImage
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{runner: runner, image: image, log: log}
}

// ScanFile scans a downloaded archive and returns an error when the
// file is not clean. Satisfies the installer's pre-extraction hook.
func (s *Scanner) ScanFile(ctx context.Context, path string) error {
	result, err := s.Scan(ctx, path)
	if err != nil {
		return err
	}
	if !result.Clean {
		return fmt.Errorf("%w: %s", ErrThreatsFound, strings.Join(result.Threats, ", "))
	}
	return nil
}

// Scan scans a file for malware and reports threats and scan metadata.
func (s *Scanner) Scan(ctx context.Context, path string) (Result, error) {
	start := time.Now()

	if !s.dockerAvailable() {
		return Result{}, ErrDockerUnavailable
	}
	if err := s.ensureImage(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to ensure image: %w", err)
	}

	version, err := s.engineVersion(ctx)
	if err != nil {
		s.log.Warn("failed to get ClamAV version", "error", err)
		version = "unknown"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get absolute path: %w", err)
	}

	output, err := s.runner.Run(ctx, "docker", clamscanArgs(s.image, absPath, "/scan")...)

	exitCode := 0
	if err != nil {
		exitCode = extractExitCode(err)
		if exitCode < 0 {
			return Result{}, fmt.Errorf("failed to run clamscan: %w", err)
		}
	}

	result, err := parseResult(output, exitCode, version)
	if err != nil {
		return Result{}, err
	}
	result.Metadata.ScanDuration = time.Since(start)

	if !result.Clean {
		s.log.Warn("malware detected in package",
			"path", path, "threats", result.Threats)
	}
	return result, nil
}

func (s *Scanner) engineVersion(ctx context.Context) (string, error) {
	output, err := s.runner.Run(ctx, "docker", "run", "--rm", s.image, "clamscan", "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

func (s *Scanner) dockerAvailable() bool {
	_, err := s.runner.Run(context.Background(), "docker", "--version")
	return err == nil
}

// ensureImage pulls the ClamAV image when it is not present locally.
func (s *Scanner) ensureImage(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "docker", "image", "inspect", s.image); err == nil {
		return nil
	}
	if _, err := s.runner.Run(ctx, "docker", "pull", s.image); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", s.image, err)
	}
	return nil
}

// clamscanArgs constructs arguments for the docker run command. The
// archive is mounted read-only.
func clamscanArgs(image, hostPath, containerPath string) []string {
	return []string{
		"run",
		"--rm",
		"-v", fmt.Sprintf("%s:%s:ro", hostPath, containerPath),
		image,
		"clamscan",
		"--stdout",
		containerPath,
	}
}

// extractExitCode attempts to extract an exit code from an error.
// Returns -1 if the error is not an exit error.
func extractExitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}

	type exitCoder interface {
		ExitCode() int
	}
	if exitErr, ok := err.(exitCoder); ok {
		return exitErr.ExitCode()
	}

	return -1
}

// parseResult extracts scan results from clamscan output.
// Exit code 0 = clean, 1 = infected, 2+ = error.
func parseResult(output []byte, exitCode int, version string) (Result, error) {
	result := Result{
		Clean: exitCode == 0,
		Metadata: Metadata{
			EngineVersion: version,
			DatabaseDate:  extractDatabaseDate(version),
		},
	}

	if !result.Clean {
		result.Threats = extractThreats(string(output))
		if len(result.Threats) == 0 && exitCode == 1 {
			return result, ErrNoThreatsInOutput
		}
	}
	return result, nil
}

// extractThreats finds all "FOUND" lines and extracts threat names.
// Line format: "/scan/file: Threat-Name FOUND"
func extractThreats(output string) []string {
	var threats []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, " FOUND") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) >= 2 {
			threat := strings.TrimSuffix(strings.TrimSpace(parts[1]), " FOUND")
			threats = append(threats, strings.TrimSpace(threat))
		}
	}
	return threats
}

// extractDatabaseDate parses the virus database date from a version
// string such as "ClamAV 1.5.1/27805/Mon Oct 27 09:50:30 2025".
func extractDatabaseDate(version string) string {
	re := regexp.MustCompile(`ClamAV \d+\.\d+\.\d+/\d+/([A-Za-z]{3} [A-Za-z]{3}\s+\d+\s+\d+:\d+:\d+ \d{4})`)
	matches := re.FindStringSubmatch(version)
	if len(matches) >= 2 {
		return matches[1]
	}
	return "unknown"
}
