package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/jobbroker/config"
	"github.com/netresearch/jobbroker/core"
	"github.com/netresearch/jobbroker/core/domain"
)

// doctorProbeJobID is a sentinel job id used only for doctor's synthetic
// filesystem smoke test; real jobs are allocated starting at 1 by every
// JobStore implementation, so a negative id never collides with one.
const doctorProbeJobID int64 = -1

// DoctorCommand runs the deep reachability checks web/health.go deliberately
// defers: can every configured destination's scheduler and filesystem
// actually be reached, not just "is one configured". Grounded on the
// teacher's DoctorCommand (category-grouped CheckResult/DoctorReport,
// --json flag, human output with per-category emoji), generalized from
// Docker/cron checks to scheduler/filesystem/application checks.
type DoctorCommand struct {
	ConfigFile string `long:"config" env:"JOBBROKER_CONFIG" description:"configuration file" default:"/etc/jobbroker/config.yaml"`
	LogLevel   string `long:"log-level" env:"JOBBROKER_LOG_LEVEL" description:"Set log level"`
	JSON       bool   `long:"json" description:"Output results as JSON"`
	Logger     *slog.Logger
	LevelVar   *slog.LevelVar
}

const (
	statusPass = "pass"
	statusFail = "fail"
	statusSkip = "skip"
)

// CheckResult is a single named diagnostic outcome.
type CheckResult struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// DoctorReport is the full set of checks doctor ran, in category order.
type DoctorReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []CheckResult `json:"checks"`
}

func (r *DoctorReport) add(c CheckResult) {
	if c.Status == statusFail {
		r.Healthy = false
	}
	r.Checks = append(r.Checks, c)
}

// Execute runs every check and reports the combined result.
func (c *DoctorCommand) Execute(_ []string) error {
	if err := ApplyLogLevel(c.LogLevel, c.LevelVar); err != nil {
		c.Logger.Warn(fmt.Sprintf("failed to apply log level (using default): %v", err))
	}

	report := &DoctorReport{Healthy: true}

	var progress *ProgressReporter
	if !c.JSON {
		progress = NewProgressReporter(&core.LogrusAdapter{Logger: logrus.New()}, 3)
	}

	progress.step(1, "Checking configuration")
	cfg := c.checkConfiguration(report)
	if cfg != nil {
		progress.step(2, "Checking applications")
		c.checkApplications(cfg, report)
		progress.step(3, "Checking destinations")
		c.checkDestinations(cfg, report)
	}
	progress.complete(report)

	if c.JSON {
		return c.outputJSON(report)
	}
	return c.outputHuman(report)
}

// step/complete are no-ops on a nil *ProgressReporter, so Execute doesn't
// need to branch on c.JSON at every call site.
func (p *ProgressReporter) step(stepNum int, message string) {
	if p == nil {
		return
	}
	p.Step(stepNum, message)
}

func (p *ProgressReporter) complete(report *DoctorReport) {
	if p == nil {
		return
	}
	if report.Healthy {
		p.Complete("all checks passed")
	} else {
		p.Complete("issues found, see report below")
	}
}

func (c *DoctorCommand) checkConfiguration(report *DoctorReport) *config.Config {
	if _, err := os.Stat(c.ConfigFile); err != nil {
		report.add(CheckResult{Category: "Configuration", Name: "File Exists", Status: statusFail, Message: err.Error()})
		return nil
	}

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		report.add(CheckResult{Category: "Configuration", Name: "Valid Syntax", Status: statusFail, Message: err.Error()})
		return nil
	}
	report.add(CheckResult{Category: "Configuration", Name: "Valid Syntax", Status: statusPass, Message: c.ConfigFile})
	report.add(CheckResult{
		Category: "Configuration",
		Name:     "Applications Defined",
		Status:   statusPass,
		Message:  fmt.Sprintf("%d application(s), %d interactive", len(cfg.ApplicationConfigs), len(cfg.InteractiveApplications)),
	})
	return cfg
}

func (c *DoctorCommand) checkApplications(cfg *config.Config, report *DoctorReport) {
	if _, err := core.NewApplicationRegistry(cfg.Applications(), cfg.InteractiveApps()); err != nil {
		report.add(CheckResult{Category: "Applications", Name: "Templates & Schemas", Status: statusFail, Message: err.Error()})
		return
	}
	report.add(CheckResult{Category: "Applications", Name: "Templates & Schemas", Status: statusPass})
}

// checkDestinations constructs every configured destination, then probes
// each scheduler and filesystem for actual reachability — the check
// web/health.go skips on every liveness poll to avoid hammering live
// schedulers just to answer "are you up".
func (c *DoctorCommand) checkDestinations(cfg *config.Config, report *DoctorReport) {
	dests, err := cfg.BuildDestinations(&core.LogrusAdapter{Logger: logrus.New()})
	if err != nil {
		report.add(CheckResult{Category: "Destinations", Name: "Construction", Status: statusFail, Message: err.Error()})
		return
	}
	defer func() { _ = dests.Close() }()

	for _, name := range dests.Names() {
		dest, _ := dests.Get(name)
		c.probeScheduler(name, dest, report)
		c.probeFilesystem(name, dest, report)
	}
}

// probeScheduler asks the scheduler for the state of a job id that cannot
// exist. A connection-level failure ("dial") means the destination is
// unreachable; any other error (e.g. "no record for job") means the
// scheduler answered, so the destination itself is up.
func (c *DoctorCommand) probeScheduler(name string, dest *core.Destination, report *DoctorReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := dest.Scheduler.State(ctx, "jobbroker-doctor-probe")
	if err != nil && strings.Contains(err.Error(), "dial") {
		report.add(CheckResult{Category: "Destinations", Name: name + ": scheduler reachable", Status: statusFail, Message: err.Error()})
		return
	}
	report.add(CheckResult{Category: "Destinations", Name: name + ": scheduler reachable", Status: statusPass})
}

// probeFilesystem uploads an empty scratch directory under a sentinel job
// id and tears it down immediately — a real, if minimal, round trip rather
// than a construction-only check.
func (c *DoctorCommand) probeFilesystem(name string, dest *core.Destination, report *DoctorReport) {
	dir, err := os.MkdirTemp("", "jobbroker-doctor-*")
	if err != nil {
		report.add(CheckResult{Category: "Destinations", Name: name + ": filesystem reachable", Status: statusSkip, Message: err.Error()})
		return
	}
	defer func() { _ = os.RemoveAll(dir) }()

	probe := domain.Job{ID: doctorProbeJobID, Name: "doctor-probe", Destination: name}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := dest.Filesystem.Upload(ctx, dir, probe)
	if err != nil {
		report.add(CheckResult{Category: "Destinations", Name: name + ": filesystem reachable", Status: statusFail, Message: err.Error()})
		return
	}
	_ = dest.Filesystem.Teardown(ctx, handle, probe)
	report.add(CheckResult{Category: "Destinations", Name: name + ": filesystem reachable", Status: statusPass})
}

func (c *DoctorCommand) outputJSON(report *DoctorReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, string(data))
	if !report.Healthy {
		return fmt.Errorf("health check failed")
	}
	return nil
}

var categoryIcons = map[string]string{
	"Configuration": "📋",
	"Applications":  "🧩",
	"Destinations":  "🛰️",
}

var categoryOrder = []string{"Configuration", "Applications", "Destinations"}

func (c *DoctorCommand) outputHuman(report *DoctorReport) error {
	fmt.Fprintln(os.Stdout, "Job broker health check")

	byCategory := make(map[string][]CheckResult)
	for _, check := range report.Checks {
		byCategory[check.Category] = append(byCategory[check.Category], check)
	}

	failCount, skipCount := 0, 0
	for _, category := range categoryOrder {
		checks, ok := byCategory[category]
		if !ok {
			continue
		}
		fmt.Fprintf(os.Stdout, "%s %s\n", categoryIcons[category], category)
		for _, check := range checks {
			icon := statusIcon(check.Status)
			if check.Status == statusFail {
				failCount++
			} else if check.Status == statusSkip {
				skipCount++
			}
			if check.Message != "" {
				fmt.Fprintf(os.Stdout, "  %s %s: %s\n", icon, check.Name, check.Message)
			} else {
				fmt.Fprintf(os.Stdout, "  %s %s\n", icon, check.Name)
			}
		}
	}

	if report.Healthy {
		fmt.Fprintln(os.Stdout, "Summary: all checks passed")
		if skipCount > 0 {
			fmt.Fprintf(os.Stdout, "  (%d check(s) skipped)\n", skipCount)
		}
		return nil
	}
	fmt.Fprintf(os.Stdout, "Summary: %d issue(s) found\n", failCount)
	return fmt.Errorf("health check failed")
}

func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "OK"
	case statusFail:
		return "FAIL"
	default:
		return "SKIP"
	}
}
