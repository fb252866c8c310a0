// Package doctor provides a framework for environment health checks.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kristinday/ace/internal/style"
)

// ErrCannotFix is returned by Fix on checks without auto-fix support.
var ErrCannotFix = errors.New("check cannot be auto-fixed")

// CheckStatus represents the result status of a health check.
type CheckStatus int

const (
	// StatusOK indicates the check passed.
	StatusOK CheckStatus = iota
	// StatusWarning indicates a non-critical issue.
	StatusWarning
	// StatusError indicates a critical problem.
	StatusError
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// CheckContext provides context for running checks.
type CheckContext struct {
	Root    string // workspace root directory
	Verbose bool
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Details []string
}

// Check is a single health check.
type Check interface {
	Name() string
	Description() string
	Run(ctx *CheckContext) *CheckResult

	// CanFix reports whether the check supports auto-fix.
	CanFix() bool
	// Fix attempts to repair the problem; only called when CanFix.
	Fix(ctx *CheckContext) error
}

// BaseCheck provides defaults for checks without auto-fix. Embed it and
// implement Run.
type BaseCheck struct {
	CheckName        string
	CheckDescription string
}

func (b *BaseCheck) Name() string               { return b.CheckName }
func (b *BaseCheck) Description() string        { return b.CheckDescription }
func (b *BaseCheck) CanFix() bool               { return false }
func (b *BaseCheck) Fix(ctx *CheckContext) error { return ErrCannotFix }

// Doctor manages and executes health checks.
type Doctor struct {
	checks []Check
}

func NewDoctor() *Doctor {
	return &Doctor{}
}

func (d *Doctor) Register(checks ...Check) {
	d.checks = append(d.checks, checks...)
}

// Run executes all registered checks. fix enables auto-fix for failed
// checks that support it; fixed checks are re-run to verify.
func (d *Doctor) Run(ctx *CheckContext, fix bool) *Report {
	report := NewReport()
	for _, check := range d.checks {
		result := check.Run(ctx)
		if result.Name == "" {
			result.Name = check.Name()
		}

		if fix && result.Status != StatusOK && check.CanFix() {
			if err := check.Fix(ctx); err != nil {
				result.Details = append(result.Details, "Fix failed: "+err.Error())
			} else {
				result = check.Run(ctx)
				if result.Name == "" {
					result.Name = check.Name()
				}
				if result.Status == StatusOK {
					result.Message += " (fixed)"
				}
			}
		}
		report.Add(result)
	}
	return report
}

// ReportSummary counts results by status.
type ReportSummary struct {
	Total    int
	OK       int
	Warnings int
	Errors   int
}

// Report contains all check results and a summary.
type Report struct {
	Timestamp time.Time
	Checks    []*CheckResult
	Summary   ReportSummary
}

func NewReport() *Report {
	return &Report{Timestamp: time.Now()}
}

func (r *Report) Add(result *CheckResult) {
	r.Checks = append(r.Checks, result)
	r.Summary.Total++
	switch result.Status {
	case StatusOK:
		r.Summary.OK++
	case StatusWarning:
		r.Summary.Warnings++
	case StatusError:
		r.Summary.Errors++
	}
}

func (r *Report) HasErrors() bool { return r.Summary.Errors > 0 }

// Print outputs the report to w. Verbose includes details for passing
// checks too.
func (r *Report) Print(w io.Writer, verbose bool) {
	for _, c := range r.Checks {
		var mark string
		switch c.Status {
		case StatusOK:
			mark = style.Render(style.Success, "ok")
		case StatusWarning:
			mark = style.Render(style.Warn, "warn")
		default:
			mark = style.Render(style.Error, "FAIL")
		}
		fmt.Fprintf(w, "%-5s %s: %s\n", mark, c.Name, c.Message)
		if verbose || c.Status != StatusOK {
			for _, d := range c.Details {
				fmt.Fprintf(w, "      %s\n", style.Render(style.Dim, d))
			}
		}
	}
	fmt.Fprintf(w, "\n%d checks: %d ok, %d warnings, %d errors\n",
		r.Summary.Total, r.Summary.OK, r.Summary.Warnings, r.Summary.Errors)
}
