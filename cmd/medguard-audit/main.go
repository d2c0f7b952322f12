// Command medguard-audit inspects and archives the medguard audit log.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hengadev/medguard"
	"github.com/hengadev/medguard/audit"
	s3archive "github.com/hengadev/medguard/providers/archive/s3"
)

func main() {
	a := &app{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		newSink: newS3Sink,
	}
	os.Exit(a.run(context.Background(), os.Args[1:]))
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	// newSink builds the archive export writes to.
	newSink func(ctx context.Context, cfg medguard.ArchiveConfig) (audit.Sink, error)
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		a.printUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "verify":
		err = a.verifyCommand(ctx, args[1:])
	case "report":
		err = a.reportCommand(ctx, args[1:])
	case "export":
		err = a.exportCommand(ctx, args[1:])
	case "validate-config":
		err = a.validateCommand(args[1:])
	case "version":
		fmt.Fprintln(a.stdout, medguard.VersionInfo())
	case "-h", "--help", "help":
		a.printUsage()
	default:
		fmt.Fprintf(a.stderr, "Unknown command: %s\n", args[0])
		a.printUsage()
		return 1
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "%s failed: %v\n", args[0], err)
		return 1
	}
	return 0
}

func (a *app) printUsage() {
	fmt.Fprintf(a.stderr, "Usage: medguard-audit <command> [options]\n")
	fmt.Fprintf(a.stderr, "\nCommands:\n")
	fmt.Fprintf(a.stderr, "  verify           Check the audit hash chain\n")
	fmt.Fprintf(a.stderr, "  report           Print a compliance report as JSON\n")
	fmt.Fprintf(a.stderr, "  export           Archive audit entries to S3\n")
	fmt.Fprintf(a.stderr, "  validate-config  Validate configuration\n")
	fmt.Fprintf(a.stderr, "  version          Show version information\n")
	fmt.Fprintf(a.stderr, "\nRun 'medguard-audit <command> -h' for help on a specific command.\n")
}

func newS3Sink(ctx context.Context, cfg medguard.ArchiveConfig) (audit.Sink, error) {
	if cfg.Bucket == "" {
		return nil, medguard.ErrArchiveNotConfigured
	}
	return s3archive.NewFromDefaultConfig(ctx, cfg.Bucket,
		s3archive.WithPrefix(cfg.Prefix),
		s3archive.WithRetention(cfg.Retention),
	)
}
