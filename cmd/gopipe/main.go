// gopipe runs a command pipeline under policy control.
//
// Stages are separated by "--" on the command line. Each stage's stdout
// feeds the next stage's stdin; the final stage's stdout and every
// stage's stderr are printed when the run completes, unless --stream
// forwards them as they arrive.
//
//	gopipe --policy policy.yaml -- /bin/cat /etc/hosts -- /usr/bin/grep localhost
//
// The process exit code is the final stage's exit code, 124 on timeout,
// and 130 when interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/victoralfred/gopipe"
	"github.com/victoralfred/gopipe/hooks"
	"github.com/victoralfred/gopipe/pipeline"
)

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "gopipe: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a child exit code through the error return without
// printing anything; run already wrote whatever the user should see.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *exitError) ExitCode() int { return e.code }

func run() error {
	var (
		policyFile  string
		policyBase  string
		timeout     time.Duration
		acceptCodes []int
		stream      bool
		verbose     bool
	)

	flagSet := pflag.NewFlagSet("gopipe", pflag.ContinueOnError)
	flagSet.StringVar(&policyFile, "policy", "", "YAML policy file, resolved inside --policy-base")
	flagSet.StringVar(&policyBase, "policy-base", ".", "directory policy files are resolved in")
	flagSet.DurationVar(&timeout, "timeout", 0, "wall-clock limit for the whole pipeline (0 uses the policy default)")
	flagSet.IntSliceVar(&acceptCodes, "accept", nil, "extra final-stage exit codes treated as success")
	flagSet.BoolVar(&stream, "stream", false, "forward output as it arrives instead of capturing it")
	flagSet.BoolVar(&verbose, "verbose", false, "log run lifecycle to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("gopipe " + gopipe.Version())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	segments := splitSegments(flagSet.Args())
	if len(segments) == 0 {
		printHelp(flagSet)
		return errors.New("no pipeline given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := gopipe.NewBuilder()

	if policyFile != "" {
		loader, err := gopipe.NewPolicyLoaderAt(policyBase, policyFile)
		if err != nil {
			return err
		}
		pol, err := loader.Load(ctx)
		if err != nil {
			return err
		}
		builder = builder.WithPolicy(pol)
	}

	if verbose {
		builder = builder.WithHooks(hooks.NewLoggingHook(func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, "gopipe: "+format+"\n", args...)
		}))
	}

	exec, err := builder.Build()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Shutdown(shutdownCtx)
	}()

	p, err := buildPipeline(segments, timeout, acceptCodes)
	if err != nil {
		return err
	}

	var result *gopipe.Result
	if stream {
		result, err = exec.Stream(ctx, p, os.Stdout, os.Stderr)
	} else {
		result, err = exec.Execute(ctx, p)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: 130}
		}
		return err
	}

	_, _ = os.Stdout.Write(result.Stdout)
	_, _ = os.Stderr.Write(result.Stderr)

	if result.Success() {
		return nil
	}

	switch result.Status {
	case pipeline.StatusTimeout:
		fmt.Fprintln(os.Stderr, "gopipe: pipeline timed out")
		return &exitError{code: 124}
	case pipeline.StatusCanceled:
		return &exitError{code: 130}
	default:
		if result.ExitCode > 0 {
			return &exitError{code: result.ExitCode}
		}
		return &exitError{code: 1}
	}
}

// splitSegments cuts the positional arguments into per-stage argv
// segments at each "--". Empty segments are dropped.
func splitSegments(args []string) [][]string {
	var segments [][]string
	var current []string
	for _, arg := range args {
		if arg == "--" {
			if len(current) > 0 {
				segments = append(segments, current)
				current = nil
			}
			continue
		}
		current = append(current, arg)
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}
	return segments
}

func buildPipeline(segments [][]string, timeout time.Duration, acceptCodes []int) (*gopipe.Pipeline, error) {
	first, err := gopipe.Cmd(segments[0][0], segments[0][1:]...).Build()
	if err != nil {
		return nil, err
	}

	pb := gopipe.Pipe(first)
	for _, segment := range segments[1:] {
		next, err := gopipe.Cmd(segment[0], segment[1:]...).Build()
		if err != nil {
			return nil, err
		}
		pb = pb.Then(next)
	}

	if timeout > 0 {
		pb = pb.WithTimeout(timeout)
	}
	if len(acceptCodes) > 0 {
		pb = pb.AcceptExitCodes(acceptCodes...)
	}
	return pb.Build()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `gopipe runs a command pipeline under policy control.

Stages are separated by "--". Programs must be named the way the policy
lists them; absolute paths are the safe choice. Each stage's stdout
feeds the next stage's stdin.

Usage:
  gopipe [flags] -- program [args...] [-- program [args...]]...

Examples:
  # Single command under the default timeout
  gopipe -- /bin/echo hello

  # Two-stage pipe with a policy file
  gopipe --policy policy.yaml -- /bin/cat /etc/hosts -- /usr/bin/grep localhost

  # Accept grep's "no match" exit code as success
  gopipe --accept 1 -- /usr/bin/grep needle /etc/hosts

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
