// Command cardgrader grades trading card images from a file or a network
// camera, directly against the grading service or through a relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/card-grader/internal/config"
	"github.com/example/card-grader/internal/grading"
	"github.com/example/card-grader/internal/grpcclient"
	"github.com/example/card-grader/internal/imagesource"
	"github.com/example/card-grader/internal/logging"
	"github.com/example/card-grader/internal/render"
	"github.com/example/card-grader/internal/workflow"
)

var (
	loadConfig = func() (*config.Config, error) { return config.NewLoader().Load() }
	newLogger  = logging.NewCLILogger
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "grade":
		return runGradeCmd(ctx, args[2:], stdout, stderr)
	case "capture":
		return runCaptureCmd(ctx, args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(ctx, args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: cardgrader <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  grade    -file <path>            grade an image file")
	_, _ = fmt.Fprintln(w, "  capture  -camera <url>           capture a camera frame and grade it")
	_, _ = fmt.Fprintln(w, "  status   [-addr host:port]       query relay health")
}

// session bundles what the grading commands share.
type session struct {
	machine *workflow.Machine
	logger  *zap.Logger
	stdout  io.Writer
	stderr  io.Writer
}

func newSession(cfg *config.Config, logger *zap.Logger, camera imagesource.Camera, stdout, stderr io.Writer) (*session, error) {
	client := grading.NewClientFromConfig(cfg, logger)
	if err := cfg.ValidateClient(); err != nil {
		logger.Warn("client configuration incomplete", zap.Error(err), zap.Stringer("mode", client.Mode()))
	}

	machine := workflow.NewMachine(workflow.Options{
		Submitter:      client,
		Camera:         camera,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err := machine.Bus().Subscribe(workflow.TopicTransition, func(from, to workflow.State) {
		if progress := progressLine(to); progress != "" {
			_, _ = fmt.Fprintln(stderr, progress)
		}
	}); err != nil {
		return nil, err
	}

	return &session{machine: machine, logger: logger, stdout: stdout, stderr: stderr}, nil
}

func progressLine(s workflow.State) string {
	switch s.(type) {
	case workflow.CameraActive:
		return "Camera started."
	case workflow.ImageReady:
		return "Image ready."
	case workflow.Submitting:
		return "Grading..."
	}
	return ""
}

// submit runs the submission and prints the terminal state.
func (s *session) submit(ctx context.Context) int {
	_ = s.machine.Submit(ctx)
	return s.finish()
}

func (s *session) finish() int {
	defer s.logger.Sync() //nolint:errcheck
	_ = s.machine.Close()

	switch st := s.machine.State().(type) {
	case workflow.Success:
		_, _ = fmt.Fprint(s.stdout, render.Render(st.Response).Text())
		return 0
	case workflow.Failed:
		_, _ = fmt.Fprintln(s.stderr, st.Message)
		return 1
	default:
		_, _ = fmt.Fprintf(s.stderr, "grading did not complete (state %s)\n", st.Name())
		return 1
	}
}

func loadClientConfig(relay string, stderr io.Writer) (*config.Config, bool) {
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return nil, false
	}
	if relay != "" {
		cfg.RelayURL = relay
	}
	return cfg, true
}

func runGradeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("grade", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", "", "path to the card image (required)")
	relay := cmd.String("relay", "", "relay URL; the relay attaches the API key")
	verbose := cmd.Bool("v", false, "verbose logging")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -file is required")
		return 2
	}

	cfg, ok := loadClientConfig(*relay, stderr)
	if !ok {
		return 2
	}
	logger, err := newLogger(*verbose)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	s, err := newSession(cfg, logger, nil, stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := s.machine.SelectFile(*file); err != nil {
		_, _ = fmt.Fprintln(stderr, workflow.Message(err))
		_ = s.machine.Close()
		return 1
	}
	return s.submit(ctx)
}

func runCaptureCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("capture", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cameraURL := cmd.String("camera", "", "MJPEG stream or snapshot URL (required)")
	warmup := cmd.Duration("warmup", 0, "time to let the stream settle before capturing")
	relay := cmd.String("relay", "", "relay URL; the relay attaches the API key")
	verbose := cmd.Bool("v", false, "verbose logging")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *cameraURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -camera is required")
		return 2
	}

	cfg, ok := loadClientConfig(*relay, stderr)
	if !ok {
		return 2
	}
	logger, err := newLogger(*verbose)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	s, err := newSession(cfg, logger, imagesource.NewMJPEGCamera(*cameraURL, logger), stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := s.machine.OpenCamera(ctx); err != nil {
		return s.finish()
	}
	if *warmup > 0 {
		select {
		case <-ctx.Done():
			return s.finish()
		case <-time.After(*warmup):
		}
	}
	if err := s.machine.CaptureFrame(ctx); err != nil {
		return s.finish()
	}
	return s.submit(ctx)
}

func runStatusCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "relay gRPC address (defaults to GRPC_ADDR)")
	timeout := cmd.Duration("timeout", 5*time.Second, "health check timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	target := *addr
	if target == "" {
		cfg, err := loadConfig()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "configuration error: %v\n", err)
			return 2
		}
		target = cfg.GRPCAddr
	}
	if strings.HasPrefix(target, ":") {
		target = "localhost" + target
	}

	logger, err := newLogger(false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	checkCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := grpcclient.DialRelayHealth(checkCtx, target, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "relay %s unreachable: %v\n", target, rootCause(err))
		return 1
	}
	defer client.Close()

	status, err := client.Check(checkCtx, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "health check failed: %v\n", rootCause(err))
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "relay %s: %s\n", target, status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
