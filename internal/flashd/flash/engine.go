package flash

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Engine is the external flashing tool. It is an opaque collaborator: given a
// port and an image it either succeeds or returns a diagnostic error.
type Engine interface {
	Flash(ctx context.Context, port, firmwarePath string) error

	// Available reports whether the engine binary can be invoked at all.
	// Best-effort; used only for a startup warning.
	Available() bool
}

// ExecEngine invokes a flashing tool (avrdude, esptool, ...) built from an
// argv template with {port}, {firmware} and {baudrate} placeholders.
type ExecEngine struct {
	Command  string
	BaudRate int
}

var _ Engine = (*ExecEngine)(nil)

func (e *ExecEngine) argv(port, firmwarePath string) []string {
	r := strings.NewReplacer(
		"{port}", port,
		"{firmware}", firmwarePath,
		"{baudrate}", strconv.Itoa(e.BaudRate),
	)
	return strings.Fields(r.Replace(e.Command))
}

func (e *ExecEngine) Flash(ctx context.Context, port, firmwarePath string) error {
	argv := e.argv(port, firmwarePath)
	if len(argv) == 0 {
		return fmt.Errorf("empty flash command")
	}

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("flash attempt timed out: %w", ctx.Err())
		}
		return fmt.Errorf("%s: %v: %s", argv[0], err, lastLine(out))
	}
	return nil
}

func (e *ExecEngine) Available() bool {
	argv := e.argv("", "")
	if len(argv) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, argv[0], "--version").Run() == nil
}

// lastLine extracts the final non-empty output line, which is where flashing
// tools put their verdict.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
