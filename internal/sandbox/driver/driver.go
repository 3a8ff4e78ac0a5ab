// Package driver implements the process that runs detached inside a
// sandboxed host: a persistent JavaScript environment (via goja) fed by an
// append-only request file and answering through one response file per
// command. It is started once per sandboxed process and outlives any
// single command.
package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dop251/goja"

	"github.com/arborworks/agentloop/internal/sandbox"
)

// Config configures a Driver's polling and file locations.
type Config struct {
	DataDir      string
	RequestFile  string
	ResponseDir  string
	PollInterval time.Duration

	// IdleDeadline, if positive, self-exits Run once this long has passed
	// since the last command was handled (or since start, if none yet).
	// OverallDeadline, if positive, self-exits Run this long after start
	// regardless of activity. Both are server-side hard timeouts: the host
	// that spawned this process observes it exit and starts a fresh one on
	// the next submit.
	IdleDeadline    time.Duration
	OverallDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = sandbox.DefaultDir
	}
	if c.RequestFile == "" {
		c.RequestFile = filepath.Join(c.DataDir, sandbox.RequestFile)
	}
	if c.ResponseDir == "" {
		c.ResponseDir = c.DataDir
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Driver owns the persistent goja runtime and the environment-scanning
// state needed to capture figures, plots, and images across commands.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	vm          *goja.Runtime
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	openFigures []*FigureHandle
	emitted     map[int]bool
	nextID      int
}

// New builds a Driver with a fresh goja runtime and installs the
// Figure/Plot/Image constructors and a console shim.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		vm:      goja.New(),
		emitted: map[int]bool{},
	}
	d.installGlobals()
	return d
}

func (d *Driver) installGlobals() {
	console := d.vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		d.writeLine(&d.stdout, call.Arguments)
		return goja.Undefined()
	})
	console.Set("error", func(call goja.FunctionCall) goja.Value {
		d.writeLine(&d.stderr, call.Arguments)
		return goja.Undefined()
	})
	d.vm.Set("console", console)

	d.vm.Set("Figure", func(call goja.FunctionCall) goja.Value {
		d.nextID++
		f := &FigureHandle{id: d.nextID}
		d.openFigures = append(d.openFigures, f)
		return d.vm.ToValue(f)
	})

	d.vm.Set("Plot", func(call goja.FunctionCall) goja.Value {
		d.nextID++
		title := ""
		if len(call.Arguments) > 0 {
			title = call.Argument(0).String()
		}
		return d.vm.ToValue(&PlotHandle{id: d.nextID, title: title})
	})

	d.vm.Set("Image", func(call goja.FunctionCall) goja.Value {
		d.nextID++
		var raw []byte
		if len(call.Arguments) > 0 {
			if decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String()); err == nil {
				raw = decoded
			}
		}
		return d.vm.ToValue(&ImageHandle{id: d.nextID, png: raw})
	})
}

func (d *Driver) writeLine(buf *bytes.Buffer, args []goja.Value) {
	for i, a := range args {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(a.String())
	}
	buf.WriteByte('\n')
}

// errIdleDeadlineExceeded and errOverallDeadlineExceeded are returned by Run
// when the corresponding Config deadline elapses. main.go handles either like
// any other Run error: it logs it and exits with status 1, and the host sees
// the process gone on its next liveness check.
var (
	errIdleDeadlineExceeded    = fmt.Errorf("driver: idle deadline exceeded")
	errOverallDeadlineExceeded = fmt.Errorf("driver: overall deadline exceeded")
)

// Run tail-polls the request file, feeding each newly appended line to the
// persistent runtime until ctx is canceled. A PollInterval sleep (100ms by
// default) on EOF matches
// tail -f semantics: the absence of new input is not an error. If
// cfg.IdleDeadline or cfg.OverallDeadline is set, Run self-exits once the
// corresponding deadline elapses, enforcing the hard timeouts the host-side
// Controller cannot see directly (this process is the only thing that knows
// how long it has been since the last command).
func (d *Driver) Run(ctx context.Context) error {
	f, err := os.Open(d.cfg.RequestFile)
	if err != nil {
		return fmt.Errorf("driver: open request file: %w", err)
	}
	defer f.Close()

	if err := d.markReady(); err != nil {
		return fmt.Errorf("driver: mark ready: %w", err)
	}

	started := time.Now()
	lastActivity := started

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.cfg.OverallDeadline > 0 && time.Since(started) >= d.cfg.OverallDeadline {
			d.logger.Warn("driver: overall deadline exceeded, exiting", "deadline", d.cfg.OverallDeadline)
			return errOverallDeadlineExceeded
		}
		if d.cfg.IdleDeadline > 0 && time.Since(lastActivity) >= d.cfg.IdleDeadline {
			d.logger.Warn("driver: idle deadline exceeded, exiting", "deadline", d.cfg.IdleDeadline)
			return errIdleDeadlineExceeded
		}

		line, err := reader.ReadBytes('\n')
		if len(line) == 0 || err != nil {
			time.Sleep(d.cfg.PollInterval)
			continue
		}
		d.handleLine(ctx, bytes.TrimRight(line, "\n"))
		lastActivity = time.Now()
	}
}

// markReady drops an empty sentinel file the host polls for before treating
// the process as able to accept commands (and, for a synchronous
// InitScript, before submitting it).
func (d *Driver) markReady() error {
	return os.WriteFile(filepath.Join(d.cfg.ResponseDir, sandbox.ReadyFile), nil, 0o644)
}

func (d *Driver) handleLine(ctx context.Context, line []byte) {
	var req sandbox.Request
	if err := json.Unmarshal(line, &req); err != nil {
		d.logger.Warn("driver: malformed command line, skipping", "error", err, "raw", string(line))
		return
	}
	if req.CommandID == "" {
		d.logger.Warn("driver: command missing command_id, skipping")
		return
	}

	resp := d.evaluate(req.Code)
	if err := d.writeResponse(req.CommandID, resp); err != nil {
		d.logger.Error("driver: failed writing response", "command_id", req.CommandID, "error", err)
	}
}

// evaluate runs one snippet in the persistent environment, resetting the
// per-command stdout/stderr buffers but never the VM's global bindings, and
// captures every open figure and any newly bound plot/image object.
func (d *Driver) evaluate(code string) sandbox.Response {
	d.stdout.Reset()
	d.stderr.Reset()
	d.openFigures = nil

	if _, err := d.vm.RunString(code); err != nil {
		d.stderr.WriteString(err.Error())
		d.stderr.WriteByte('\n')
	}

	resp := sandbox.Response{
		Stdout: d.stdout.String(),
		Stderr: d.stderr.String(),
	}

	for _, fig := range d.openFigures {
		png, err := renderFigure(fig)
		if err != nil {
			d.logger.Warn("driver: figure render failed", "error", err)
			continue
		}
		resp.Images = append(resp.Images, png)
	}
	d.openFigures = nil

	plots, images := d.scanEnvironment()
	resp.Plots = append(resp.Plots, plots...)
	resp.Images = append(resp.Images, images...)

	return resp
}

// scanEnvironment walks every global binding looking for PlotHandle and
// ImageHandle values not yet emitted, since those object kinds are
// discovered by identity rather than tracked at construction.
func (d *Driver) scanEnvironment() (plots []string, images []string) {
	global := d.vm.GlobalObject()
	for _, key := range global.Keys() {
		val := global.Get(key)
		if val == nil {
			continue
		}
		switch v := val.Export().(type) {
		case *PlotHandle:
			if !d.emitted[v.id] {
				d.emitted[v.id] = true
				plots = append(plots, renderPlotHTML(v))
			}
		case *ImageHandle:
			if !d.emitted[v.id] && len(v.png) > 0 {
				d.emitted[v.id] = true
				if encoded, err := normalizeBytes(v.png); err == nil {
					images = append(images, encoded)
				} else {
					d.logger.Warn("driver: image normalize failed", "error", err)
				}
			}
		}
	}
	return plots, images
}

// normalizeBytes decodes already-encoded image bytes and applies the
// size/dimension normalization rule.
func normalizeBytes(raw []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("driver: decode bound image: %w", err)
	}
	return normalizeRaster(img)
}

// renderPlotHTML builds a self-contained HTML fragment for a live plot
// object, referencing the renderer by CDN rather than bundling it.
func renderPlotHTML(p *PlotHandle) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, `<div id="plot-%d" class="agent-plot"></div>`, p.id)
	b.WriteString("\n<script src=\"https://cdn.plot.ly/plotly-2.27.0.min.js\"></script>\n")
	fmt.Fprintf(&b, "<script>Plotly.newPlot('plot-%d', %s, {title: %q});</script>\n",
		p.id, tracesJSON(p.traces), p.title)
	return b.String()
}

func tracesJSON(traces []string) string {
	data, err := json.Marshal(traces)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func (d *Driver) writeResponse(commandID string, resp sandbox.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	path := filepath.Join(d.cfg.ResponseDir, "RES", commandID+sandbox.ResponseExt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
