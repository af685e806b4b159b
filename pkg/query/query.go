// Package query wraps the casm query command: it builds argument lists,
// runs the executable inside a project, and parses the tabular output.
package query

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// MasterSelection is the implicit selection when none is named.
const MasterSelection = "MASTER"

// Options modify a query invocation.
type Options struct {
	// Selection is a selection file path, or MASTER for the default.
	Selection string
	// Verbatim passes column names through without expansion.
	Verbatim bool
	// All queries all configurations, not just the selected ones.
	All bool
}

// DefaultOptions queries the master selection verbatim.
func DefaultOptions() Options {
	return Options{Selection: MasterSelection, Verbatim: true}
}

// Args builds the casm argument list for a query.
func Args(columns []string, opts Options) []string {
	args := []string{"query", "-k"}
	args = append(args, columns...)
	if opts.Selection != "" && opts.Selection != MasterSelection {
		args = append(args, "-c", opts.Selection)
	}
	if opts.Verbatim {
		args = append(args, "-v")
	}
	if opts.All && opts.Selection != "CALCULATED" && opts.Selection != "ALL" {
		args = append(args, "-a")
	}
	args = append(args, "-o", "STDOUT")
	return args
}

// Client runs casm queries for one project.
type Client struct {
	// Exe is the casm executable name or path.
	Exe string
	// Dir is the project root the command runs in.
	Dir string

	// runner executes the command; injectable for tests.
	runner func(ctx context.Context, dir, exe string, args []string) ([]byte, error)
}

func NewClient(exe, dir string) *Client {
	return &Client{Exe: exe, Dir: dir, runner: runCommand}
}

func runCommand(ctx context.Context, dir, exe string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w\n%s", exe, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Query runs a query and parses the result table.
func (c *Client) Query(ctx context.Context, columns []string, opts Options) (*Table, error) {
	args := Args(columns, opts)
	out, err := c.runner(ctx, c.Dir, c.Exe, args)
	if err != nil {
		return nil, fmt.Errorf("casm query: %w", err)
	}
	t, err := ParseTable(out)
	if err != nil {
		return nil, fmt.Errorf("casm query %s: %w", strings.Join(columns, " "), err)
	}
	return t, nil
}

// Table is parsed query output: a header row naming columns and
// whitespace-delimited data rows.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ParseTable parses casm query STDOUT output. The header line leads with
// a '#' marker which is not part of the first column name.
func ParseTable(out []byte) (*Table, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	t := &Table{}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if t.Columns == nil {
			line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
			t.Columns = strings.Fields(line)
			if len(t.Columns) == 0 {
				return nil, fmt.Errorf("empty header line")
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != len(t.Columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d columns",
				len(t.Rows), len(fields), len(t.Columns))
		}
		t.Rows = append(t.Rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if t.Columns == nil {
		return nil, fmt.Errorf("no output")
	}
	return t, nil
}

// ColumnIndex returns the position of a named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Strings returns one column's values.
func (t *Table) Strings(name string) ([]string, error) {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("no column %q", name)
	}
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// Floats returns one column's values parsed as float64.
func (t *Table) Floats(name string) ([]float64, error) {
	vals, err := t.Strings(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
		}
		out[i] = f
	}
	return out, nil
}
